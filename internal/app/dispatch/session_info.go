package dispatch

import (
	"context"
	"errors"

	"github.com/dkeye/Jingle/internal/app"
	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

func (d *Dispatcher) onSessionInfo(from jid.JID, j *domain.Jingle, ob *outbox) error {
	var transfer *transferJob
	found, err := d.locked(j.SID, false, func(e *app.CallEntry) error {
		peer := peerOf(e.Session, j.SID, from)
		if peer == nil {
			if j.Transfer != nil && e.Session != nil {
				return domain.NewActionError(stanza.NotAuthorized, domain.ErrTransferMismatch)
			}
			return unknownSession(j.SID)
		}
		if peer.State.Finished() {
			return nil
		}
		switch {
		case j.Transfer != nil:
			if j.Transfer.To == "" {
				return domain.NewActionError(stanza.BadRequest, errors.New("transfer without target"))
			}
			if !transferorMatches(j.Transfer.From, peer.Address) {
				return domain.NewActionError(stanza.NotAuthorized, domain.ErrTransferMismatch)
			}
			to, err := jid.Parse(j.Transfer.To)
			if err != nil {
				return domain.NewActionError(stanza.JIDMalformed, err)
			}
			transfer = &transferJob{
				ref:   refOf(peer),
				to:    to,
				media: contentMedia(peer),
				directive: domain.Transfer{
					SID:  j.Transfer.SID,
					From: peer.Address.String(),
					To:   to.String(),
				},
			}
		case j.Ringing != nil:
			if peer.State == domain.PeerConnecting || peer.State == domain.PeerInitiatingCall {
				peer.SetState(domain.PeerAlertingRemoteSide)
			}
			d.event(ob, core.EventRinging, peer.SID, peer.Address, "")
		case j.Hold != nil:
			d.event(ob, core.EventHold, peer.SID, peer.Address, "")
		case j.Unhold != nil:
			d.event(ob, core.EventUnhold, peer.SID, peer.Address, "")
		case j.Mute != nil:
			d.event(ob, core.EventMute, peer.SID, peer.Address, "")
		case j.Unmute != nil:
			d.event(ob, core.EventUnmute, peer.SID, peer.Address, "")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return unknownSession(j.SID)
	}
	if transfer != nil {
		ob.then(func() {
			d.background("transfer", func(ctx context.Context) { d.runTransfer(ctx, transfer) }, nil)
		})
	}
	return nil
}

// transferorMatches accepts an empty from, the peer's full address or its
// bare address.
func transferorMatches(from string, peer jid.JID) bool {
	if from == "" {
		return true
	}
	j, err := jid.Parse(from)
	if err != nil {
		return false
	}
	return j.Equal(peer) || (j.Resourcepart() == "" && j.Equal(peer.Bare()))
}

type transferJob struct {
	ref       peerRef
	to        jid.JID
	media     []domain.MediaType
	directive domain.Transfer
}

func contentMedia(peer *domain.PeerNegotiation) []domain.MediaType {
	var out []domain.MediaType
	seen := make(map[domain.MediaType]bool)
	for _, list := range [][]*domain.Content{peer.Local, peer.Remote} {
		for _, c := range list {
			if m := c.Media(); !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	if len(out) == 0 {
		out = []domain.MediaType{domain.MediaAudio}
	}
	return out
}

// runTransfer calls the transfer target on behalf of the transferor and
// ends the original session once the new one exists.
func (d *Dispatcher) runTransfer(ctx context.Context, job *transferJob) {
	sid, err := d.Initiate(ctx, job.to, job.media, WithTransfer(job.directive))
	if err != nil {
		d.logger.Warn().Err(err).Str("sid", string(job.ref.sid)).Str("to", job.to.String()).Msg("transfer failed")
		return
	}
	d.logger.Info().Str("sid", string(job.ref.sid)).Str("new_sid", string(sid)).Str("to", job.to.String()).Msg("call transferred")
	_ = d.withOutbox(func(ob *outbox) error {
		_, err := d.locked(job.ref.sid, false, func(e *app.CallEntry) error {
			peer := job.ref.find(e)
			if peer == nil || peer.State.Finished() {
				return nil
			}
			d.event(ob, core.EventTransferred, peer.SID, job.to, string(sid))
			ob.send(d.terminateIQ(peer, domain.ReasonSuccess, ""))
			d.endPeer(e, ob, peer, domain.PeerDisconnected, domain.ReasonSuccess, "")
			return nil
		})
		return err
	})
}
