package dispatch

import (
	"context"

	"github.com/dkeye/Jingle/internal/app"
	"github.com/dkeye/Jingle/internal/domain"
	"mellium.im/xmpp/jid"
)

// onSessionTerminate ends the negotiation with the sender. A terminate for
// a sid we do not know is acknowledged and otherwise ignored.
func (d *Dispatcher) onSessionTerminate(from jid.JID, j *domain.Jingle, ob *outbox) error {
	_, err := d.locked(j.SID, false, func(e *app.CallEntry) error {
		peer := peerOf(e.Session, j.SID, from)
		if peer == nil {
			return nil
		}
		reason := domain.ReasonSuccess
		text := ""
		if j.Reason != nil {
			reason, text = j.Reason.Condition, j.Reason.Text
		}
		d.logger.Info().Str("sid", string(j.SID)).Str("reason", string(reason)).Str("text", text).Msg("remote hangup")
		state := domain.PeerDisconnected
		if failureReason(reason) {
			state = domain.PeerFailed
		}
		d.endPeer(e, ob, peer, state, reason, text)
		return nil
	})
	return err
}

func failureReason(r domain.ReasonCondition) bool {
	switch r {
	case domain.ReasonSuccess, domain.ReasonBusy, domain.ReasonDecline, domain.ReasonCancel,
		domain.ReasonGone, domain.ReasonTimeout, "":
		return false
	}
	return true
}

// Hangup ends the call sid locally. For a conference peer joined under its
// own sid only that peer is hung up.
func (d *Dispatcher) Hangup(_ context.Context, sid domain.SessionID, reason domain.HangupReason) error {
	aliased := d.Registry.Resolve(sid) != sid
	cond := reason.Condition()
	return d.withOutbox(func(ob *outbox) error {
		found, err := d.locked(sid, false, func(e *app.CallEntry) error {
			cs := e.Session
			if cs == nil {
				return domain.ErrUnknownSession
			}
			peers := append([]*domain.PeerNegotiation(nil), cs.Peers...)
			if aliased {
				peers = peers[:0]
				if p := cs.PeerBySID(sid); p != nil {
					peers = append(peers, p)
				}
			}
			for _, p := range peers {
				if p.State.Finished() {
					continue
				}
				if p.Initiator || p.LocalSent || len(p.Local) > 0 {
					ob.send(d.terminateIQ(p, cond, ""))
				}
				d.endPeer(e, ob, p, domain.PeerDisconnected, cond, string(reason))
			}
			d.logger.Info().Str("sid", string(sid)).Str("reason", string(reason)).Int("peers", len(peers)).Msg("local hangup")
			return nil
		})
		if !found {
			return domain.ErrUnknownSession
		}
		return err
	})
}
