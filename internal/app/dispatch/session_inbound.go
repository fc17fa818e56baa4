package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Jingle/internal/app"
	"github.com/dkeye/Jingle/internal/app/transport"
	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

func (d *Dispatcher) onSessionInitiate(ctx context.Context, from jid.JID, j *domain.Jingle, ob *outbox) error {
	if len(j.Contents) == 0 {
		return domain.NewActionError(stanza.BadRequest, errors.New("session-initiate without content"))
	}
	for _, c := range j.Contents {
		if c.Name == "" {
			return domain.NewActionError(stanza.BadRequest, errors.New("content without name"))
		}
	}

	// Everything needing another sid lock is settled first.
	target, joining := d.joinTarget(j)
	var adopted *domain.PendingCandidateBuffer
	if joining {
		adopted = d.Registry.Adopt(j.SID, target)
	}
	transferValid, transferErr := d.verifyTransfer(j.Transfer)
	live := len(d.Registry.Snapshot())

	_, err := d.locked(target, true, func(e *app.CallEntry) error {
		cs := e.Session
		if joining {
			if cs == nil || cs.PeerBySID(j.SID) != nil {
				return domain.NewActionError(stanza.UnexpectedRequest, fmt.Errorf("session %s already exists", j.SID))
			}
		} else {
			if cs != nil {
				return domain.NewActionError(stanza.UnexpectedRequest, fmt.Errorf("session %s already exists", j.SID))
			}
			cs = domain.NewCallSession(j.SID, d.local(), false, d.now())
		}

		peer := domain.NewPeerNegotiation(j.SID, from, true)
		remote := make([]*domain.Content, 0, len(j.Contents))
		for _, c := range j.Contents {
			remote = append(remote, c.Clone())
		}
		pending := e.Pending
		if joining {
			pending = adopted
		}
		if n := pending.MergeInto(remote); n > 0 {
			d.logger.Debug().Str("sid", string(j.SID)).Int("candidates", n).Msg("merged early candidates")
		}

		supported := remote[:0]
		for _, c := range remote {
			if c.Transport != nil && d.Policy.MediaAllowed(c.Media()) {
				supported = append(supported, c)
			}
		}

		var declineCond domain.ReasonCondition
		var declineErr error
		switch {
		case transferErr != nil:
			declineCond, declineErr = domain.ReasonSecurityError, transferErr
		case len(supported) == 0:
			declineCond, declineErr = domain.ReasonUnsupportedApplications, errors.New("no supported content")
		case d.Dtls != nil && d.Dtls.Required() && !transport.HasFingerprint(supported):
			declineCond, declineErr = domain.ReasonSecurityError, domain.ErrSecurityRequired
		}
		if declineErr != nil {
			d.logger.Info().Str("sid", string(j.SID)).Str("reason", string(declineCond)).Err(declineErr).Msg("declining session")
			ob.send(d.terminateIQ(peer, declineCond, declineErr.Error()))
			d.event(ob, core.EventFailed, j.SID, from, string(declineCond))
			if !joining {
				e.Pending.Clear()
			}
			return nil
		}

		if !joining {
			e.Session = cs
		}
		if joining && cs.Conference == nil && d.colibriOn() {
			cs.Conference = domain.NewConferenceChannelSet()
		}
		peer.Remote = supported
		peer.Expect(supported)
		peer.MergeRemote(supported)
		peer.SharedMedia = joining
		peer.Relayed = joining && cs.Conference != nil
		peer.Transfer = j.Transfer
		cs.AddPeer(peer)
		e.Runtime[peer.Key()] = app.NewPeerRuntime()
		if transferValid {
			cs.Attendant = j.Transfer.SID
		}

		admission := d.Policy.Admit(live, transferValid)
		d.logger.Info().
			Str("sid", string(j.SID)).
			Str("peer", from.String()).
			Bool("joining", joining).
			Str("admission", admission.String()).
			Int("contents", len(supported)).
			Msg("incoming session")
		switch admission {
		case app.RejectBusy:
			ob.send(d.terminateIQ(peer, domain.ReasonBusy, ""))
			d.endPeer(e, ob, peer, domain.PeerDisconnected, domain.ReasonBusy, "")
		case app.AutoAnswer:
			d.event(ob, core.EventIncoming, j.SID, from, "")
			ob.then(func() {
				if err := d.Answer(d.ctx, j.SID); err != nil {
					d.logger.Warn().Err(err).Str("sid", string(j.SID)).Msg("auto answer failed")
				}
			})
		default:
			d.event(ob, core.EventIncoming, j.SID, from, "")
			ob.send(d.jingleIQ(from, &domain.Jingle{
				Action:  domain.ActionSessionInfo,
				SID:     j.SID,
				Ringing: &domain.Empty{},
			}))
		}
		return nil
	})
	return err
}

// joinTarget resolves the call a session-initiate joins through callid.
func (d *Dispatcher) joinTarget(j *domain.Jingle) (domain.SessionID, bool) {
	if j.CallID == nil || j.CallID.Value == "" || domain.SessionID(j.CallID.Value) == j.SID {
		return j.SID, false
	}
	target := d.Registry.Resolve(domain.SessionID(j.CallID.Value))
	found, _ := d.locked(target, false, func(e *app.CallEntry) error { return nil })
	if !found {
		d.logger.Info().Str("sid", string(j.SID)).Str("callid", j.CallID.Value).Msg("callid names no live call")
		return j.SID, false
	}
	return target, true
}

// verifyTransfer checks an attended transfer: the attendant session must be
// live with the transferor, and the transfer must target us.
func (d *Dispatcher) verifyTransfer(t *domain.Transfer) (bool, error) {
	if t == nil || t.SID == "" {
		return false, nil
	}
	transferor, err := jid.Parse(t.From)
	if err != nil {
		return false, fmt.Errorf("%w: from %q", domain.ErrTransferMismatch, t.From)
	}
	to, err := jid.Parse(t.To)
	local := d.local()
	if err != nil || !(to.Equal(local) || to.Equal(local.Bare())) {
		return false, fmt.Errorf("%w: to %q", domain.ErrTransferMismatch, t.To)
	}
	match := false
	_, _ = d.locked(t.SID, false, func(e *app.CallEntry) error {
		if e.Session == nil {
			return nil
		}
		for _, p := range e.Session.Peers {
			if p.State.Finished() {
				continue
			}
			if p.Address.Equal(transferor) || p.Address.Bare().Equal(transferor) {
				match = true
			}
		}
		return nil
	})
	if !match {
		return false, fmt.Errorf("%w: no session %s with %s", domain.ErrTransferMismatch, t.SID, t.From)
	}
	return true, nil
}

func (d *Dispatcher) colibriOn() bool { return d.Colibri != nil && d.Colibri.Enabled() }

// Answer accepts an incoming session. Establishment continues on the
// workers.
func (d *Dispatcher) Answer(ctx context.Context, sid domain.SessionID) error {
	var job *establishJob
	err := d.withOutbox(func(ob *outbox) error {
		found, err := d.locked(sid, false, func(e *app.CallEntry) error {
			cs := e.Session
			if cs == nil {
				return domain.ErrUnknownSession
			}
			peer := cs.PeerBySID(sid)
			if peer == nil || !peer.Initiator {
				return fmt.Errorf("%w: no incoming call %s", domain.ErrUnknownSession, sid)
			}
			if peer.State != domain.PeerIncomingCall {
				return fmt.Errorf("%w: call %s is %s", domain.ErrWrongState, sid, peer.State)
			}
			peer.SetState(domain.PeerConnecting)
			cs.SetState(domain.CallConnecting)
			d.event(ob, core.EventConnecting, sid, peer.Address, "")
			job = d.newJob(cs, peer)
			return nil
		})
		if !found {
			return domain.ErrUnknownSession
		}
		return err
	})
	if err != nil {
		return err
	}
	d.background("answer", func(ctx context.Context) { d.runAnswer(ctx, job) }, func(err error) { d.failPeer(job.ref, err) })
	return nil
}

func (d *Dispatcher) runAnswer(ctx context.Context, job *establishJob) {
	path, err := d.preparePath(ctx, job, mediaRequests(job.remote))
	if err != nil {
		d.failPeer(job.ref, err)
		return
	}
	dtls := !path.Relayed() && d.Dtls != nil && d.Dtls.Enabled(ctx, job.ref.addr)
	local := make([]*domain.Content, 0, len(job.remote))
	for _, rc := range job.remote {
		t, err := path.Answer(ctx, rc.Media(), rc.RTCPMux())
		if err != nil {
			_ = path.Close()
			d.failPeer(job.ref, err)
			return
		}
		if dtls {
			d.Dtls.Answer(t, rc.Transport)
		}
		local = append(local, &domain.Content{
			Creator:     rc.Creator,
			Name:        rc.Name,
			Senders:     rc.Senders,
			Description: echoDescription(rc),
			Transport:   t,
		})
	}
	accept := &domain.Jingle{
		Action:    domain.ActionSessionAccept,
		SID:       job.ref.sid,
		Responder: d.local().String(),
		Contents:  local,
	}
	d.deliver(ctx, job, path, local, accept)
}

// echoDescription answers with the payloads and sources the peer offered.
func echoDescription(rc *domain.Content) *domain.Description {
	if rc.Description == nil {
		m := rc.Media()
		return &domain.Description{Media: m, PayloadTypes: domain.DefaultPayloadTypes(m)}
	}
	desc := rc.Clone().Description
	desc.Sources = nil
	return desc
}
