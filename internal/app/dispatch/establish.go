package dispatch

import (
	"context"
	"errors"

	"github.com/dkeye/Jingle/internal/app"
	"github.com/dkeye/Jingle/internal/app/colibri"
	"github.com/dkeye/Jingle/internal/app/transport"
	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
)

// establishJob is what a worker needs to bring up the transport of one peer
// without holding its lock.
type establishJob struct {
	ref       peerRef
	initiator bool
	remote    []*domain.Content
	set       *domain.ConferenceChannelSet
}

func (d *Dispatcher) newJob(cs *domain.CallSession, peer *domain.PeerNegotiation) *establishJob {
	job := &establishJob{ref: refOf(peer), initiator: peer.Initiator}
	for _, c := range peer.Remote {
		job.remote = append(job.remote, c.Clone())
	}
	if peer.Relayed {
		job.set = cs.Conference
	}
	return job
}

func mediaRequests(contents []*domain.Content) []colibri.MediaRequest {
	out := make([]colibri.MediaRequest, 0, len(contents))
	for _, c := range contents {
		req := colibri.MediaRequest{Media: c.Media(), Remote: c.Transport}
		if c.Description != nil {
			req.PayloadTypes = c.Description.PayloadTypes
			req.Sources = c.Description.Sources
		}
		if len(req.PayloadTypes) == 0 {
			req.PayloadTypes = domain.DefaultPayloadTypes(req.Media)
		}
		out = append(out, req)
	}
	return out
}

// preparePath picks the media path of a peer. Conference peers go through
// the relay when it allocates channels; everyone else, and conference peers
// the relay refused, get a direct ICE agent.
func (d *Dispatcher) preparePath(ctx context.Context, job *establishJob, reqs []colibri.MediaRequest) (app.Path, error) {
	if job.set != nil && d.colibriOn() {
		peer := colibri.Peer{Address: job.ref.addr, Initiator: job.initiator}
		alloc, err := d.Colibri.Allocate(ctx, job.set, peer, reqs)
		if err != nil {
			return nil, err
		}
		if alloc != nil {
			d.Registry.IndexConference(job.ref.sid, job.set)
			return d.newRelayedPath(ctx, job, peer, alloc)
		}
		d.logger.Info().Str("sid", string(job.ref.sid)).Msg("relay unavailable, connecting directly")
	}
	ice := d.Transports.New(job.ref.sid)
	if err := ice.CreateAgent(ctx, !job.initiator); err != nil {
		_ = ice.Close()
		return nil, err
	}
	return app.NewDirectPath(ice), nil
}

// deliver installs the path and local contents, sends j and, once the peer
// acknowledged it, lets establishment start.
func (d *Dispatcher) deliver(ctx context.Context, job *establishJob, path app.Path, local []*domain.Content, j *domain.Jingle) {
	installed := false
	_ = d.withOutbox(func(ob *outbox) error {
		_, err := d.locked(job.ref.sid, false, func(e *app.CallEntry) error {
			peer := job.ref.find(e)
			if peer == nil || peer.State.Finished() {
				return nil
			}
			rt := e.Runtime[peer.Key()]
			if rt == nil {
				return nil
			}
			rt.Path = path
			peer.Relayed = path.Relayed()
			if rp, ok := path.(*relayedPath); ok && rp.ice != nil && e.RelayICE == nil {
				e.RelayICE = rp.ice
			}
			peer.Local = local
			for _, c := range local {
				ts := peer.Transport(c.Name, c.Media())
				if c.Transport != nil {
					ts.LocalUfrag, ts.LocalPwd = c.Transport.Ufrag, c.Transport.Pwd
					ts.AddLocal(c.Transport.Candidates)
				}
			}
			if !peer.Initiator {
				peer.Expect(local)
			}
			installed = true
			return nil
		})
		return err
	})
	if !installed {
		d.logger.Info().Str("sid", string(job.ref.sid)).Msg("peer gone before its transport was ready")
		_ = path.Close()
		return
	}

	if err := d.request(ctx, job.ref.addr, j); err != nil {
		d.failPeer(job.ref, err)
		return
	}

	_ = d.withOutbox(func(ob *outbox) error {
		_, err := d.locked(job.ref.sid, false, func(e *app.CallEntry) error {
			peer := job.ref.find(e)
			if peer == nil || peer.State.Finished() {
				return nil
			}
			peer.LocalSent = true
			d.maybeStart(e, ob, peer, false)
			// A window that elapsed before the ack found nothing to start.
			if !peer.TransportApplied && (peer.Initiator || peer.AcceptProcessed) {
				d.deferStart(e, peer)
			}
			return nil
		})
		return err
	})
}

// maybeStart hands the queued remote candidates to the path and schedules
// connectivity establishment once both descriptions were exchanged and every
// expected content saw a candidate. force skips the candidate check.
func (d *Dispatcher) maybeStart(e *app.CallEntry, ob *outbox, peer *domain.PeerNegotiation, force bool) {
	if peer.TransportApplied || !peer.LocalSent {
		return
	}
	if !peer.Initiator && !peer.AcceptProcessed {
		return
	}
	if !force && !peer.TransportReady() {
		return
	}
	rt := e.Runtime[peer.Key()]
	if rt == nil || rt.Path == nil {
		return
	}
	applied := 0
	for _, ts := range peer.Transports {
		cands := ts.TakePendingRemote()
		applied += len(cands)
		if _, err := rt.Path.Apply(ts.Media, cands, ts.RemoteUfrag, ts.RemotePwd); err != nil {
			d.logger.Warn().Err(err).Str("sid", string(peer.SID)).Str("content", ts.Name).Msg("apply remote candidates")
		}
		ts.Started = true
	}
	peer.TransportApplied = true
	d.logger.Info().
		Str("sid", string(peer.SID)).
		Int("candidates", applied).
		Bool("forced", force).
		Msg("remote transport applied")
	if !rt.MarkReady() {
		return
	}
	ref, path := refOf(peer), rt.Path
	ob.then(func() {
		d.background("establish", d.establish(ref, path), func(err error) { d.failPeer(ref, err) })
	})
}

func (d *Dispatcher) deferStart(e *app.CallEntry, peer *domain.PeerNegotiation) {
	rt := e.Runtime[peer.Key()]
	if rt == nil {
		return
	}
	ref := refOf(peer)
	rt.Defer(d.Options.TransportWindow, func() { d.forceStart(ref) })
}

// forceStart runs when the transport window elapsed.
func (d *Dispatcher) forceStart(ref peerRef) {
	_ = d.withOutbox(func(ob *outbox) error {
		_, err := d.locked(ref.sid, false, func(e *app.CallEntry) error {
			peer := ref.find(e)
			if peer == nil || peer.State.Finished() || peer.TransportApplied {
				return nil
			}
			if awaiting := peer.Awaiting(); len(awaiting) > 0 {
				d.logger.Info().Str("sid", string(ref.sid)).Strs("awaiting", awaiting).Msg("transport window elapsed")
			}
			if peer.DeferredAccept != nil {
				d.processAccept(e, ob, peer, true)
				return nil
			}
			d.maybeStart(e, ob, peer, true)
			return nil
		})
		return err
	})
}

func (d *Dispatcher) establish(ref peerRef, path app.Path) task {
	return func(ctx context.Context) {
		outcome := transport.OutcomeFailed
		err := path.Start(ctx)
		if err == nil {
			outcome, err = path.Await(ctx, d.Options.CompletionTimeout)
		}
		d.settle(ref, outcome, err)
	}
}

// settle records the result of connectivity establishment.
func (d *Dispatcher) settle(ref peerRef, outcome transport.Outcome, err error) {
	_ = d.withOutbox(func(ob *outbox) error {
		_, lerr := d.locked(ref.sid, false, func(e *app.CallEntry) error {
			peer := ref.find(e)
			if peer == nil || peer.State.Finished() {
				return nil
			}
			cs := e.Session
			logger := d.logger.With().Str("sid", string(ref.sid)).Str("outcome", outcome.String()).Logger()
			switch outcome {
			case transport.OutcomeConnected, transport.OutcomeProceeded:
				peer.SetState(domain.PeerConnected)
				cs.SetState(domain.CallConnected)
				e.Pending.Clear()
				logger.Info().Msg("peer connected")
				d.event(ob, core.EventConnected, peer.SID, peer.Address, outcome.String())
				if cs.Attendant != "" {
					attendant := cs.Attendant
					cs.Attendant = ""
					d.event(ob, core.EventTransferred, attendant, peer.Address, "")
					ob.then(func() {
						if err := d.Hangup(d.ctx, attendant, domain.HangupNormal); err != nil {
							d.logger.Warn().Err(err).Str("sid", string(attendant)).Msg("ending attendant session")
						}
					})
				}
			case transport.OutcomeFailed:
				e.Pending.Clear()
				reason := domain.ReasonFor(err)
				text := ""
				if err != nil {
					text = err.Error()
				}
				logger.Warn().Err(err).Msg("connectivity establishment failed")
				ob.send(d.terminateIQ(peer, reason, text))
				d.endPeer(e, ob, peer, domain.PeerFailed, reason, text)
			default:
				logger.Debug().Err(err).Msg("establishment stopped")
			}
			return nil
		})
		return lerr
	})
}

// failPeer ends a negotiation that could not proceed. The peer is told only
// when it knows the session. A relay conference out of step with the call
// takes the whole call down.
func (d *Dispatcher) failPeer(ref peerRef, err error) {
	if errors.Is(err, domain.ErrConferenceMismatch) {
		d.failCall(ref.sid, err)
		return
	}
	_ = d.withOutbox(func(ob *outbox) error {
		_, lerr := d.locked(ref.sid, false, func(e *app.CallEntry) error {
			peer := ref.find(e)
			if peer == nil || peer.State.Finished() {
				return nil
			}
			reason := domain.ReasonFor(err)
			d.logger.Warn().Err(err).Str("sid", string(ref.sid)).Str("reason", string(reason)).Msg("negotiation failed")
			if peer.Initiator || peer.LocalSent {
				ob.send(d.terminateIQ(peer, reason, err.Error()))
			}
			d.endPeer(e, ob, peer, domain.PeerFailed, reason, err.Error())
			return nil
		})
		return lerr
	})
}

// failCall ends every live negotiation of the call sid belongs to with an
// internal error and drops the call.
func (d *Dispatcher) failCall(sid domain.SessionID, err error) {
	_ = d.withOutbox(func(ob *outbox) error {
		_, lerr := d.locked(sid, false, func(e *app.CallEntry) error {
			cs := e.Session
			if cs == nil {
				return nil
			}
			text := err.Error()
			d.logger.Error().Err(err).Str("sid", string(cs.SID)).Int("peers", cs.Live()).Msg("call state out of step with relay")
			for _, peer := range cs.Peers {
				if peer.State.Finished() {
					continue
				}
				if peer.Initiator || peer.LocalSent {
					ob.send(d.terminateIQ(peer, domain.ReasonGeneralError, text))
				}
				d.endPeer(e, ob, peer, domain.PeerFailed, domain.ReasonGeneralError, text)
			}
			if e.Session != nil {
				cs.SetState(domain.CallFailed)
				e.Drop()
			}
			return nil
		})
		return lerr
	})
}

// endPeer finishes one negotiation and, when it was the last live one, the
// call. The entry must not be used for the session afterwards.
func (d *Dispatcher) endPeer(e *app.CallEntry, ob *outbox, peer *domain.PeerNegotiation, state domain.PeerState, reason domain.ReasonCondition, text string) {
	key := peer.Key()
	if rt, ok := e.Runtime[key]; ok {
		// Agents are closed once the lock is released.
		if path := rt.Path; path != nil {
			rt.Path = nil
			ob.then(func() { _ = path.Close() })
		}
		rt.Stop()
		delete(e.Runtime, key)
	}
	var changed bool
	if state == domain.PeerFailed {
		msg := text
		if msg == "" {
			msg = string(reason)
		}
		changed = peer.Fail(msg)
	} else {
		changed = peer.SetState(state)
	}
	if !changed {
		return
	}
	typ := core.EventEnded
	if state == domain.PeerFailed {
		typ = core.EventFailed
	}
	d.event(ob, typ, peer.SID, peer.Address, string(reason))

	cs := e.Session
	if cs == nil || cs.Live() > 0 {
		return
	}
	if state == domain.PeerFailed && cs.State != domain.CallConnected {
		cs.SetState(domain.CallFailed)
	} else {
		cs.SetState(domain.CallEnded)
	}
	d.logger.Info().Str("sid", string(cs.SID)).Str("state", cs.State.String()).Str("reason", string(reason)).Msg("call finished")
	e.Drop()
}
