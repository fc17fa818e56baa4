package dispatch

import (
	"errors"
	"fmt"

	"github.com/dkeye/Jingle/internal/app"
	"github.com/dkeye/Jingle/internal/app/transport"
	"github.com/dkeye/Jingle/internal/domain"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// onTransportInfo buffers candidates for sessions not seen yet, queues them
// until the transport is applied, and applies them live afterwards.
func (d *Dispatcher) onTransportInfo(from jid.JID, j *domain.Jingle, ob *outbox) error {
	_, err := d.locked(j.SID, true, func(e *app.CallEntry) error {
		if e.Session == nil {
			e.Pending.Add(j.Contents, d.now())
			d.logger.Debug().Str("sid", string(j.SID)).Int("buffered", e.Pending.Len()).Msg("buffered candidates for unknown session")
			return nil
		}
		peer := peerOf(e.Session, j.SID, from)
		if peer == nil {
			return unknownSession(j.SID)
		}
		if peer.State.Finished() {
			return nil
		}
		known := knownContents(peer, j.Contents)

		if !peer.TransportApplied {
			peer.MergeRemote(known)
			if peer.DeferredAccept != nil {
				if peer.TransportReady() {
					d.processAccept(e, ob, peer, false)
				}
				return nil
			}
			d.maybeStart(e, ob, peer, false)
			return nil
		}

		rt := e.Runtime[peer.Key()]
		if rt == nil || rt.Path == nil {
			return nil
		}
		for _, c := range known {
			ts := peer.Transports[c.Name]
			ts.AddRemote(c.Transport)
			cands := ts.TakePendingRemote()
			if len(cands) == 0 {
				continue
			}
			if _, err := rt.Path.Apply(ts.Media, cands, ts.RemoteUfrag, ts.RemotePwd); err != nil {
				d.logger.Warn().Err(err).Str("sid", string(j.SID)).Str("content", c.Name).Msg("apply trickled candidates")
			}
		}
		return nil
	})
	return err
}

// knownContents keeps the contents with a transport the peer negotiates.
func knownContents(peer *domain.PeerNegotiation, contents []*domain.Content) []*domain.Content {
	out := make([]*domain.Content, 0, len(contents))
	for _, c := range contents {
		if c == nil || c.Transport == nil {
			continue
		}
		if _, ok := peer.Transports[c.Name]; !ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (d *Dispatcher) onSessionAccept(from jid.JID, j *domain.Jingle, ob *outbox) error {
	found, err := d.locked(j.SID, false, func(e *app.CallEntry) error {
		peer := peerOf(e.Session, j.SID, from)
		if peer == nil {
			return unknownSession(j.SID)
		}
		if peer.Initiator || peer.AcceptProcessed || peer.DeferredAccept != nil || peer.State.Finished() {
			return domain.NewActionError(stanza.UnexpectedRequest, fmt.Errorf("session-accept in state %s", peer.State))
		}
		if !peer.LocalSent && len(peer.Local) == 0 {
			return domain.NewActionError(stanza.UnexpectedRequest, errors.New("session-accept before session-initiate"))
		}

		rt := e.Runtime[peer.Key()]
		for _, lc := range append([]*domain.Content(nil), peer.Local...) {
			if j.Content(lc.Name) != nil {
				continue
			}
			if rt != nil && rt.Path != nil {
				rt.Path.Remove(lc.Media())
			}
			peer.RemoveContent(lc.Name)
		}
		if len(peer.Local) == 0 {
			ob.send(d.terminateIQ(peer, domain.ReasonFailedApplication, "no content accepted"))
			d.endPeer(e, ob, peer, domain.PeerFailed, domain.ReasonFailedApplication, "no content accepted")
			return nil
		}

		remote := make([]*domain.Content, 0, len(j.Contents))
		for _, c := range j.Contents {
			if peer.LocalContent(c.Name) != nil {
				remote = append(remote, c.Clone())
			}
		}
		peer.Remote = remote
		peer.MergeRemote(remote)
		peer.SetState(domain.PeerConnecting)

		if awaiting := peer.Awaiting(); len(awaiting) > 0 {
			d.logger.Debug().Str("sid", string(j.SID)).Strs("awaiting", awaiting).Msg("deferring session-accept")
			peer.DeferredAccept = j
			d.deferStart(e, peer)
			return nil
		}
		d.processAccept(e, ob, peer, false)
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return unknownSession(j.SID)
	}
	return nil
}

// processAccept completes a session-accept once its transports are known or
// the window ran out.
func (d *Dispatcher) processAccept(e *app.CallEntry, ob *outbox, peer *domain.PeerNegotiation, force bool) {
	peer.DeferredAccept = nil
	peer.AcceptProcessed = true
	if d.Dtls != nil && d.Dtls.Required() && !peer.Relayed && !transport.HasFingerprint(peer.Remote) {
		ob.send(d.terminateIQ(peer, domain.ReasonSecurityError, domain.ErrSecurityRequired.Error()))
		d.endPeer(e, ob, peer, domain.PeerFailed, domain.ReasonSecurityError, domain.ErrSecurityRequired.Error())
		return
	}
	d.maybeStart(e, ob, peer, force)
}
