package dispatch

import (
	"context"
	"fmt"

	"github.com/dkeye/Jingle/internal/app"
	"github.com/dkeye/Jingle/internal/app/colibri"
	"github.com/dkeye/Jingle/internal/domain"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// established returns the peer and its path when the session is far enough
// along to renegotiate contents.
func established(e *app.CallEntry, sid domain.SessionID, from jid.JID) (*domain.PeerNegotiation, *app.PeerRuntime, error) {
	peer := peerOf(e.Session, sid, from)
	if peer == nil {
		return nil, nil, unknownSession(sid)
	}
	rt := e.Runtime[peer.Key()]
	if peer.State.Finished() || rt == nil || rt.Path == nil || !peer.LocalSent {
		return nil, nil, domain.NewActionError(stanza.UnexpectedRequest, fmt.Errorf("session %s not established", sid))
	}
	return peer, rt, nil
}

// onContentAdd answers contents the peer adds mid-call: supported ones get
// a content-accept with a local transport, the rest a content-reject.
func (d *Dispatcher) onContentAdd(from jid.JID, j *domain.Jingle, ob *outbox) error {
	var job *establishJob
	var path app.Path
	found, err := d.locked(j.SID, false, func(e *app.CallEntry) error {
		peer, rt, err := established(e, j.SID, from)
		if err != nil {
			return err
		}
		var added, rejected []*domain.Content
		for _, c := range j.Contents {
			if c.Name == "" || peer.RemoteContent(c.Name) != nil || peer.LocalContent(c.Name) != nil {
				continue
			}
			if c.Transport == nil || !d.Policy.MediaAllowed(c.Media()) {
				rejected = append(rejected, &domain.Content{Creator: c.Creator, Name: c.Name})
				continue
			}
			rc := c.Clone()
			added = append(added, rc)
			peer.Remote = append(peer.Remote, rc)
			peer.Transport(rc.Name, rc.Media()).AddRemote(rc.Transport)
		}
		if len(rejected) > 0 {
			ob.send(d.jingleIQ(peer.Address, &domain.Jingle{Action: domain.ActionContentReject, SID: peer.SID, Contents: rejected}))
		}
		if len(added) > 0 {
			job = &establishJob{ref: refOf(peer), initiator: peer.Initiator, remote: added}
			path = rt.Path
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return unknownSession(j.SID)
	}
	if job != nil {
		ob.then(func() {
			d.background("content-add", func(ctx context.Context) { d.acceptContents(ctx, job, path) }, func(err error) { d.failPeer(job.ref, err) })
		})
	}
	return nil
}

func (d *Dispatcher) acceptContents(ctx context.Context, job *establishJob, path app.Path) {
	dtls := !path.Relayed() && d.Dtls != nil && d.Dtls.Enabled(ctx, job.ref.addr)
	local := make([]*domain.Content, 0, len(job.remote))
	for _, rc := range job.remote {
		t, err := path.Answer(ctx, rc.Media(), rc.RTCPMux())
		if err != nil {
			d.logger.Warn().Err(err).Str("sid", string(job.ref.sid)).Str("content", rc.Name).Msg("cannot carry added content")
			continue
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
	if len(local) == 0 {
		return
	}
	d.installContents(job.ref, local)
	accept := &domain.Jingle{Action: domain.ActionContentAccept, SID: job.ref.sid, Contents: local}
	if err := d.request(ctx, job.ref.addr, accept); err != nil {
		d.logger.Warn().Err(err).Str("sid", string(job.ref.sid)).Msg("content-accept")
		return
	}
	d.applyAndRestart(job.ref)
}

// installContents records local contents negotiated after session setup.
func (d *Dispatcher) installContents(ref peerRef, local []*domain.Content) {
	_, _ = d.locked(ref.sid, false, func(e *app.CallEntry) error {
		peer := ref.find(e)
		if peer == nil {
			return nil
		}
		for _, c := range local {
			if peer.LocalContent(c.Name) == nil {
				peer.Local = append(peer.Local, c)
			}
			ts := peer.Transport(c.Name, c.Media())
			if c.Transport != nil {
				ts.LocalUfrag, ts.LocalPwd = c.Transport.Ufrag, c.Transport.Pwd
				ts.AddLocal(c.Transport.Candidates)
			}
		}
		return nil
	})
}

// applyAndRestart hands queued candidates of new contents to the path and
// starts checks on their streams.
func (d *Dispatcher) applyAndRestart(ref peerRef) {
	var path app.Path
	_, _ = d.locked(ref.sid, false, func(e *app.CallEntry) error {
		peer := ref.find(e)
		if peer == nil || peer.State.Finished() {
			return nil
		}
		rt := e.Runtime[peer.Key()]
		if rt == nil || rt.Path == nil {
			return nil
		}
		for _, ts := range peer.Transports {
			if ts.Started && len(ts.PendingRemote()) == 0 {
				continue
			}
			if _, err := rt.Path.Apply(ts.Media, ts.TakePendingRemote(), ts.RemoteUfrag, ts.RemotePwd); err != nil {
				d.logger.Warn().Err(err).Str("sid", string(ref.sid)).Str("content", ts.Name).Msg("apply candidates")
			}
			ts.Started = true
		}
		if peer.TransportApplied {
			path = rt.Path
		}
		return nil
	})
	if path == nil {
		return
	}
	d.background("restart", func(ctx context.Context) {
		if err := path.Start(ctx); err != nil {
			d.logger.Warn().Err(err).Str("sid", string(ref.sid)).Msg("start checks for new contents")
		}
	}, nil)
}

// AddContent offers a new media type on a live call.
func (d *Dispatcher) AddContent(ctx context.Context, sid domain.SessionID, media domain.MediaType) error {
	if !d.Policy.MediaAllowed(media) {
		return ErrNoMedia
	}
	var ref peerRef
	var path app.Path
	creator := "initiator"
	found, err := d.locked(sid, false, func(e *app.CallEntry) error {
		if e.Session == nil {
			return domain.ErrUnknownSession
		}
		peer := e.Session.PeerBySID(sid)
		if peer == nil {
			return domain.ErrUnknownSession
		}
		rt := e.Runtime[peer.Key()]
		if peer.State.Finished() || rt == nil || rt.Path == nil {
			return fmt.Errorf("%w: call %s not established", domain.ErrWrongState, sid)
		}
		if peer.LocalContent(string(media)) != nil {
			return fmt.Errorf("%w: call %s already carries %s", domain.ErrWrongState, sid, media)
		}
		ref, path = refOf(peer), rt.Path
		if peer.Initiator {
			creator = "responder"
		}
		return nil
	})
	if !found {
		return domain.ErrUnknownSession
	}
	if err != nil {
		return err
	}

	t, err := path.Offer(ctx, media)
	if err != nil {
		return err
	}
	if !path.Relayed() && d.Dtls != nil && d.Dtls.Enabled(ctx, ref.addr) {
		if err := d.Dtls.Offer(t); err != nil {
			return err
		}
	}
	c := &domain.Content{
		Creator:     creator,
		Name:        string(media),
		Senders:     "both",
		Description: &domain.Description{Media: media, PayloadTypes: domain.DefaultPayloadTypes(media)},
		Transport:   t,
	}
	d.installContents(ref, []*domain.Content{c})
	return d.request(ctx, ref.addr, &domain.Jingle{Action: domain.ActionContentAdd, SID: sid, Contents: []*domain.Content{c}})
}

// onContentAccept completes a content-add of ours.
func (d *Dispatcher) onContentAccept(from jid.JID, j *domain.Jingle, ob *outbox) error {
	var ref peerRef
	accepted := false
	found, err := d.locked(j.SID, false, func(e *app.CallEntry) error {
		peer, _, err := established(e, j.SID, from)
		if err != nil {
			return err
		}
		for _, c := range j.Contents {
			if peer.LocalContent(c.Name) == nil {
				continue
			}
			rc := c.Clone()
			if peer.RemoteContent(c.Name) == nil {
				peer.Remote = append(peer.Remote, rc)
			}
			peer.Transport(c.Name, rc.Media()).AddRemote(rc.Transport)
			accepted = true
		}
		ref = refOf(peer)
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return unknownSession(j.SID)
	}
	if accepted {
		ob.then(func() { d.applyAndRestart(ref) })
	}
	return nil
}

func (d *Dispatcher) onContentModify(from jid.JID, j *domain.Jingle, ob *outbox) error {
	found, err := d.locked(j.SID, false, func(e *app.CallEntry) error {
		peer, _, err := established(e, j.SID, from)
		if err != nil {
			return err
		}
		set := e.Session.Conference
		for _, c := range j.Contents {
			changed := false
			for _, own := range []*domain.Content{peer.LocalContent(c.Name), peer.RemoteContent(c.Name)} {
				if own != nil {
					own.Senders = c.Senders
					changed = true
				}
			}
			if !changed {
				return domain.NewActionError(stanza.ItemNotFound, fmt.Errorf("no content %q", c.Name))
			}
			if peer.Relayed && set != nil && d.Colibri != nil {
				media, senders := c.Media(), c.Senders
				if own := peer.RemoteContent(c.Name); own != nil {
					media = own.Media()
				}
				cp := colibri.Peer{Address: peer.Address, Initiator: peer.Initiator}
				ob.then(func() {
					d.background("relay-direction", func(ctx context.Context) {
						if err := d.Colibri.SetDirection(ctx, set, cp, media, senders); err != nil {
							d.logger.Warn().Err(err).Str("sid", string(j.SID)).Msg("relay direction")
						}
					}, nil)
				})
			}
		}
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

// onContentRemove drops contents; a peer left without any ends the call.
func (d *Dispatcher) onContentRemove(from jid.JID, j *domain.Jingle, ob *outbox) error {
	found, err := d.locked(j.SID, false, func(e *app.CallEntry) error {
		peer := peerOf(e.Session, j.SID, from)
		if peer == nil {
			return unknownSession(j.SID)
		}
		if peer.State.Finished() {
			return nil
		}
		rt := e.Runtime[peer.Key()]
		remaining := len(peer.Transports)
		for _, c := range j.Contents {
			own := peer.LocalContent(c.Name)
			if own == nil {
				own = peer.RemoteContent(c.Name)
			}
			if own == nil {
				continue
			}
			if rt != nil && rt.Path != nil {
				rt.Path.Remove(own.Media())
			}
			remaining = peer.RemoveContent(c.Name)
		}
		if remaining == 0 {
			ob.send(d.terminateIQ(peer, domain.ReasonSuccess, "no content left"))
			d.endPeer(e, ob, peer, domain.PeerDisconnected, domain.ReasonSuccess, "no content left")
		}
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

// onSource updates the announced sources of remote contents.
func (d *Dispatcher) onSource(from jid.JID, j *domain.Jingle, _ *outbox) error {
	found, err := d.locked(j.SID, false, func(e *app.CallEntry) error {
		peer := peerOf(e.Session, j.SID, from)
		if peer == nil {
			return unknownSession(j.SID)
		}
		for _, c := range j.Contents {
			own := peer.RemoteContent(c.Name)
			if own == nil || c.Description == nil {
				continue
			}
			if own.Description == nil {
				own.Description = &domain.Description{Media: own.Media()}
			}
			if j.Action == domain.ActionSourceAdd {
				own.Description.Sources = addSources(own.Description.Sources, c.Description.Sources)
			} else {
				own.Description.Sources = removeSources(own.Description.Sources, c.Description.Sources)
			}
		}
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

func addSources(have, add []domain.Source) []domain.Source {
	for _, s := range add {
		if indexSource(have, s.SSRC) < 0 {
			have = append(have, s)
		}
	}
	return have
}

func removeSources(have, drop []domain.Source) []domain.Source {
	for _, s := range drop {
		if i := indexSource(have, s.SSRC); i >= 0 {
			have = append(have[:i], have[i+1:]...)
		}
	}
	return have
}

func indexSource(list []domain.Source, ssrc string) int {
	for i, s := range list {
		if s.SSRC == ssrc {
			return i
		}
	}
	return -1
}
