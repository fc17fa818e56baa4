package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Jingle/internal/app"
	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"mellium.im/xmpp/jid"
)

var ErrNoMedia = errors.New("no media to offer")

type initiateOptions struct {
	join     domain.SessionID
	transfer *domain.Transfer
}

type InitiateOption func(*initiateOptions)

// JoinCall adds the new peer to the live call sid instead of starting a
// separate one.
func JoinCall(sid domain.SessionID) InitiateOption {
	return func(o *initiateOptions) { o.join = sid }
}

// WithTransfer carries a transfer directive in the session-initiate.
func WithTransfer(t domain.Transfer) InitiateOption {
	return func(o *initiateOptions) { o.transfer = &t }
}

// Initiate starts a call to to offering media. It resolves the resource to
// call and returns as soon as the session exists; the offer goes out once
// the local transport is ready.
func (d *Dispatcher) Initiate(ctx context.Context, to jid.JID, media []domain.MediaType, opts ...InitiateOption) (domain.SessionID, error) {
	var o initiateOptions
	for _, opt := range opts {
		opt(&o)
	}
	offered := make([]domain.MediaType, 0, len(media))
	for _, m := range media {
		if d.Policy.MediaAllowed(m) {
			offered = append(offered, m)
		}
	}
	if len(offered) == 0 {
		return "", ErrNoMedia
	}

	addr, err := d.pickResource(ctx, to)
	if err != nil {
		return "", err
	}
	sid := domain.NewSessionID()
	if d.PreSignal != nil {
		if agreed, ok := d.PreSignal.SessionFor(addr); ok {
			sid = agreed
		}
	}
	target := sid
	if o.join != "" {
		target = d.Registry.Resolve(o.join)
		d.Registry.Alias(sid, target)
	}

	contents := make([]*domain.Content, 0, len(offered))
	for _, m := range offered {
		contents = append(contents, &domain.Content{
			Creator:     "initiator",
			Name:        string(m),
			Senders:     "both",
			Description: &domain.Description{Media: m, PayloadTypes: domain.DefaultPayloadTypes(m)},
		})
	}

	var job *establishJob
	err = d.withOutbox(func(ob *outbox) error {
		return d.Registry.With(target, func(e *app.CallEntry) error {
			cs := e.Session
			if o.join != "" {
				if cs == nil {
					return fmt.Errorf("join %s: %w", o.join, domain.ErrUnknownSession)
				}
				if cs.Conference == nil && d.colibriOn() {
					cs.Conference = domain.NewConferenceChannelSet()
				}
			} else {
				if cs != nil {
					return fmt.Errorf("session %s already exists", sid)
				}
				cs = domain.NewCallSession(sid, d.local(), true, d.now())
				e.Session = cs
			}
			peer := domain.NewPeerNegotiation(sid, addr, false)
			peer.SharedMedia = o.join != ""
			peer.Relayed = o.join != "" && cs.Conference != nil
			peer.Transfer = o.transfer
			peer.SetState(domain.PeerConnecting)
			cs.SetState(domain.CallConnecting)
			cs.AddPeer(peer)
			e.Runtime[peer.Key()] = app.NewPeerRuntime()
			d.event(ob, core.EventConnecting, sid, addr, "")
			job = d.newJob(cs, peer)
			job.remote = contents
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	d.logger.Info().Str("sid", string(sid)).Str("peer", addr.String()).Interface("media", offered).Msg("initiating call")
	d.background("initiate", func(ctx context.Context) { d.runInitiate(ctx, job, o, target) }, func(err error) { d.failPeer(job.ref, err) })
	return sid, nil
}

// pickResource returns the full address to call: the given one when it has a
// resource, otherwise the highest priority resource supporting Jingle RTP
// over ICE-UDP.
func (d *Dispatcher) pickResource(ctx context.Context, to jid.JID) (jid.JID, error) {
	bare := to.Bare()
	if d.Presence != nil && !d.Presence.InRoster(bare) {
		return jid.JID{}, fmt.Errorf("%s: %w", bare, domain.ErrNotInRoster)
	}
	candidates := []jid.JID{to}
	if to.Resourcepart() == "" {
		candidates = candidates[:0]
		if d.Presence != nil {
			for _, r := range d.Presence.Resources(bare) {
				candidates = append(candidates, r.Address)
			}
		}
	}
	for _, c := range candidates {
		if d.Disco == nil {
			return c, nil
		}
		ok, err := d.Disco.Supports(ctx, c, domain.NSJingle, domain.NSJingleRTP, domain.NSICEUDP)
		if err != nil {
			d.logger.Debug().Err(err).Str("resource", c.String()).Msg("feature query failed")
			continue
		}
		if ok {
			return c, nil
		}
	}
	return jid.JID{}, fmt.Errorf("%s: %w", to, domain.ErrNoJingleSupport)
}

func (d *Dispatcher) runInitiate(ctx context.Context, job *establishJob, o initiateOptions, call domain.SessionID) {
	path, err := d.preparePath(ctx, job, mediaRequests(job.remote))
	if err != nil {
		d.failPeer(job.ref, err)
		return
	}
	dtls := !path.Relayed() && d.Dtls != nil && d.Dtls.Enabled(ctx, job.ref.addr)
	local := make([]*domain.Content, 0, len(job.remote))
	for _, c := range job.remote {
		t, err := path.Offer(ctx, c.Media())
		if err != nil {
			_ = path.Close()
			d.failPeer(job.ref, err)
			return
		}
		if dtls {
			if err := d.Dtls.Offer(t); err != nil {
				d.logger.Warn().Err(err).Str("sid", string(job.ref.sid)).Msg("local fingerprint")
			}
		}
		lc := c.Clone()
		lc.Transport = t
		local = append(local, lc)
	}
	initiate := &domain.Jingle{
		Action:    domain.ActionSessionInitiate,
		SID:       job.ref.sid,
		Initiator: d.local().String(),
		Contents:  local,
		Transfer:  o.transfer,
	}
	if o.join != "" {
		initiate.CallID = &domain.CallID{Value: string(call)}
	}
	d.deliver(ctx, job, path, local, initiate)
}
