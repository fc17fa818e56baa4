package colibri

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

type Options struct {
	Enabled bool
	// Bridge is the relay address. When empty it is discovered among the
	// items of the account domain.
	Bridge string
}

// Fingerprinter attaches DTLS fingerprints to relay channels.
type Fingerprinter interface {
	RelayLocal(t *domain.Transport, peerInitiator bool) error
	RelayRemote(channel, remote *domain.Transport)
}

// Conferences finds the channel set owning a relay conference id.
type Conferences interface {
	FindConference(id string) (*domain.ConferenceChannelSet, bool)
}

type Peer struct {
	Address   jid.JID
	Initiator bool
}

func (p Peer) key() string { return p.Address.String() }

// MediaRequest asks for the channels of one media type. Remote is the
// transport the peer offered, its fingerprints are forwarded to the relay.
type MediaRequest struct {
	Media        domain.MediaType
	PayloadTypes []domain.PayloadType
	Sources      []domain.Source
	Remote       *domain.Transport
}

// Allocation is the part of the relay response that concerns one peer: per
// media type the shared local channel and the peer's remote channel.
type Allocation struct {
	Conference *domain.Conference
	// Established lists the media types whose relay leg this allocation
	// created; only the allocating peer drives ICE for them.
	Established []domain.MediaType
}

// Channels returns the local and remote channel of media.
func (a *Allocation) Channels(media domain.MediaType) (local, remote *domain.Channel) {
	c := a.Conference.Content(string(media))
	if c == nil || len(c.Channels) < 2 {
		return nil, nil
	}
	return c.Channels[0], c.Channels[1]
}

// Allocator runs the colibri channel protocol against the conference relay.
type Allocator struct {
	stanzas     core.StanzaChannel
	disco       core.Discoverer
	dtls        Fingerprinter
	conferences Conferences
	opts        Options

	mu    sync.Mutex
	relay jid.JID

	logger zerolog.Logger
}

func NewAllocator(stanzas core.StanzaChannel, disco core.Discoverer, dtls Fingerprinter, opts Options) *Allocator {
	return &Allocator{
		stanzas: stanzas,
		disco:   disco,
		dtls:    dtls,
		opts:    opts,
		logger:  log.With().Str("module", "colibri").Logger(),
	}
}

// SetConferences wires the lookup used for relay-pushed updates.
func (a *Allocator) SetConferences(c Conferences) { a.conferences = c }

func (a *Allocator) Enabled() bool { return a.opts.Enabled }

// Relay resolves the relay address once.
func (a *Allocator) Relay(ctx context.Context) (jid.JID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.relay.Equal(jid.JID{}) {
		return a.relay, true
	}
	if a.opts.Bridge != "" {
		j, err := jid.Parse(a.opts.Bridge)
		if err != nil {
			a.logger.Error().Err(err).Str("bridge", a.opts.Bridge).Msg("invalid relay address")
			return jid.JID{}, false
		}
		a.relay = j
		return j, true
	}
	if a.disco == nil {
		return jid.JID{}, false
	}
	server := a.stanzas.LocalAddress().Domain()
	items, err := a.disco.Items(ctx, server)
	if err != nil {
		a.logger.Warn().Err(err).Str("server", server.String()).Msg("relay discovery failed")
		return jid.JID{}, false
	}
	for _, it := range items {
		j, err := jid.Parse(it.JID)
		if err != nil {
			continue
		}
		ok, err := a.disco.Supports(ctx, j, domain.NSColibri)
		if err == nil && ok {
			a.relay = j
			a.logger.Info().Str("relay", j.String()).Msg("relay discovered")
			return j, true
		}
	}
	return jid.JID{}, false
}

// Allocate requests channels for peer from the relay in a single IQ.
// Allocations on one set are serialized, but the set itself is only locked
// while the request is built and while the response is merged. Any relay
// error returns nil, nil so that the caller falls back to a direct
// connection; a conference id that does not match the set is fatal.
func (a *Allocator) Allocate(ctx context.Context, set *domain.ConferenceChannelSet, peer Peer, reqs []MediaRequest) (*Allocation, error) {
	logger := a.logger.With().Str("peer", peer.key()).Logger()
	relay, ok := a.Relay(ctx)
	if !ok {
		logger.Warn().Msg("no relay available")
		return nil, nil
	}
	local := a.stanzas.LocalAddress()

	set.BeginAllocation()
	defer set.EndAllocation()

	set.Lock()
	if set.Relay.Equal(jid.JID{}) {
		set.Relay = relay
	}
	req := &domain.Conference{ID: set.ID}
	wantLocal := make(map[domain.MediaType]bool)
	for _, r := range reqs {
		content := req.GetOrCreateContent(string(r.Media))
		if !set.HasLocal(r.Media) {
			wantLocal[r.Media] = true
			lt := &domain.Transport{}
			if a.dtls != nil {
				if err := a.dtls.RelayLocal(lt, peer.Initiator); err != nil {
					logger.Warn().Err(err).Msg("local relay fingerprint")
				}
			}
			content.Channels = append(content.Channels, &domain.Channel{
				Endpoint:     local.String(),
				Initiator:    boolPtr(peer.Initiator),
				PayloadTypes: r.PayloadTypes,
				Transport:    lt,
			})
		}
		rt := &domain.Transport{}
		if a.dtls != nil {
			a.dtls.RelayRemote(rt, r.Remote)
		}
		content.Channels = append(content.Channels, &domain.Channel{
			Endpoint:     peer.key(),
			Initiator:    boolPtr(!peer.Initiator),
			PayloadTypes: r.PayloadTypes,
			Sources:      r.Sources,
			Transport:    rt,
		})
	}
	set.Unlock()

	iq := domain.NewIQ(stanza.GetIQ, relay.String())
	iq.Conference = req
	resp, err := a.stanzas.Request(ctx, iq)
	if err != nil {
		logger.Warn().Err(err).Msg("channel allocation failed")
		return nil, nil
	}
	if resp.Type == stanza.ErrorIQ || resp.Conference == nil {
		logger.Warn().Msg("relay rejected channel allocation")
		return nil, nil
	}
	conf := resp.Conference

	set.Lock()
	defer set.Unlock()
	if set.ID == "" {
		set.ID = conf.ID
	} else if conf.ID != set.ID {
		return nil, fmt.Errorf("%w: have %s, relay answered %s", domain.ErrConferenceMismatch, set.ID, conf.ID)
	}

	out := &Allocation{Conference: &domain.Conference{ID: set.ID}}
	for _, r := range reqs {
		rc := set.Content(r.Media)
		localCh, remoteCh := splitChannels(conf.Content(string(r.Media)), local.String(), wantLocal[r.Media])
		if remoteCh == nil {
			logger.Warn().Str("media", string(r.Media)).Msg("relay returned no channel for peer")
			continue
		}
		if wantLocal[r.Media] && localCh != nil {
			rc.Local = fromWire(localCh, local.String())
		}
		if rc.Local == nil {
			logger.Warn().Str("media", string(r.Media)).Msg("relay returned no local channel")
			continue
		}
		if !rc.EstablishingWithRelay && wantLocal[r.Media] {
			rc.EstablishingWithRelay = true
			out.Established = append(out.Established, r.Media)
		}
		rc.Remote[peer.key()] = fromWire(remoteCh, peer.key())

		content := out.Conference.GetOrCreateContent(string(r.Media))
		content.Channels = append(content.Channels, toWire(rc.Local), toWire(rc.Remote[peer.key()]))
	}
	if len(out.Conference.Contents) == 0 {
		return nil, nil
	}
	logger.Info().Str("conference", set.ID).Int("contents", len(out.Conference.Contents)).Msg("relay channels allocated")
	return out, nil
}

// splitChannels tells the shared local channel from the peer's. The local
// channel is recognised by its endpoint or, when the relay omits endpoints,
// by request order.
func splitChannels(c *domain.ColibriContent, localEndpoint string, wantLocal bool) (local, remote *domain.Channel) {
	if c == nil {
		return nil, nil
	}
	var rest []*domain.Channel
	for _, ch := range c.Channels {
		if wantLocal && local == nil && ch.Endpoint == localEndpoint {
			local = ch
			continue
		}
		rest = append(rest, ch)
	}
	if wantLocal && local == nil && len(rest) > 0 {
		local, rest = rest[0], rest[1:]
	}
	if len(rest) > 0 {
		remote = rest[0]
	}
	return local, remote
}

// Expire tears down the channels of peer. The local channel of a media type
// goes in the same request when the peer held its last remote channel.
// Bookkeeping is dropped before the request is sent.
func (a *Allocator) Expire(ctx context.Context, set *domain.ConferenceChannelSet, peer jid.JID) error {
	key := peer.String()

	set.Lock()
	relay := set.Relay
	req := &domain.Conference{ID: set.ID}
	for _, media := range set.Media() {
		rc, _ := set.Lookup(media)
		ch, ok := rc.Remote[key]
		if !ok {
			continue
		}
		content := req.GetOrCreateContent(string(media))
		content.Channels = append(content.Channels, expiring(ch.ID))
		delete(rc.Remote, key)
		if len(rc.Remote) == 0 && rc.Local != nil {
			localCh := rc.ReleaseLocal()
			content.Channels = append(content.Channels, expiring(localCh.ID))
		}
	}
	set.Unlock()

	if len(req.Contents) == 0 || req.ID == "" {
		return nil
	}
	iq := domain.NewIQ(stanza.SetIQ, relay.String())
	iq.Conference = req
	if err := a.stanzas.Send(ctx, iq); err != nil {
		return fmt.Errorf("expire relay channels: %w", err)
	}
	a.logger.Info().Str("peer", key).Str("conference", req.ID).Int("contents", len(req.Contents)).Msg("relay channels expired")
	return nil
}

// SetDirection changes the direction of the peer's channel for media after
// a content-modify. senders is the jingle senders value.
func (a *Allocator) SetDirection(ctx context.Context, set *domain.ConferenceChannelSet, peer Peer, media domain.MediaType, senders string) error {
	return a.update(ctx, set, peer, media, func(ch *domain.Channel, rch *domain.RelayChannel) {
		dir := Direction(senders, peer.Initiator)
		rch.Direction = dir
		ch.Direction = dir
	})
}

// UpdateTransport forwards peer candidates trickled after allocation to the
// peer's channel.
func (a *Allocator) UpdateTransport(ctx context.Context, set *domain.ConferenceChannelSet, peer Peer, media domain.MediaType, t *domain.Transport) error {
	return a.update(ctx, set, peer, media, func(ch *domain.Channel, rch *domain.RelayChannel) {
		ch.Transport = t.Clone()
	})
}

// UpdateLocalTransport sends our side of the relay leg of media to the
// shared local channel.
func (a *Allocator) UpdateLocalTransport(ctx context.Context, set *domain.ConferenceChannelSet, media domain.MediaType, t *domain.Transport) error {
	set.Lock()
	rc, ok := set.Lookup(media)
	if !ok || rc.Local == nil {
		set.Unlock()
		return fmt.Errorf("no local %s relay channel: %w", media, domain.ErrUnknownSession)
	}
	req := &domain.Conference{ID: set.ID}
	req.GetOrCreateContent(string(media)).Channels = []*domain.Channel{{ID: rc.Local.ID, Transport: t.Clone()}}
	relay := set.Relay
	set.Unlock()

	iq := domain.NewIQ(stanza.SetIQ, relay.String())
	iq.Conference = req
	return a.stanzas.Send(ctx, iq)
}

func (a *Allocator) update(ctx context.Context, set *domain.ConferenceChannelSet, peer Peer, media domain.MediaType, mutate func(*domain.Channel, *domain.RelayChannel)) error {
	set.Lock()
	rc, ok := set.Lookup(media)
	var rch *domain.RelayChannel
	if ok {
		rch = rc.Remote[peer.key()]
	}
	if rch == nil {
		set.Unlock()
		return fmt.Errorf("no %s relay channel for %s: %w", media, peer.key(), domain.ErrUnknownSession)
	}
	ch := &domain.Channel{ID: rch.ID}
	mutate(ch, rch)
	req := &domain.Conference{ID: set.ID}
	req.GetOrCreateContent(string(media)).Channels = []*domain.Channel{ch}
	relay := set.Relay
	set.Unlock()

	iq := domain.NewIQ(stanza.SetIQ, relay.String())
	iq.Conference = req
	return a.stanzas.Send(ctx, iq)
}

// HandleConference applies a relay-pushed conference update to the set that
// owns it. The shared local channels are not the concern of any peer and are
// skipped.
func (a *Allocator) HandleConference(_ context.Context, from jid.JID, c *domain.Conference) error {
	if a.conferences == nil {
		return domain.ErrUnknownSession
	}
	set, ok := a.conferences.FindConference(c.ID)
	if !ok {
		return fmt.Errorf("conference %s: %w", c.ID, domain.ErrUnknownSession)
	}
	set.Lock()
	defer set.Unlock()
	if !set.Relay.Equal(jid.JID{}) && !set.Relay.Bare().Equal(from.Bare()) {
		return fmt.Errorf("conference %s pushed by %s: %w", c.ID, from, domain.ErrConferenceMismatch)
	}

	updated := 0
	for _, content := range c.Contents {
		rc, ok := set.Lookup(domain.MediaType(content.Name))
		if !ok {
			continue
		}
		for _, ch := range content.Channels {
			if rc.Local != nil && ch.ID == rc.Local.ID {
				continue
			}
			for _, rch := range rc.Remote {
				if rch.ID != ch.ID {
					continue
				}
				if ch.Direction != "" {
					rch.Direction = ch.Direction
				}
				if ch.Transport != nil {
					rch.Transport = domain.MergeTransport(rch.Transport, ch.Transport)
				}
				updated++
			}
		}
	}
	a.logger.Debug().Str("conference", c.ID).Int("channels", updated).Msg("relay update applied")
	return nil
}

// Direction maps jingle senders onto the relay channel direction of a peer.
func Direction(senders string, peerInitiator bool) string {
	switch senders {
	case "none":
		return "inactive"
	case "initiator":
		if peerInitiator {
			return "recvonly"
		}
		return "sendonly"
	case "responder":
		if peerInitiator {
			return "sendonly"
		}
		return "recvonly"
	}
	return "sendrecv"
}

func expiring(id string) *domain.Channel {
	zero := 0
	return &domain.Channel{ID: id, Expire: &zero}
}

func boolPtr(b bool) *bool { return &b }

func fromWire(ch *domain.Channel, endpoint string) *domain.RelayChannel {
	out := &domain.RelayChannel{
		ID:        ch.ID,
		Endpoint:  endpoint,
		Direction: ch.Direction,
		Transport: ch.Transport.Clone(),
	}
	if ch.Initiator != nil {
		out.Initiator = *ch.Initiator
	}
	return out
}

func toWire(rc *domain.RelayChannel) *domain.Channel {
	return &domain.Channel{
		ID:        rc.ID,
		Endpoint:  rc.Endpoint,
		Initiator: boolPtr(rc.Initiator),
		Direction: rc.Direction,
		Transport: rc.Transport.Clone(),
	}
}
