package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Jingle/internal/app/colibri"
	"github.com/dkeye/Jingle/internal/app/transport"
	"github.com/dkeye/Jingle/internal/domain"
)

// relayedPath carries a conference peer through relay channels. The peer
// runs ICE against its remote channel; the local side runs ICE against the
// shared local channel only for the media types this peer's allocation
// established.
type relayedPath struct {
	d     *Dispatcher
	sid   domain.SessionID
	set   *domain.ConferenceChannelSet
	peer  colibri.Peer
	alloc *colibri.Allocation
	ice   *transport.Negotiator
}

func (d *Dispatcher) newRelayedPath(ctx context.Context, job *establishJob, peer colibri.Peer, alloc *colibri.Allocation) (*relayedPath, error) {
	p := &relayedPath{d: d, sid: job.ref.sid, set: job.set, peer: peer, alloc: alloc}
	if len(alloc.Established) == 0 {
		return p, nil
	}
	ice := d.Transports.New(job.ref.sid)
	if err := ice.CreateAgent(ctx, true); err != nil {
		_ = ice.Close()
		_ = p.Close()
		return nil, err
	}
	p.ice = ice
	p.set.Lock()
	for _, media := range alloc.Established {
		p.set.AttachStream(media, ice)
	}
	p.set.Unlock()
	return p, nil
}

func (p *relayedPath) Offer(_ context.Context, media domain.MediaType) (*domain.Transport, error) {
	_, remote := p.alloc.Channels(media)
	if remote == nil || remote.Transport == nil {
		return nil, fmt.Errorf("no relay channel for %s", media)
	}
	return remote.Transport.Clone(), nil
}

// Answer hands out the peer's relay channel; the relay settles rtcp-mux.
func (p *relayedPath) Answer(ctx context.Context, media domain.MediaType, _ bool) (*domain.Transport, error) {
	return p.Offer(ctx, media)
}

// Apply forwards peer candidates to the peer's relay channel.
func (p *relayedPath) Apply(media domain.MediaType, cands []domain.Candidate, ufrag, pwd string) (bool, error) {
	if len(cands) == 0 && ufrag == "" {
		return false, nil
	}
	t := &domain.Transport{Ufrag: ufrag, Pwd: pwd, Candidates: cands}
	p.d.background("relay-transport", func(ctx context.Context) {
		if err := p.d.Colibri.UpdateTransport(ctx, p.set, p.peer, media, t); err != nil {
			p.d.logger.Warn().Err(err).Str("sid", string(p.sid)).Str("media", string(media)).Msg("forwarding candidates to relay")
		}
	}, nil)
	return true, nil
}

// Start brings up the leg between us and the relay when this peer owns it.
func (p *relayedPath) Start(ctx context.Context) error {
	if p.ice == nil {
		return nil
	}
	for _, media := range p.alloc.Established {
		offer, err := p.ice.OfferTransport(ctx, media)
		if err != nil {
			return err
		}
		if err := p.d.Colibri.UpdateLocalTransport(ctx, p.set, media, offer); err != nil {
			return err
		}
		local, _ := p.alloc.Channels(media)
		if local == nil || local.Transport == nil {
			continue
		}
		if _, err := p.ice.MergeRemoteCandidates(media, local.Transport.Candidates, local.Transport.Ufrag, local.Transport.Pwd); err != nil {
			return err
		}
	}
	return p.ice.StartConnectivityChecks(ctx)
}

func (p *relayedPath) Await(ctx context.Context, timeout time.Duration) (transport.Outcome, error) {
	if p.ice == nil {
		return transport.OutcomeProceeded, nil
	}
	return p.ice.AwaitCompletion(ctx, timeout)
}

func (p *relayedPath) Remove(domain.MediaType) {}

// Close gives the peer's channels back to the relay. The relay leg itself
// belongs to the channel set and goes with the last remote channel.
func (p *relayedPath) Close() error {
	p.d.background("relay-expire", func(ctx context.Context) {
		if err := p.d.Colibri.Expire(ctx, p.set, p.peer.Address); err != nil {
			p.d.logger.Warn().Err(err).Str("sid", string(p.sid)).Msg("expiring relay channels")
		}
	}, nil)
	return nil
}

func (p *relayedPath) Relayed() bool { return true }
