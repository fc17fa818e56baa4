package app

import (
	"context"
	"time"

	"github.com/dkeye/Jingle/internal/app/transport"
	"github.com/dkeye/Jingle/internal/domain"
)

// Path carries the media of one peer, either over a direct ICE agent or
// through a conference relay. It is picked once per peer.
type Path interface {
	// Offer returns the transport to advertise to the peer for media.
	Offer(ctx context.Context, media domain.MediaType) (*domain.Transport, error)
	// Answer is Offer for media the peer offered; remoteMux is whether it
	// asked for rtcp-mux.
	Answer(ctx context.Context, media domain.MediaType, remoteMux bool) (*domain.Transport, error)
	// Apply hands remote candidates over. It must not block.
	Apply(media domain.MediaType, cands []domain.Candidate, ufrag, pwd string) (bool, error)
	Start(ctx context.Context) error
	Await(ctx context.Context, timeout time.Duration) (transport.Outcome, error)
	Remove(media domain.MediaType)
	Close() error
	Relayed() bool
}

// DirectPath runs ICE between the local agent and the peer.
type DirectPath struct {
	ICE *transport.Negotiator
}

func NewDirectPath(ice *transport.Negotiator) *DirectPath { return &DirectPath{ICE: ice} }

func (p *DirectPath) Offer(ctx context.Context, media domain.MediaType) (*domain.Transport, error) {
	return p.ICE.OfferTransport(ctx, media)
}

func (p *DirectPath) Answer(ctx context.Context, media domain.MediaType, remoteMux bool) (*domain.Transport, error) {
	return p.ICE.AnswerTransport(ctx, media, remoteMux)
}

func (p *DirectPath) Apply(media domain.MediaType, cands []domain.Candidate, ufrag, pwd string) (bool, error) {
	return p.ICE.MergeRemoteCandidates(media, cands, ufrag, pwd)
}

func (p *DirectPath) Start(ctx context.Context) error { return p.ICE.StartConnectivityChecks(ctx) }

func (p *DirectPath) Await(ctx context.Context, timeout time.Duration) (transport.Outcome, error) {
	return p.ICE.AwaitCompletion(ctx, timeout)
}

func (p *DirectPath) Remove(media domain.MediaType) { p.ICE.RemoveStream(media) }

func (p *DirectPath) Close() error { return p.ICE.Close() }

func (p *DirectPath) Relayed() bool { return false }
