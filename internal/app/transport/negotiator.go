package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoAgent = errors.New("ice agent not created")
	ErrClosed  = errors.New("ice negotiator closed")
)

// Options are the per-account ICE settings shared by every negotiator.
type Options struct {
	RTCPMux       bool
	GatherTimeout time.Duration
	OnTimeout     TimeoutAction
}

// Factory builds one Negotiator per call peer.
type Factory struct {
	Agents  core.IceAgentFactory
	Harvest *HarvestCoordinator
	Ports   *PortTracker
	Options Options
}

func (f *Factory) New(sid domain.SessionID) *Negotiator {
	return &Negotiator{
		sid:     sid,
		agents:  f.Agents,
		harvest: f.Harvest,
		ports:   f.Ports,
		opts:    f.Options,
		streams: make(map[domain.MediaType]core.IceStream),
		mux:     make(map[domain.MediaType]bool),
		started: make(map[domain.MediaType]bool),
		logger: log.With().
			Str("module", "transport.ice").
			Str("sid", string(sid)).
			Logger(),
	}
}

// Negotiator owns the ICE agent of one call peer and translates between the
// jingle candidate form and the agent.
type Negotiator struct {
	mu      sync.Mutex
	sid     domain.SessionID
	agents  core.IceAgentFactory
	harvest *HarvestCoordinator
	ports   *PortTracker
	opts    Options

	agent       core.IceAgent
	controlling bool
	streams     map[domain.MediaType]core.IceStream
	mux         map[domain.MediaType]bool
	started     map[domain.MediaType]bool
	running     bool
	closed      bool

	logger zerolog.Logger
}

// CreateAgent configures the harvesters from account policy and creates the
// agent. The local side is controlling when the peer is not the initiator.
func (n *Negotiator) CreateAgent(ctx context.Context, controlling bool) error {
	cfg := core.IceAgentConfig{Controlling: controlling, GatherTimeout: n.opts.GatherTimeout}
	if n.harvest != nil {
		cfg = n.harvest.AgentConfig(ctx, controlling)
		if cfg.GatherTimeout == 0 {
			cfg.GatherTimeout = n.opts.GatherTimeout
		}
	}
	agent, err := n.agents.NewAgent(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create ice agent: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		_ = agent.Close()
		return ErrClosed
	}
	if n.agent != nil {
		_ = n.agent.Close()
	}
	n.agent = agent
	n.controlling = controlling
	n.logger.Info().Bool("controlling", controlling).Int("servers", len(cfg.Servers)).Msg("ice agent created")
	return nil
}

func (n *Negotiator) Controlling() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.controlling
}

// OfferTransport returns the local transport of media, allocating its stream
// on first use with the account rtcp-mux setting.
func (n *Negotiator) OfferTransport(ctx context.Context, media domain.MediaType) (*domain.Transport, error) {
	return n.transport(ctx, media, n.opts.RTCPMux)
}

// AnswerTransport is OfferTransport for a stream the peer offered first: the
// stream multiplexes RTCP only when the peer asked for it.
func (n *Negotiator) AnswerTransport(ctx context.Context, media domain.MediaType, remoteMux bool) (*domain.Transport, error) {
	return n.transport(ctx, media, remoteMux)
}

// transport renders the local side of media. An existing stream keeps the
// mode it was allocated with.
func (n *Negotiator) transport(ctx context.Context, media domain.MediaType, mux bool) (*domain.Transport, error) {
	n.mu.Lock()
	agent, closed := n.agent, n.closed
	stream, ok := n.streams[media]
	if ok {
		mux = n.mux[media]
	}
	n.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if agent == nil {
		return nil, ErrNoAgent
	}

	if !ok {
		var err error
		stream, err = n.allocate(ctx, agent, media, mux)
		if err != nil {
			return nil, err
		}
		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			return nil, ErrClosed
		}
		if existing, dup := n.streams[media]; dup {
			agent.RemoveStream(stream.Name())
			stream, mux = existing, n.mux[media]
		} else {
			n.streams[media] = stream
			n.mux[media] = mux
		}
		n.mu.Unlock()
	}

	ufrag, pwd := agent.LocalCredentials()
	t := &domain.Transport{Ufrag: ufrag, Pwd: pwd}
	if mux {
		t.RTCPMux = &domain.Empty{}
	}
	gen := agent.Generation()
	for _, comp := range stream.Components() {
		if mux && comp != 1 {
			continue
		}
		for _, c := range stream.LocalCandidates(comp) {
			t.Candidates = append(t.Candidates, ToWire(c, gen))
		}
	}
	return t, nil
}

func (n *Negotiator) allocate(ctx context.Context, agent core.IceAgent, media domain.MediaType, mux bool) (core.IceStream, error) {
	components := 2
	if mux {
		components = 1
	}
	ports := core.PortRange{}
	if n.ports != nil {
		ports = n.ports.Hinted()
	}
	stream, err := agent.AddStream(ctx, string(media), components, ports)
	if errors.Is(err, domain.ErrNoFreePort) && n.ports != nil && ports != n.ports.Range() {
		n.logger.Debug().Int("hint", ports.Min).Msg("no port above hint, retrying full range")
		stream, err = agent.AddStream(ctx, string(media), components, n.ports.Range())
	}
	if err != nil {
		return nil, fmt.Errorf("allocate %s stream: %w", media, err)
	}
	if n.ports != nil {
		var bound []int
		for _, comp := range stream.Components() {
			for _, c := range stream.LocalCandidates(comp) {
				if c.Type == domain.CandidateHost {
					bound = append(bound, c.Port)
				}
			}
		}
		n.ports.Observe(bound)
	}
	n.logger.Info().Str("media", string(media)).Int("components", components).Msg("ice stream allocated")
	return stream, nil
}

// MergeRemoteCandidates hands remote candidates of media to the agent. Before
// connectivity checks started it reports whether every component of every
// stream now has a remote candidate; afterwards candidates are live updates.
func (n *Negotiator) MergeRemoteCandidates(media domain.MediaType, cands []domain.Candidate, ufrag, pwd string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false, ErrClosed
	}
	if n.agent == nil {
		return false, ErrNoAgent
	}
	if n.running && len(cands) == 0 {
		return false, nil
	}

	stream, ok := n.streams[media]
	if !ok {
		n.logger.Warn().Str("media", string(media)).Msg("remote candidates for unknown stream")
		return n.readyLocked(), nil
	}
	if ufrag != "" {
		stream.SetRemoteCredentials(ufrag, pwd)
	}

	gen := n.agent.Generation()
	components := make(map[int]struct{})
	for _, comp := range stream.Components() {
		components[comp] = struct{}{}
	}
	seen := make(map[string]struct{})
	for _, c := range domain.SortCandidates(cands) {
		if c.Generation != gen {
			continue
		}
		if c.IP == "" {
			n.logger.Warn().Str("media", string(media)).Str("foundation", c.Foundation).Msg("dropping candidate with empty address")
			continue
		}
		if _, ok := components[c.Component]; !ok {
			n.logger.Warn().Str("media", string(media)).Int("component", c.Component).Msg("dropping candidate for unknown component")
			continue
		}
		if c.RelAddr != "" {
			if _, ok := seen[fmt.Sprintf("%s:%d", c.RelAddr, c.RelPort)]; !ok {
				n.logger.Debug().Str("media", string(media)).Str("rel_addr", c.RelAddr).Msg("related candidate not seen")
			}
		}
		seen[fmt.Sprintf("%s:%d", c.IP, c.Port)] = struct{}{}
		if err := stream.AddRemoteCandidate(FromWire(c)); err != nil {
			n.logger.Warn().Err(err).Str("media", string(media)).Msg("add remote candidate")
		}
	}
	return n.readyLocked(), nil
}

func (n *Negotiator) readyLocked() bool {
	if len(n.streams) == 0 {
		return false
	}
	for _, s := range n.streams {
		for _, comp := range s.Components() {
			if s.RemoteCandidateCount(comp) == 0 {
				return false
			}
		}
	}
	return true
}

// Ready reports whether every component has at least one remote candidate.
func (n *Negotiator) Ready() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.readyLocked()
}

// StartConnectivityChecks starts the streams not yet running. It does not
// block.
func (n *Negotiator) StartConnectivityChecks(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.agent == nil {
		return ErrNoAgent
	}
	if err := n.agent.Start(ctx); err != nil {
		return fmt.Errorf("start connectivity checks: %w", err)
	}
	for media := range n.streams {
		n.started[media] = true
	}
	n.running = true
	n.logger.Info().Int("streams", len(n.streams)).Msg("connectivity checks started")
	return nil
}

func (n *Negotiator) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// AwaitCompletion blocks until the agent reports a terminal state, the timeout
// elapses or ctx ends. On timeout the configured TimeoutAction decides.
func (n *Negotiator) AwaitCompletion(ctx context.Context, timeout time.Duration) (Outcome, error) {
	n.mu.Lock()
	agent := n.agent
	n.mu.Unlock()
	if agent == nil {
		return OutcomeStopped, ErrNoAgent
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		switch st := agent.State(); st {
		case core.IceCompleted:
			return OutcomeConnected, nil
		case core.IceFailed:
			return OutcomeFailed, domain.ErrICEFailed
		case core.IceTerminated:
			return OutcomeStopped, domain.ErrSessionClosed
		}
		select {
		case <-agent.Done():
		case <-tick.C:
		case <-deadline.C:
			return n.onTimeout(agent)
		case <-ctx.Done():
			return OutcomeStopped, ctx.Err()
		}
	}
}

func (n *Negotiator) onTimeout(agent core.IceAgent) (Outcome, error) {
	pair := agent.HasSelectedPair()
	n.logger.Warn().
		Str("state", agent.State().String()).
		Bool("selected_pair", pair).
		Str("policy", n.opts.OnTimeout.String()).
		Msg("connectivity establishment timed out")
	if n.opts.OnTimeout == FailWithoutPair && !pair {
		return OutcomeFailed, fmt.Errorf("no usable candidate pair: %w", domain.ErrICEFailed)
	}
	return OutcomeProceeded, nil
}

// RemoveStream drops the stream of media and its sockets.
func (n *Negotiator) RemoveStream(media domain.MediaType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.streams[media]
	if !ok {
		return
	}
	delete(n.streams, media)
	delete(n.mux, media)
	delete(n.started, media)
	if n.agent != nil {
		n.agent.RemoveStream(s.Name())
	}
	n.logger.Info().Str("media", string(media)).Msg("ice stream removed")
}

// Media lists the allocated streams.
func (n *Negotiator) Media() []domain.MediaType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.MediaType, 0, len(n.streams))
	for m := range n.streams {
		out = append(out, m)
	}
	return out
}

// Close releases the agent and every bound socket. Safe to call repeatedly.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	n.streams = make(map[domain.MediaType]core.IceStream)
	if n.agent == nil {
		return nil
	}
	err := n.agent.Close()
	n.logger.Info().Msg("ice agent closed")
	return err
}
