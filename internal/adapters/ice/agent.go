// Package ice implements the core ICE agent on top of pion/ice. Every stream
// component runs its own pion agent sharing the local credentials.
package ice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/stun/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	ufragLen = 16
	pwdLen   = 32
	runes    = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	defaultGatherTimeout = 5 * time.Second
)

// Factory creates pion backed agents.
type Factory struct {
	NetworkTypes  []ice.NetworkType
	FailedTimeout time.Duration
	Logging       logging.LoggerFactory
}

func NewFactory() *Factory {
	return &Factory{
		NetworkTypes: []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
		Logging:      LoggerFactory{Logger: log.With().Str("module", "pion.ice").Logger()},
	}
}

func (f *Factory) NewAgent(ctx context.Context, cfg core.IceAgentConfig) (core.IceAgent, error) {
	urls := make([]*stun.URI, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		u, err := stun.ParseURI(s.URL)
		if err != nil {
			return nil, fmt.Errorf("ice server %q: %w", s.URL, err)
		}
		u.Username, u.Password = s.Username, s.Password
		urls = append(urls, u)
	}
	ufrag, err := randutil.GenerateCryptoRandomString(ufragLen, runes)
	if err != nil {
		return nil, err
	}
	pwd, err := randutil.GenerateCryptoRandomString(pwdLen, runes)
	if err != nil {
		return nil, err
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	actx, cancel := context.WithCancel(context.Background())
	return &Agent{
		factory: f,
		cfg:     cfg,
		urls:    urls,
		ufrag:   ufrag,
		pwd:     pwd,
		streams: make(map[string]*Stream),
		done:    make(chan struct{}),
		ctx:     actx,
		cancel:  cancel,
		logger: log.With().
			Str("module", "adapters.ice").
			Bool("controlling", cfg.Controlling).
			Logger(),
	}, nil
}

// Agent groups the pion agents of one call peer.
type Agent struct {
	factory *Factory
	cfg     core.IceAgentConfig
	urls    []*stun.URI
	ufrag   string
	pwd     string

	mu      sync.Mutex
	streams map[string]*Stream
	state   core.IceState
	done    chan struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

func (a *Agent) newPionAgent(ports core.PortRange) (*ice.Agent, error) {
	cfg := &ice.AgentConfig{
		Urls:          a.urls,
		NetworkTypes:  a.factory.NetworkTypes,
		LocalUfrag:    a.ufrag,
		LocalPwd:      a.pwd,
		LoggerFactory: a.factory.Logging,
	}
	if ports.Min > 0 && ports.Max >= ports.Min {
		cfg.PortMin, cfg.PortMax = uint16(ports.Min), uint16(ports.Max)
	}
	if len(a.cfg.PublicIPs) > 0 {
		cfg.NAT1To1IPs = a.cfg.PublicIPs
		cfg.NAT1To1IPCandidateType = ice.CandidateTypeServerReflexive
	}
	if a.factory.FailedTimeout > 0 {
		t := a.factory.FailedTimeout
		cfg.FailedTimeout = &t
	}
	return ice.NewAgent(cfg)
}

// AddStream creates one pion agent per component and waits for each to
// finish gathering.
func (a *Agent) AddStream(ctx context.Context, name string, components int, ports core.PortRange) (core.IceStream, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errors.New("ice agent closed")
	}
	a.mu.Unlock()

	s := &Stream{name: name}
	for id := 1; id <= components; id++ {
		c, err := a.gather(ctx, id, ports)
		if err != nil {
			s.close()
			return nil, err
		}
		s.components = append(s.components, c)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		s.close()
		return nil, errors.New("ice agent closed")
	}
	old := a.streams[name]
	a.streams[name] = s
	a.mu.Unlock()
	if old != nil {
		old.close()
	}
	return s, nil
}

func (a *Agent) gather(ctx context.Context, id int, ports core.PortRange) (*component, error) {
	agent, err := a.newPionAgent(ports)
	if err != nil {
		return nil, fmt.Errorf("create pion agent: %w", err)
	}
	c := &component{id: id, agent: agent}
	complete := make(chan struct{})
	var once sync.Once
	if err := agent.OnCandidate(func(cand ice.Candidate) {
		if cand == nil {
			once.Do(func() { close(complete) })
			return
		}
		c.mu.Lock()
		c.local = append(c.local, fromPion(cand, id))
		c.mu.Unlock()
	}); err != nil {
		_ = agent.Close()
		return nil, err
	}
	if err := agent.OnConnectionStateChange(func(st ice.ConnectionState) {
		a.logger.Debug().Int("component", id).Str("ice_state", st.String()).Msg("ICE state")
		c.mu.Lock()
		c.state = st
		c.mu.Unlock()
		a.update()
	}); err != nil {
		_ = agent.Close()
		return nil, err
	}
	if err := agent.GatherCandidates(); err != nil {
		_ = agent.Close()
		return nil, fmt.Errorf("gather candidates: %w", err)
	}

	timer := time.NewTimer(a.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-complete:
	case <-timer.C:
		a.logger.Warn().Int("component", id).Msg("candidate gathering timed out")
	case <-ctx.Done():
		_ = agent.Close()
		return nil, ctx.Err()
	}

	if len(c.localCandidates()) == 0 {
		_ = agent.Close()
		return nil, fmt.Errorf("component %d: %w", id, domain.ErrNoFreePort)
	}
	return c, nil
}

func (a *Agent) RemoveStream(name string) {
	a.mu.Lock()
	s, ok := a.streams[name]
	delete(a.streams, name)
	a.mu.Unlock()
	if ok {
		s.close()
	}
}

// Generation stays 0: the agent never restarts.
func (a *Agent) Generation() int { return 0 }

func (a *Agent) LocalCredentials() (string, string) { return a.ufrag, a.pwd }

// Start launches connectivity checks on every component not yet checking.
// The local side dials when controlling and accepts otherwise.
func (a *Agent) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("ice agent closed")
	}
	launched := 0
	for _, s := range a.streams {
		ufrag, pwd := s.remoteCredentials()
		for _, c := range s.components {
			if !c.markStarted() {
				continue
			}
			launched++
			go a.connect(c, s.name, ufrag, pwd)
		}
	}
	if a.state == core.IceWaiting && launched > 0 {
		a.state = core.IceRunning
	}
	return nil
}

func (a *Agent) connect(c *component, stream, ufrag, pwd string) {
	var (
		conn *ice.Conn
		err  error
	)
	if a.cfg.Controlling {
		conn, err = c.agent.Dial(a.ctx, ufrag, pwd)
	} else {
		conn, err = c.agent.Accept(a.ctx, ufrag, pwd)
	}
	c.mu.Lock()
	if err != nil {
		if a.ctx.Err() == nil {
			c.state = ice.ConnectionStateFailed
		}
	} else {
		c.conn = conn
		if c.state != ice.ConnectionStateCompleted {
			c.state = ice.ConnectionStateConnected
		}
	}
	c.mu.Unlock()
	if err != nil && a.ctx.Err() == nil {
		a.logger.Warn().Err(err).Str("stream", stream).Int("component", c.id).Msg("connectivity checks failed")
	}
	a.update()
}

// update derives the agent state from its components.
func (a *Agent) update() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Terminal() {
		return
	}
	total, connected := 0, 0
	for _, s := range a.streams {
		for _, c := range s.components {
			total++
			switch c.connState() {
			case ice.ConnectionStateFailed:
				a.finish(core.IceFailed)
				return
			case ice.ConnectionStateConnected, ice.ConnectionStateCompleted:
				connected++
			}
		}
	}
	if total > 0 && connected == total {
		a.finish(core.IceCompleted)
	}
}

func (a *Agent) finish(st core.IceState) {
	a.state = st
	close(a.done)
	a.logger.Info().Str("state", st.String()).Msg("ICE finished")
}

func (a *Agent) State() core.IceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) Done() <-chan struct{} { return a.done }

func (a *Agent) HasSelectedPair() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.streams {
		for _, c := range s.components {
			if pair, err := c.agent.GetSelectedCandidatePair(); err == nil && pair != nil {
				return true
			}
		}
	}
	return false
}

func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	streams := a.streams
	a.streams = make(map[string]*Stream)
	if !a.state.Terminal() {
		a.finish(core.IceTerminated)
	} else {
		a.state = core.IceTerminated
	}
	a.mu.Unlock()

	a.cancel()
	for _, s := range streams {
		s.close()
	}
	return nil
}

type component struct {
	id    int
	agent *ice.Agent

	mu      sync.Mutex
	local   []core.IceCandidate
	remote  int
	state   ice.ConnectionState
	started bool
	conn    *ice.Conn
}

func (c *component) localCandidates() []core.IceCandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.IceCandidate(nil), c.local...)
}

func (c *component) markStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return false
	}
	c.started = true
	return true
}

func (c *component) connState() ice.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *component) close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	_ = c.agent.Close()
}

// Stream is one media stream of an Agent.
type Stream struct {
	name       string
	components []*component

	mu          sync.Mutex
	remoteUfrag string
	remotePwd   string
}

func (s *Stream) Name() string { return s.name }

func (s *Stream) Components() []int {
	out := make([]int, 0, len(s.components))
	for _, c := range s.components {
		out = append(out, c.id)
	}
	return out
}

func (s *Stream) component(id int) *component {
	for _, c := range s.components {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (s *Stream) LocalCandidates(component int) []core.IceCandidate {
	c := s.component(component)
	if c == nil {
		return nil
	}
	return c.localCandidates()
}

func (s *Stream) SetRemoteCredentials(ufrag, pwd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteUfrag, s.remotePwd = ufrag, pwd
}

func (s *Stream) remoteCredentials() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteUfrag, s.remotePwd
}

func (s *Stream) AddRemoteCandidate(cand core.IceCandidate) error {
	c := s.component(cand.Component)
	if c == nil {
		return fmt.Errorf("stream %s has no component %d", s.name, cand.Component)
	}
	pc, err := toPion(cand)
	if err != nil {
		return err
	}
	if err := c.agent.AddRemoteCandidate(pc); err != nil {
		return err
	}
	c.mu.Lock()
	c.remote++
	c.mu.Unlock()
	return nil
}

func (s *Stream) RemoteCandidateCount(component int) int {
	c := s.component(component)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (s *Stream) close() {
	for _, c := range s.components {
		c.close()
	}
}
