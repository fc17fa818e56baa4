package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"mellium.im/xmpp/jid"
)

type fakeFactory struct {
	mu      sync.Mutex
	configs []core.IceAgentConfig
	agents  []*fakeAgent
	next    func() *fakeAgent
}

func (f *fakeFactory) NewAgent(_ context.Context, cfg core.IceAgentConfig) (core.IceAgent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	a := newFakeAgent()
	if f.next != nil {
		a = f.next()
	}
	f.agents = append(f.agents, a)
	return a, nil
}

type fakeAgent struct {
	mu       sync.Mutex
	state    core.IceState
	done     chan struct{}
	doneOnce sync.Once
	pair     bool
	gen      int
	streams  map[string]*fakeStream
	removed  []string
	ranges   []core.PortRange
	basePort int
	// failAbove makes AddStream fail with ErrNoFreePort for ranges starting
	// above this port.
	failAbove int
	starts    int
	closed    int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		state:    core.IceWaiting,
		done:     make(chan struct{}),
		streams:  make(map[string]*fakeStream),
		basePort: 10000,
	}
}

func (a *fakeAgent) AddStream(_ context.Context, name string, components int, ports core.PortRange) (core.IceStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ranges = append(a.ranges, ports)
	if a.failAbove > 0 && ports.Min > a.failAbove {
		return nil, domain.ErrNoFreePort
	}
	port := a.basePort
	if ports.Min > 0 {
		port = ports.Min
	}
	s := &fakeStream{name: name, remote: make(map[int][]core.IceCandidate)}
	for c := 1; c <= components; c++ {
		s.comps = append(s.comps, c)
		s.local = append(s.local, core.IceCandidate{
			Foundation: "1", Component: c, Protocol: "udp", Priority: 2130706431,
			Address: "192.0.2.1", Port: port, Type: domain.CandidateHost,
		})
		port++
	}
	a.streams[name] = s
	return s, nil
}

func (a *fakeAgent) RemoveStream(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.streams, name)
	a.removed = append(a.removed, name)
}

func (a *fakeAgent) Generation() int { return a.gen }

func (a *fakeAgent) LocalCredentials() (string, string) { return "lufrag", "lpwd" }

func (a *fakeAgent) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	if a.state == core.IceWaiting {
		a.state = core.IceRunning
	}
	return nil
}

func (a *fakeAgent) State() core.IceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *fakeAgent) setState(s core.IceState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	if s.Terminal() {
		a.doneOnce.Do(func() { close(a.done) })
	}
}

func (a *fakeAgent) Done() <-chan struct{} { return a.done }

func (a *fakeAgent) HasSelectedPair() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pair
}

func (a *fakeAgent) Close() error {
	a.mu.Lock()
	a.closed++
	a.mu.Unlock()
	a.setState(core.IceTerminated)
	return nil
}

type fakeStream struct {
	mu         sync.Mutex
	name       string
	comps      []int
	local      []core.IceCandidate
	remote     map[int][]core.IceCandidate
	ufrag, pwd string
}

func (s *fakeStream) Name() string      { return s.name }
func (s *fakeStream) Components() []int { return s.comps }

func (s *fakeStream) LocalCandidates(component int) []core.IceCandidate {
	var out []core.IceCandidate
	for _, c := range s.local {
		if c.Component == component {
			out = append(out, c)
		}
	}
	return out
}

func (s *fakeStream) SetRemoteCredentials(ufrag, pwd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ufrag, s.pwd = ufrag, pwd
}

func (s *fakeStream) AddRemoteCandidate(c core.IceCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote[c.Component] = append(s.remote[c.Component], c)
	return nil
}

func (s *fakeStream) RemoteCandidateCount(component int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remote[component])
}

func (s *fakeStream) remoteCandidates(component int) []core.IceCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.IceCandidate(nil), s.remote[component]...)
}

type fakeStanzas struct {
	local    jid.JID
	requests []*domain.IQ
	respond  func(*domain.IQ) (*domain.IQ, error)
}

func (f *fakeStanzas) Send(_ context.Context, iq *domain.IQ) error {
	f.requests = append(f.requests, iq)
	return nil
}

func (f *fakeStanzas) Request(_ context.Context, iq *domain.IQ) (*domain.IQ, error) {
	f.requests = append(f.requests, iq)
	if f.respond == nil {
		return nil, domain.ErrNoResponse
	}
	return f.respond(iq)
}

func (f *fakeStanzas) LocalAddress() jid.JID { return f.local }

type fakeResolver struct {
	srv   map[string][]*net.SRV
	hosts map[string][]string
}

func (r *fakeResolver) LookupSRV(_ context.Context, service, proto, name string) (string, []*net.SRV, error) {
	key := "_" + service + "._" + proto + "." + name
	if addrs, ok := r.srv[key]; ok {
		return key, addrs, nil
	}
	return "", nil, errors.New("no such host")
}

func (r *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := r.hosts[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

type fakeCerts struct{}

func (fakeCerts) DefaultHash() string { return "sha-256" }

func (fakeCerts) Fingerprint(hash string) (string, error) {
	switch hash {
	case "sha-256":
		return "AA:BB", nil
	case "sha-1":
		return "CC:DD", nil
	}
	return "", errors.New("unsupported hash")
}

type fakeDisco struct {
	features map[string][]string
	err      error
}

func (d *fakeDisco) Supports(_ context.Context, addr jid.JID, features ...string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	have := d.features[addr.String()]
	for _, f := range features {
		found := false
		for _, h := range have {
			if h == f {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

func (d *fakeDisco) Items(context.Context, jid.JID) ([]domain.DiscoItem, error) { return nil, nil }
