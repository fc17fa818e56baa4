package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Jingle/internal/app"
	"github.com/dkeye/Jingle/internal/app/transport"
	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

var (
	alice = jid.MustParse("alice@example.org/phone")
	bob   = jid.MustParse("bob@example.org/laptop")
	carol = jid.MustParse("carol@example.org/desk")
	dave  = jid.MustParse("dave@example.org/tablet")
)

type fakeStanzas struct {
	mu       sync.Mutex
	sent     []*domain.IQ
	requests []*domain.IQ
	respond  func(*domain.IQ) (*domain.IQ, error)
}

func (f *fakeStanzas) Send(_ context.Context, iq *domain.IQ) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, iq)
	return nil
}

func (f *fakeStanzas) Request(_ context.Context, iq *domain.IQ) (*domain.IQ, error) {
	f.mu.Lock()
	f.requests = append(f.requests, iq)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(iq)
	}
	return iq.Result(), nil
}

func (f *fakeStanzas) LocalAddress() jid.JID { return alice }

func (f *fakeStanzas) sentIQs() []*domain.IQ {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.IQ(nil), f.sent...)
}

// jingles lists every outgoing jingle of action, sent or requested.
func (f *fakeStanzas) jingles(action domain.Action) []*domain.IQ {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.IQ
	for _, list := range [][]*domain.IQ{f.sent, f.requests} {
		for _, iq := range list {
			if iq.Jingle != nil && iq.Jingle.Action == action {
				out = append(out, iq)
			}
		}
	}
	return out
}

// relayRequests lists the colibri requests sent to the relay.
func (f *fakeStanzas) relayRequests() []*domain.IQ {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.IQ
	for _, iq := range f.requests {
		if iq.Conference != nil {
			out = append(out, iq)
		}
	}
	return out
}

// expired lists the channel ids torn down with expire=0.
func (f *fakeStanzas) expired() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, iq := range f.sent {
		if iq.Conference == nil {
			continue
		}
		for _, c := range iq.Conference.Contents {
			for _, ch := range c.Channels {
				if ch.Expiring() {
					out = append(out, ch.ID)
				}
			}
		}
	}
	return out
}

// fakeRelay answers colibri requests like a bridge for conference confID,
// handing out sequential channel ids. Other requests are acknowledged.
type fakeRelay struct {
	mu     sync.Mutex
	confID string
	next   int
	err    error
}

func (r *fakeRelay) respond(iq *domain.IQ) (*domain.IQ, error) {
	if iq.Conference == nil {
		return iq.Result(), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	conf := &domain.Conference{ID: r.confID}
	for _, c := range iq.Conference.Contents {
		rc := conf.GetOrCreateContent(c.Name)
		for _, ch := range c.Channels {
			r.next++
			rc.Channels = append(rc.Channels, &domain.Channel{
				ID:        fmt.Sprintf("ch%d", r.next),
				Endpoint:  ch.Endpoint,
				Initiator: ch.Initiator,
				Transport: &domain.Transport{
					Ufrag: "relay",
					Pwd:   "relaypwd",
					Candidates: []domain.Candidate{{
						Component:  1,
						Foundation: "1",
						IP:         "198.51.100.20",
						Port:       10000 + r.next,
						Protocol:   "udp",
						Type:       domain.CandidateHost,
					}},
				},
			})
		}
	}
	out := iq.Result()
	out.Conference = conf
	return out, nil
}

type recorder struct {
	mu     sync.Mutex
	events []core.CallEvent
}

func (r *recorder) Publish(ev core.CallEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) has(typ core.CallEventType, sid domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ && ev.SID == sid {
			return true
		}
	}
	return false
}

type fakeAgents struct {
	mu     sync.Mutex
	fail   bool
	agents []*fakeAgent
}

func (f *fakeAgents) NewAgent(_ context.Context, cfg core.IceAgentConfig) (core.IceAgent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &fakeAgent{fail: f.fail, done: make(chan struct{}), streams: make(map[string]*fakeStream)}
	f.agents = append(f.agents, a)
	return a, nil
}

func (f *fakeAgents) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.agents {
		a.mu.Lock()
		n += a.starts
		a.mu.Unlock()
	}
	return n
}

type fakeAgent struct {
	mu      sync.Mutex
	fail    bool
	state   core.IceState
	done    chan struct{}
	starts  int
	streams map[string]*fakeStream
}

func (a *fakeAgent) AddStream(_ context.Context, name string, components int, _ core.PortRange) (core.IceStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &fakeStream{name: name, remote: make(map[int]int)}
	for i := 1; i <= components; i++ {
		s.components = append(s.components, i)
	}
	a.streams[name] = s
	return s, nil
}

func (a *fakeAgent) RemoveStream(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.streams, name)
}

func (a *fakeAgent) Generation() int { return 0 }

func (a *fakeAgent) LocalCredentials() (string, string) { return "lufrag", "lpwd" }

func (a *fakeAgent) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	if a.fail {
		a.setState(core.IceFailed)
	} else {
		a.setState(core.IceCompleted)
	}
	return nil
}

func (a *fakeAgent) setState(s core.IceState) {
	if a.state.Terminal() {
		return
	}
	a.state = s
	if s.Terminal() {
		close(a.done)
	}
}

func (a *fakeAgent) State() core.IceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *fakeAgent) Done() <-chan struct{} { return a.done }

func (a *fakeAgent) HasSelectedPair() bool { return !a.fail }

func (a *fakeAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setState(core.IceTerminated)
	return nil
}

type fakeStream struct {
	mu         sync.Mutex
	name       string
	components []int
	remote     map[int]int
}

func (s *fakeStream) Name() string { return s.name }

func (s *fakeStream) Components() []int { return s.components }

func (s *fakeStream) LocalCandidates(component int) []core.IceCandidate {
	return []core.IceCandidate{{
		Foundation: "1",
		Component:  component,
		Protocol:   "udp",
		Priority:   2130706431,
		Address:    "192.0.2.1",
		Port:       5000 + component,
		Type:       domain.CandidateHost,
	}}
}

func (s *fakeStream) SetRemoteCredentials(string, string) {}

func (s *fakeStream) AddRemoteCandidate(c core.IceCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote[c.Component]++
	return nil
}

func (s *fakeStream) RemoteCandidateCount(component int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote[component]
}

type fakePresence struct {
	roster map[string][]core.Resource
}

func (p fakePresence) InRoster(bare jid.JID) bool {
	_, ok := p.roster[bare.String()]
	return ok
}

func (p fakePresence) Resources(bare jid.JID) []core.Resource { return p.roster[bare.String()] }

type fakeDisco struct{ ok bool }

func (f fakeDisco) Supports(context.Context, jid.JID, ...string) (bool, error) { return f.ok, nil }

func (f fakeDisco) Items(context.Context, jid.JID) ([]domain.DiscoItem, error) { return nil, nil }

type fakeCerts struct{}

func (fakeCerts) Fingerprint(hash string) (string, error) {
	if hash != "sha-256" {
		return "", fmt.Errorf("unsupported hash %s", hash)
	}
	return "AA:BB", nil
}

func (fakeCerts) DefaultHash() string { return "sha-256" }

func newTestDispatcher(t *testing.T, opts ...func(*Dispatcher)) (*Dispatcher, *fakeStanzas, *fakeAgents, *recorder) {
	t.Helper()
	st := &fakeStanzas{}
	agents := &fakeAgents{}
	rec := &recorder{}
	d := &Dispatcher{
		Stanzas: st,
		Events:  rec,
		Transports: &transport.Factory{
			Agents:  agents,
			Options: transport.Options{RTCPMux: true},
		},
		Policy: app.SimplePolicy{},
		Options: Options{
			TransportWindow:   time.Minute,
			CompletionTimeout: time.Second,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.Start(context.Background())
	t.Cleanup(d.Close)
	return d, st, agents, rec
}

var inboundSeq int

func inbound(from jid.JID, j *domain.Jingle) *domain.IQ {
	inboundSeq++
	iq := domain.NewIQ(stanza.SetIQ, alice.String())
	iq.ID = fmt.Sprintf("in-%d", inboundSeq)
	iq.From = from.String()
	iq.Jingle = j
	return iq
}

func cand(foundation string, port int) domain.Candidate {
	return domain.Candidate{
		Component:  1,
		Foundation: foundation,
		IP:         "10.0.0.2",
		Port:       port,
		Priority:   2130706431,
		Protocol:   "udp",
		Type:       domain.CandidateHost,
	}
}

func content(name string, cands ...domain.Candidate) *domain.Content {
	m := domain.MediaType(name)
	return &domain.Content{
		Creator:     "initiator",
		Name:        name,
		Senders:     "both",
		Description: &domain.Description{Media: m, PayloadTypes: domain.DefaultPayloadTypes(m)},
		Transport:   &domain.Transport{Ufrag: "rufrag", Pwd: "rpwd", RTCPMux: &domain.Empty{}, Candidates: cands},
	}
}

func withFingerprint(c *domain.Content) *domain.Content {
	c.Transport.Fingerprints = []domain.Fingerprint{{Hash: "sha-256", Setup: domain.SetupActPass, Value: "11:22"}}
	return c
}
