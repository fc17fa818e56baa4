package core

import (
	"context"
	"time"

	"github.com/dkeye/Jingle/internal/domain"
)

type IceState int

const (
	IceWaiting IceState = iota
	IceRunning
	IceCompleted
	IceFailed
	IceTerminated
)

func (s IceState) String() string {
	switch s {
	case IceWaiting:
		return "Waiting"
	case IceRunning:
		return "Running"
	case IceCompleted:
		return "Completed"
	case IceFailed:
		return "Failed"
	case IceTerminated:
		return "Terminated"
	}
	return "Unknown"
}

// Terminal reports whether the agent will not change state again on its own.
func (s IceState) Terminal() bool {
	return s == IceCompleted || s == IceFailed || s == IceTerminated
}

// IceCandidate is the agent-side view of a candidate.
type IceCandidate struct {
	Foundation string
	Component  int
	Protocol   string
	Priority   uint32
	Address    string
	Port       int
	Type       domain.CandidateType
	RelAddr    string
	RelPort    int
	ID         string
}

// IceServer is one STUN or TURN server URL with long-term credentials.
type IceServer struct {
	URL      string
	Username string
	Password string
}

type IceAgentConfig struct {
	Controlling   bool
	Servers       []IceServer
	PublicIPs     []string
	GatherTimeout time.Duration
}

type PortRange struct {
	Min int
	Max int
}

// IceAgentFactory creates agents. Implementations bind sockets lazily in
// AddStream.
type IceAgentFactory interface {
	NewAgent(ctx context.Context, cfg IceAgentConfig) (IceAgent, error)
}

// IceAgent is the ICE capability consumed by the transport negotiator.
type IceAgent interface {
	// AddStream binds components inside ports and harvests their local
	// candidates. It returns domain.ErrNoFreePort when nothing could be bound.
	AddStream(ctx context.Context, name string, components int, ports PortRange) (IceStream, error)
	RemoveStream(name string)
	Generation() int
	LocalCredentials() (ufrag, pwd string)
	// Start begins connectivity checks on every stream not yet started.
	Start(ctx context.Context) error
	State() IceState
	// Done is closed when the agent reaches a terminal state.
	Done() <-chan struct{}
	// HasSelectedPair reports whether some component has a usable pair.
	HasSelectedPair() bool
	Close() error
}

type IceStream interface {
	Name() string
	Components() []int
	LocalCandidates(component int) []IceCandidate
	SetRemoteCredentials(ufrag, pwd string)
	AddRemoteCandidate(c IceCandidate) error
	RemoteCandidateCount(component int) int
}
