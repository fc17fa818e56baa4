package app

import "github.com/dkeye/Jingle/internal/domain"

// Admission is what to do with a new inbound session.
type Admission int

const (
	Ring Admission = iota
	AutoAnswer
	RejectBusy
)

func (a Admission) String() string {
	switch a {
	case Ring:
		return "ring"
	case AutoAnswer:
		return "auto-answer"
	case RejectBusy:
		return "busy"
	}
	return "unknown"
}

type Policy interface {
	// Admit decides for an inbound session-initiate given the number of
	// sessions already live and whether a valid transfer replaces one of them.
	Admit(live int, transfer bool) Admission
	// MediaAllowed filters offered media types.
	MediaAllowed(m domain.MediaType) bool
}

type SimplePolicy struct {
	MaxCalls   int
	AutoAnswer bool
	Media      []domain.MediaType
}

func (p SimplePolicy) Admit(live int, transfer bool) Admission {
	switch {
	case transfer:
		return AutoAnswer
	case p.MaxCalls > 0 && live >= p.MaxCalls:
		return RejectBusy
	case p.AutoAnswer:
		return AutoAnswer
	}
	return Ring
}

func (p SimplePolicy) MediaAllowed(m domain.MediaType) bool {
	if len(p.Media) == 0 {
		return m == domain.MediaAudio || m == domain.MediaVideo
	}
	for _, allowed := range p.Media {
		if allowed == m {
			return true
		}
	}
	return false
}
