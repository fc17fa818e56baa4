package transport

import "fmt"

// TimeoutAction decides what a connectivity wait that ran out of time means.
type TimeoutAction int

const (
	// ProceedOnTimeout keeps the call going with whatever connectivity exists.
	ProceedOnTimeout TimeoutAction = iota
	// FailWithoutPair fails the call when no usable candidate pair exists.
	FailWithoutPair
)

func (a TimeoutAction) String() string {
	switch a {
	case ProceedOnTimeout:
		return "proceed"
	case FailWithoutPair:
		return "fail"
	}
	return fmt.Sprintf("TimeoutAction(%d)", int(a))
}

// ParseTimeoutAction maps the ice.on_timeout setting.
func ParseTimeoutAction(s string) (TimeoutAction, error) {
	switch s {
	case "", "proceed":
		return ProceedOnTimeout, nil
	case "fail":
		return FailWithoutPair, nil
	}
	return ProceedOnTimeout, fmt.Errorf("unknown ice timeout action %q", s)
}

// Outcome is the result of waiting for connectivity establishment.
type Outcome int

const (
	OutcomeConnected Outcome = iota
	OutcomeProceeded
	OutcomeFailed
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeProceeded:
		return "proceeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeStopped:
		return "stopped"
	}
	return "unknown"
}
