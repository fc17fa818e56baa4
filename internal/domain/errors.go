package domain

import (
	"errors"
	"fmt"

	"mellium.im/xmpp/stanza"
)

var (
	ErrNoJingleSupport    = errors.New("no Jingle support")
	ErrNotInRoster        = errors.New("not in roster")
	ErrICEFailed          = errors.New("ICE failed")
	ErrSecurityRequired   = errors.New("encryption required but peer offered no fingerprint")
	ErrTransferMismatch   = errors.New("transfer parties do not match attendant session")
	ErrNoFreePort         = errors.New("no free local port in configured range")
	ErrConferenceMismatch = errors.New("conference id mismatch")
	ErrUnknownSession     = errors.New("unknown session")
	ErrSessionClosed      = errors.New("session closed")
	ErrWrongState         = errors.New("call not in the required state")
	ErrNotConnected       = errors.New("stanza channel not connected")
	ErrNoResponse         = errors.New("no response")
	ErrBackpressure       = errors.New("backpressure")
)

// ActionError rejects an inbound action with a stanza error condition.
type ActionError struct {
	Type      stanza.ErrorType
	Condition stanza.Condition
	Err       error
}

func NewActionError(cond stanza.Condition, err error) *ActionError {
	typ := stanza.Cancel
	switch cond {
	case stanza.BadRequest, stanza.NotAcceptable:
		typ = stanza.Modify
	case stanza.NotAuthorized, stanza.Forbidden:
		typ = stanza.Auth
	}
	return &ActionError{Type: typ, Condition: cond, Err: err}
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Condition, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// StanzaError converts the action error into the error element to send.
func (e *ActionError) StanzaError() stanza.Error {
	return stanza.Error{Type: e.Type, Condition: e.Condition}
}

// ReasonError is a user-visible negotiation failure carrying the jingle reason
// sent to the peer.
type ReasonError struct {
	Reason ReasonCondition
	Err    error
}

func (e *ReasonError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ReasonError) Unwrap() error { return e.Err }

// ReasonFor picks the jingle reason for a failure.
func ReasonFor(err error) ReasonCondition {
	var re *ReasonError
	switch {
	case errors.As(err, &re):
		return re.Reason
	case errors.Is(err, ErrSecurityRequired), errors.Is(err, ErrTransferMismatch):
		return ReasonSecurityError
	case errors.Is(err, ErrICEFailed):
		return ReasonConnectivityError
	case errors.Is(err, ErrNoFreePort):
		return ReasonFailedTransport
	}
	return ReasonGeneralError
}
