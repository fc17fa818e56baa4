package domain

type CallState int

const (
	CallInitiating CallState = iota
	CallConnecting
	CallConnected
	CallEnded
	CallFailed
)

func (s CallState) String() string {
	switch s {
	case CallInitiating:
		return "INITIATING"
	case CallConnecting:
		return "CONNECTING"
	case CallConnected:
		return "CONNECTED"
	case CallEnded:
		return "ENDED"
	case CallFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Finished reports whether the call reached a terminal state.
func (s CallState) Finished() bool { return s == CallEnded || s == CallFailed }

type PeerState int

const (
	PeerInitiatingCall PeerState = iota
	PeerIncomingCall
	PeerConnecting
	PeerAlertingRemoteSide
	PeerConnected
	PeerFailed
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerInitiatingCall:
		return "INITIATING_CALL"
	case PeerIncomingCall:
		return "INCOMING_CALL"
	case PeerConnecting:
		return "CONNECTING"
	case PeerAlertingRemoteSide:
		return "ALERTING_REMOTE_SIDE"
	case PeerConnected:
		return "CONNECTED"
	case PeerFailed:
		return "FAILED"
	case PeerDisconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

func (s PeerState) Finished() bool { return s == PeerFailed || s == PeerDisconnected }

// HangupReason is a local hangup cause mapped onto a jingle reason.
type HangupReason string

const (
	HangupNormal             HangupReason = "normal"
	HangupEncryptionRequired HangupReason = "encryption-required"
	HangupTimeout            HangupReason = "timeout"
	HangupBusy               HangupReason = "busy"
	HangupDecline            HangupReason = "decline"
)

func (r HangupReason) Condition() ReasonCondition {
	switch r {
	case HangupEncryptionRequired:
		return ReasonSecurityError
	case HangupTimeout:
		return ReasonTimeout
	case HangupBusy:
		return ReasonBusy
	case HangupDecline:
		return ReasonDecline
	}
	return ReasonSuccess
}
