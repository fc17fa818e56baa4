package core

import (
	"time"

	"github.com/dkeye/Jingle/internal/domain"
	"mellium.im/xmpp/jid"
)

type CallEventType string

const (
	EventIncoming    CallEventType = "incoming"
	EventConnecting  CallEventType = "connecting"
	EventRinging     CallEventType = "ringing"
	EventConnected   CallEventType = "connected"
	EventFailed      CallEventType = "failed"
	EventEnded       CallEventType = "ended"
	EventTransferred CallEventType = "transferred"
	EventHold        CallEventType = "hold"
	EventUnhold      CallEventType = "unhold"
	EventMute        CallEventType = "mute"
	EventUnmute      CallEventType = "unmute"
)

type CallEvent struct {
	Type   CallEventType
	SID    domain.SessionID
	Peer   jid.JID
	Reason string
	At     time.Time
}

// EventSink receives call lifecycle events. Publish must not block.
type EventSink interface {
	Publish(CallEvent)
}
