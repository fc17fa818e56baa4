package http

import (
	"sync"
	"time"

	"github.com/dkeye/Jingle/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EventLog is the call event sink behind GET /api/events. It logs every
// event and keeps the most recent ones.
type EventLog struct {
	mu     sync.Mutex
	buf    []core.CallEvent
	next   int
	full   bool
	logger zerolog.Logger
}

func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = 100
	}
	return &EventLog{
		buf:    make([]core.CallEvent, size),
		logger: log.With().Str("module", "adapters.http.events").Logger(),
	}
}

func (l *EventLog) Publish(ev core.CallEvent) {
	l.logger.Info().
		Str("event", string(ev.Type)).
		Str("sid", string(ev.SID)).
		Str("peer", ev.Peer.String()).
		Str("reason", ev.Reason).
		Msg("call event")

	l.mu.Lock()
	l.buf[l.next] = ev
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
}

// Recent returns the kept events, oldest first.
func (l *EventLog) Recent() []core.CallEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]core.CallEvent(nil), l.buf[:l.next]...)
	}
	out := make([]core.CallEvent, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	return append(out, l.buf[:l.next]...)
}

type eventView struct {
	Type   core.CallEventType `json:"type"`
	SID    string             `json:"sid"`
	Peer   string             `json:"peer"`
	Reason string             `json:"reason,omitempty"`
	At     time.Time          `json:"at"`
}

func viewOf(events []core.CallEvent) []eventView {
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, eventView{
			Type:   ev.Type,
			SID:    string(ev.SID),
			Peer:   ev.Peer.String(),
			Reason: ev.Reason,
			At:     ev.At,
		})
	}
	return out
}
