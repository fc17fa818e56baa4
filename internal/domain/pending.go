package domain

import "time"

// PendingCandidateBuffer holds transport-info candidates for a sid whose
// session-initiate has not been seen yet, keyed by content name.
type PendingCandidateBuffer struct {
	transports map[string]*Transport
	since      time.Time
}

func NewPendingCandidateBuffer() *PendingCandidateBuffer {
	return &PendingCandidateBuffer{transports: make(map[string]*Transport)}
}

// Add merges the transports of contents into the buffer.
func (b *PendingCandidateBuffer) Add(contents []*Content, now time.Time) {
	for _, c := range contents {
		if c == nil || c.Transport == nil {
			continue
		}
		if b.since.IsZero() {
			b.since = now
		}
		b.transports[c.Name] = MergeTransport(b.transports[c.Name], c.Transport)
	}
}

func (b *PendingCandidateBuffer) Empty() bool { return len(b.transports) == 0 }

// Len counts buffered candidates across all contents.
func (b *PendingCandidateBuffer) Len() int {
	n := 0
	for _, t := range b.transports {
		n += len(t.Candidates)
	}
	return n
}

// Since is when the oldest buffered candidate arrived.
func (b *PendingCandidateBuffer) Since() time.Time { return b.since }

// MergeInto folds the buffered transports into the matching contents and
// clears the buffer. Buffered contents with no match are discarded.
func (b *PendingCandidateBuffer) MergeInto(contents []*Content) (merged int) {
	for _, c := range contents {
		t, ok := b.transports[c.Name]
		if !ok {
			continue
		}
		merged += len(t.Candidates)
		c.Transport = MergeTransport(c.Transport, t)
	}
	b.Clear()
	return merged
}

func (b *PendingCandidateBuffer) Clear() {
	b.transports = make(map[string]*Transport)
	b.since = time.Time{}
}
