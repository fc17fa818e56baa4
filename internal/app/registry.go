package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Jingle/internal/app/transport"
	"github.com/dkeye/Jingle/internal/domain"
	"github.com/rs/zerolog/log"
)

// PeerRuntime is the live machinery behind one PeerNegotiation. Path is set
// by the establishment worker once the agent or relay channels exist.
type PeerRuntime struct {
	Path   Path
	Cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
	timer     *time.Timer
}

func NewPeerRuntime() *PeerRuntime {
	return &PeerRuntime{ready: make(chan struct{})}
}

// MarkReady flips the runtime to established-or-establishing. It reports
// whether this call did the flip, so establishment is started once.
func (p *PeerRuntime) MarkReady() bool {
	first := false
	p.readyOnce.Do(func() {
		close(p.ready)
		first = true
	})
	return first
}

// Ready is closed once connectivity checks may start.
func (p *PeerRuntime) Ready() <-chan struct{} { return p.ready }

// Defer schedules fn after d, replacing any pending deferral.
func (p *PeerRuntime) Defer(d time.Duration, fn func()) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(d, fn)
}

// Stop cancels pending work and releases ICE. Idempotent.
func (p *PeerRuntime) Stop() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.Cancel != nil {
		p.Cancel()
	}
	if p.Path != nil {
		_ = p.Path.Close()
	}
	p.MarkReady()
}

// CallEntry is everything the registry keeps for one sid. It is only touched
// under the sid lock.
type CallEntry struct {
	SID      domain.SessionID
	Session  *domain.CallSession
	Pending  *domain.PendingCandidateBuffer
	Runtime  map[string]*PeerRuntime
	RelayICE *transport.Negotiator
}

func (e *CallEntry) idle() bool {
	return e.Session == nil && e.Pending.Empty() && len(e.Runtime) == 0
}

// Drop forgets the session and everything attached to it. The entry is
// removed from the registry when the lock is released.
func (e *CallEntry) Drop() {
	for k, rt := range e.Runtime {
		rt.Stop()
		delete(e.Runtime, k)
	}
	if e.RelayICE != nil {
		_ = e.RelayICE.Close()
		e.RelayICE = nil
	}
	e.Session = nil
	e.Pending.Clear()
}

type lockedEntry struct {
	mu      sync.Mutex
	removed bool
	entry   *CallEntry
}

// CallRegistry owns every CallSession and pending candidate buffer, keyed by
// sid, each behind its own lock.
type CallRegistry struct {
	mu          sync.Mutex
	entries     map[domain.SessionID]*lockedEntry
	aliases     map[domain.SessionID]domain.SessionID
	conferences map[string]conferenceRef
}

type conferenceRef struct {
	sid domain.SessionID
	set *domain.ConferenceChannelSet
}

func NewCallRegistry() *CallRegistry {
	return &CallRegistry{
		entries:     make(map[domain.SessionID]*lockedEntry),
		aliases:     make(map[domain.SessionID]domain.SessionID),
		conferences: make(map[string]conferenceRef),
	}
}

func (r *CallRegistry) lookup(sid domain.SessionID, create bool) *lockedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target, ok := r.aliases[sid]; ok {
		sid = target
	}
	le, ok := r.entries[sid]
	if !ok && create {
		le = &lockedEntry{entry: &CallEntry{
			SID:     sid,
			Pending: domain.NewPendingCandidateBuffer(),
			Runtime: make(map[string]*PeerRuntime),
		}}
		r.entries[sid] = le
	}
	return le
}

// With runs fn under the lock of sid, creating the entry when missing.
// Entries left without session or pending candidates are removed.
func (r *CallRegistry) With(sid domain.SessionID, fn func(*CallEntry) error) error {
	for {
		le := r.lookup(sid, true)
		if done, err := r.run(le, fn); done {
			return err
		}
	}
}

// WithExisting is With for a sid that must already be known.
func (r *CallRegistry) WithExisting(sid domain.SessionID, fn func(*CallEntry) error) (bool, error) {
	for {
		le := r.lookup(sid, false)
		if le == nil {
			return false, nil
		}
		if done, err := r.run(le, fn); done {
			return true, err
		}
	}
}

func (r *CallRegistry) run(le *lockedEntry, fn func(*CallEntry) error) (bool, error) {
	le.mu.Lock()
	defer le.mu.Unlock()
	if le.removed {
		return false, nil
	}
	err := fn(le.entry)
	if le.entry.idle() {
		r.remove(le)
	}
	return true, err
}

func (r *CallRegistry) remove(le *lockedEntry) {
	sid := le.entry.SID
	r.mu.Lock()
	defer r.mu.Unlock()
	le.removed = true
	if r.entries[sid] == le {
		delete(r.entries, sid)
	}
	for alias, target := range r.aliases {
		if target == sid {
			delete(r.aliases, alias)
		}
	}
	for id, ref := range r.conferences {
		if ref.sid == sid {
			delete(r.conferences, id)
		}
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed call")
}

// Alias routes actions for sid to the entry of target. Conference peers
// joined through callid keep their own sid.
func (r *CallRegistry) Alias(sid, target domain.SessionID) {
	if sid == target {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[sid] = target
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("target", string(target)).Msg("aliased sid")
}

// Adopt aliases sid to target and hands over the candidates buffered under
// sid before the alias existed.
func (r *CallRegistry) Adopt(sid, target domain.SessionID) *domain.PendingCandidateBuffer {
	moved := domain.NewPendingCandidateBuffer()
	if sid == target {
		return moved
	}
	r.mu.Lock()
	le := r.entries[sid]
	r.aliases[sid] = target
	r.mu.Unlock()
	if le == nil {
		return moved
	}

	le.mu.Lock()
	defer le.mu.Unlock()
	if le.removed || le.entry.Session != nil {
		return moved
	}
	moved, le.entry.Pending = le.entry.Pending, moved
	if le.entry.idle() {
		r.remove(le)
	}
	return moved
}

// Resolve maps an aliased sid to the sid owning its entry.
func (r *CallRegistry) Resolve(sid domain.SessionID) domain.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target, ok := r.aliases[sid]; ok {
		return target
	}
	return sid
}

// IndexConference makes the channel set findable by its relay conference id.
func (r *CallRegistry) IndexConference(sid domain.SessionID, set *domain.ConferenceChannelSet) {
	if set == nil || set.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if target, ok := r.aliases[sid]; ok {
		sid = target
	}
	r.conferences[set.ID] = conferenceRef{sid: sid, set: set}
}

func (r *CallRegistry) FindConference(id string) (*domain.ConferenceChannelSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.conferences[id]
	return ref.set, ok
}

func (r *CallRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// PeerSnapshot and CallSnapshot are copies safe to hand outside the lock.
type PeerSnapshot struct {
	SID     domain.SessionID `json:"sid"`
	Address string           `json:"address"`
	State   string           `json:"state"`
	Failure string           `json:"failure,omitempty"`
	Relayed bool             `json:"relayed"`
}

type CallSnapshot struct {
	SID       domain.SessionID `json:"sid"`
	State     string           `json:"state"`
	Initiator bool             `json:"initiator"`
	Created   time.Time        `json:"created"`
	Peers     []PeerSnapshot   `json:"peers"`
}

// Snapshot lists the live sessions ordered by creation time.
func (r *CallRegistry) Snapshot() []CallSnapshot {
	r.mu.Lock()
	all := make([]*lockedEntry, 0, len(r.entries))
	for _, le := range r.entries {
		all = append(all, le)
	}
	r.mu.Unlock()

	out := make([]CallSnapshot, 0, len(all))
	for _, le := range all {
		le.mu.Lock()
		if cs := le.entry.Session; cs != nil {
			snap := CallSnapshot{
				SID:       cs.SID,
				State:     cs.State.String(),
				Initiator: cs.Initiator,
				Created:   cs.Created,
			}
			for _, p := range cs.Peers {
				snap.Peers = append(snap.Peers, PeerSnapshot{
					SID:     p.SID,
					Address: p.Address.String(),
					State:   p.State.String(),
					Failure: p.Failure,
					Relayed: p.Relayed,
				})
			}
			out = append(out, snap)
		}
		le.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Sweep drops pending buffers older than ttl whose session never arrived.
func (r *CallRegistry) Sweep(now time.Time, ttl time.Duration) int {
	r.mu.Lock()
	sids := make([]domain.SessionID, 0, len(r.entries))
	for sid := range r.entries {
		sids = append(sids, sid)
	}
	r.mu.Unlock()

	swept := 0
	for _, sid := range sids {
		_, _ = r.WithExisting(sid, func(e *CallEntry) error {
			if e.Session != nil || e.Pending.Empty() {
				return nil
			}
			if now.Sub(e.Pending.Since()) < ttl {
				return nil
			}
			log.Debug().Str("module", "app.registry").Str("sid", string(sid)).Int("candidates", e.Pending.Len()).Msg("sweeping orphan candidates")
			e.Pending.Clear()
			swept++
			return nil
		})
	}
	return swept
}

// RunSweeper sweeps every interval until ctx ends.
func (r *CallRegistry) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.Sweep(now, ttl)
		}
	}
}
