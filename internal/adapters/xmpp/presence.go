package xmpp

import (
	"sort"
	"sync"

	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"mellium.im/xmpp/jid"
)

// Roster tracks the contacts we know and the available resources of each,
// learned from inbound presence.
type Roster struct {
	mu        sync.RWMutex
	contacts  map[string]struct{}
	resources map[string]map[string]core.Resource
}

// NewRoster seeds the roster with statically configured contacts.
func NewRoster(contacts ...string) *Roster {
	r := &Roster{
		contacts:  make(map[string]struct{}),
		resources: make(map[string]map[string]core.Resource),
	}
	for _, c := range contacts {
		if j, err := jid.Parse(c); err == nil {
			r.contacts[j.Bare().String()] = struct{}{}
		}
	}
	return r
}

// Observe applies one presence stanza.
func (r *Roster) Observe(p *domain.Presence) {
	from, err := jid.Parse(p.From)
	if err != nil {
		return
	}
	bare := from.Bare().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	switch p.Type {
	case "", "unavailable":
	default:
		// subscription management is left to the client behind the bridge
		return
	}
	r.contacts[bare] = struct{}{}
	if from.Resourcepart() == "" {
		return
	}
	if p.Type == "unavailable" {
		delete(r.resources[bare], from.String())
		return
	}
	if r.resources[bare] == nil {
		r.resources[bare] = make(map[string]core.Resource)
	}
	r.resources[bare][from.String()] = core.Resource{Address: from, Priority: p.Priority}
}

func (r *Roster) InRoster(bare jid.JID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contacts[bare.Bare().String()]
	return ok
}

func (r *Roster) Resources(bare jid.JID) []core.Resource {
	r.mu.RLock()
	out := make([]core.Resource, 0, len(r.resources[bare.Bare().String()]))
	for _, res := range r.resources[bare.Bare().String()] {
		out = append(out, res)
	}
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}
