package xmpp

import (
	"sync"
	"time"

	"github.com/dkeye/Jingle/internal/domain"
	"mellium.im/xmpp/jid"
)

// Proposals remembers Jingle Message Initiation proposals so the call that
// follows reuses the agreed sid.
type Proposals struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
	by  map[string]proposal
}

type proposal struct {
	sid domain.SessionID
	at  time.Time
}

func NewProposals(ttl time.Duration) *Proposals {
	return &Proposals{ttl: ttl, now: time.Now, by: make(map[string]proposal)}
}

// Observe records or withdraws the proposal carried by m.
func (p *Proposals) Observe(m *domain.Message) {
	from, err := jid.Parse(m.From)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case m.Propose != nil && m.Propose.ID != "":
		pr := proposal{sid: domain.SessionID(m.Propose.ID), at: p.now()}
		p.by[from.String()] = pr
		p.by[from.Bare().String()] = pr
	case m.Retract != nil:
		delete(p.by, from.String())
		delete(p.by, from.Bare().String())
	}
}

// SessionFor hands out the proposed sid for peer once.
func (p *Proposals) SessionFor(peer jid.JID) (domain.SessionID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range []string{peer.String(), peer.Bare().String()} {
		pr, ok := p.by[key]
		if !ok {
			continue
		}
		delete(p.by, peer.String())
		delete(p.by, peer.Bare().String())
		if p.ttl > 0 && p.now().Sub(pr.at) > p.ttl {
			return "", false
		}
		return pr.sid, true
	}
	return "", false
}
