package xmpp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Disco answers service discovery queries over a stanza channel and caches
// disco#info per full JID.
type Disco struct {
	stanzas core.StanzaChannel
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedInfo
}

type cachedInfo struct {
	info *domain.DiscoInfo
	at   time.Time
}

func NewDisco(stanzas core.StanzaChannel, ttl time.Duration) *Disco {
	return &Disco{stanzas: stanzas, ttl: ttl, cache: make(map[string]cachedInfo)}
}

func (d *Disco) Supports(ctx context.Context, addr jid.JID, features ...string) (bool, error) {
	info, err := d.info(ctx, addr)
	if err != nil {
		return false, err
	}
	return info.Has(features...), nil
}

func (d *Disco) info(ctx context.Context, addr jid.JID) (*domain.DiscoInfo, error) {
	key := addr.String()
	d.mu.Lock()
	if c, ok := d.cache[key]; ok && time.Since(c.at) < d.ttl {
		d.mu.Unlock()
		return c.info, nil
	}
	d.mu.Unlock()

	iq := domain.NewIQ(stanza.GetIQ, key)
	iq.DiscoInfo = &domain.DiscoInfo{}
	resp, err := d.stanzas.Request(ctx, iq)
	if err != nil {
		return nil, fmt.Errorf("disco#info %s: %w", key, err)
	}
	if resp.Type == stanza.ErrorIQ || resp.DiscoInfo == nil {
		return nil, fmt.Errorf("disco#info %s: %w", key, errorOf(resp))
	}
	d.mu.Lock()
	d.cache[key] = cachedInfo{info: resp.DiscoInfo, at: time.Now()}
	d.mu.Unlock()
	return resp.DiscoInfo, nil
}

func (d *Disco) Items(ctx context.Context, addr jid.JID) ([]domain.DiscoItem, error) {
	iq := domain.NewIQ(stanza.GetIQ, addr.String())
	iq.DiscoItems = &domain.DiscoItems{}
	resp, err := d.stanzas.Request(ctx, iq)
	if err != nil {
		return nil, fmt.Errorf("disco#items %s: %w", addr, err)
	}
	if resp.Type == stanza.ErrorIQ || resp.DiscoItems == nil {
		return nil, fmt.Errorf("disco#items %s: %w", addr, errorOf(resp))
	}
	return resp.DiscoItems.Items, nil
}

// Forget drops the cached features of addr, e.g. when it went offline.
func (d *Disco) Forget(addr jid.JID) {
	d.mu.Lock()
	delete(d.cache, addr.String())
	d.mu.Unlock()
}

func errorOf(iq *domain.IQ) error {
	if iq.Error != nil {
		return iq.Error
	}
	return domain.ErrNoResponse
}
