package transport

import (
	"context"
	"net"
	"testing"

	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

func urls(servers []core.IceServer) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.URL)
	}
	return out
}

func TestHarvestOrder(t *testing.T) {
	stanzas := &fakeStanzas{
		local: jid.MustParse("alice@example.org/phone"),
		respond: func(iq *domain.IQ) (*domain.IQ, error) {
			out := iq.Result()
			out.Services = &domain.ExtServices{Services: []domain.ExtService{
				{Host: "turn.example.org", Port: 3478, Type: "turn", Transport: "udp", Username: "u", Password: "p"},
				{Host: "ftp.example.org", Type: "ftp"},
			}}
			return out, nil
		},
	}
	resolver := &fakeResolver{srv: map[string][]*net.SRV{
		"_stun._udp.example.org": {{Target: "stun.example.org.", Port: 3478}},
	}}
	policy := HarvestPolicy{
		ExternalDiscovery: true,
		AutoDiscoverSTUN:  true,
		UseDefaultSTUN:    true,
		Servers:           []core.IceServer{{URL: "stun:static.example.net:3478"}, {URL: "not a url"}},
		RelayEnabled:      true,
		RelayNodes:        []string{"relay.example.org:3478"},
		RelayUsername:     "alice",
		RelayPassword:     "secret",
		UPnP:              true,
		PublicIPs:         []string{"203.0.113.7", "bogus"},
	}
	h := NewHarvestCoordinator(policy, stanzas, resolver)

	cfg := h.AgentConfig(context.Background(), true)
	assert.True(t, cfg.Controlling)
	assert.Equal(t, []string{
		"turn:turn.example.org:3478?transport=udp",
		"stun:stun.example.org:3478",
		"stun:static.example.net:3478",
		"turn:relay.example.org:3478",
	}, urls(cfg.Servers))
	assert.Equal(t, "u", cfg.Servers[0].Username)
	assert.Equal(t, "alice", cfg.Servers[3].Username)
	assert.Equal(t, []string{"203.0.113.7"}, cfg.PublicIPs)

	require.Len(t, stanzas.requests, 1)
	req := stanzas.requests[0]
	assert.Equal(t, stanza.GetIQ, req.Type)
	assert.Equal(t, "example.org", req.To)
	assert.NotNil(t, req.Services)
}

func TestHarvestDefaultSTUNFallback(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]string{
		"stun2.l.google.com": {"192.0.2.10"},
	}}
	h := NewHarvestCoordinator(HarvestPolicy{UseDefaultSTUN: true}, &fakeStanzas{local: jid.MustParse("a@example.org")}, resolver)

	cfg := h.AgentConfig(context.Background(), false)
	assert.False(t, cfg.Controlling)
	assert.Equal(t, []string{"stun:stun2.l.google.com:19302"}, urls(cfg.Servers))
}

func TestHarvestDefaultSTUNOnlyWhenNothingElse(t *testing.T) {
	resolver := &fakeResolver{hosts: map[string][]string{"stun1.l.google.com": {"192.0.2.10"}}}
	policy := HarvestPolicy{UseDefaultSTUN: true, Servers: []core.IceServer{{URL: "stun:own.example.org"}}}
	h := NewHarvestCoordinator(policy, nil, resolver)

	cfg := h.AgentConfig(context.Background(), true)
	assert.Equal(t, []string{"stun:own.example.org"}, urls(cfg.Servers))
	assert.Empty(t, cfg.PublicIPs)
}
