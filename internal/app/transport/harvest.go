package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"github.com/pion/stun/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"mellium.im/xmpp/stanza"
)

// DefaultSTUNServers are tried in order when no server was configured or
// discovered.
var DefaultSTUNServers = []string{
	"stun1.l.google.com:19302",
	"stun2.l.google.com:19302",
	"stun3.l.google.com:19302",
}

// HarvestPolicy is the account-level choice of candidate harvesters.
type HarvestPolicy struct {
	ExternalDiscovery bool
	AutoDiscoverSTUN  bool
	UseDefaultSTUN    bool
	Servers           []core.IceServer

	RelayNodes    []string
	RelayEnabled  bool
	RelayUsername string
	RelayPassword string

	UPnP      bool
	PublicIPs []string

	GatherTimeout time.Duration
}

// Resolver is the DNS surface used for STUN auto-discovery.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// HarvestCoordinator turns a HarvestPolicy into the server list of a new ICE
// agent.
type HarvestCoordinator struct {
	policy   HarvestPolicy
	stanzas  core.StanzaChannel
	resolver Resolver
	logger   zerolog.Logger
}

func NewHarvestCoordinator(policy HarvestPolicy, stanzas core.StanzaChannel, resolver Resolver) *HarvestCoordinator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &HarvestCoordinator{
		policy:   policy,
		stanzas:  stanzas,
		resolver: resolver,
		logger:   log.With().Str("module", "transport.harvest").Logger(),
	}
}

// AgentConfig collects servers in order: external service discovery, SRV
// STUN discovery, static servers, the default STUN fallback and relay nodes.
func (h *HarvestCoordinator) AgentConfig(ctx context.Context, controlling bool) core.IceAgentConfig {
	cfg := core.IceAgentConfig{Controlling: controlling, GatherTimeout: h.policy.GatherTimeout}

	var servers []core.IceServer
	add := func(s core.IceServer, origin string) {
		if _, err := stun.ParseURI(s.URL); err != nil {
			h.logger.Warn().Err(err).Str("url", s.URL).Str("origin", origin).Msg("skipping ice server")
			return
		}
		for _, have := range servers {
			if have.URL == s.URL {
				return
			}
		}
		servers = append(servers, s)
	}

	domainName := ""
	if h.stanzas != nil {
		domainName = h.stanzas.LocalAddress().Domain().String()
	}

	if h.policy.ExternalDiscovery && domainName != "" {
		for _, s := range h.discoverExternal(ctx, domainName) {
			add(s, "extdisco")
		}
	}
	if h.policy.AutoDiscoverSTUN && domainName != "" {
		for _, s := range h.discoverSRV(ctx, domainName) {
			add(s, "srv")
		}
	}
	for _, s := range h.policy.Servers {
		add(s, "config")
	}
	if len(servers) == 0 && h.policy.UseDefaultSTUN {
		if s, ok := h.defaultSTUN(ctx); ok {
			add(s, "default")
		}
	}
	if h.policy.RelayEnabled {
		for _, node := range h.policy.RelayNodes {
			add(core.IceServer{
				URL:      "turn:" + node,
				Username: h.policy.RelayUsername,
				Password: h.policy.RelayPassword,
			}, "relay-node")
		}
	}
	cfg.Servers = servers

	if h.policy.UPnP {
		for _, ip := range h.policy.PublicIPs {
			if net.ParseIP(ip) == nil {
				h.logger.Warn().Str("ip", ip).Msg("skipping invalid public mapping")
				continue
			}
			cfg.PublicIPs = append(cfg.PublicIPs, ip)
		}
	}

	h.logger.Debug().Int("servers", len(cfg.Servers)).Int("public_ips", len(cfg.PublicIPs)).Msg("harvest configured")
	return cfg
}

func (h *HarvestCoordinator) discoverExternal(ctx context.Context, domainName string) []core.IceServer {
	iq := domain.NewIQ(stanza.GetIQ, domainName)
	iq.Services = &domain.ExtServices{}
	resp, err := h.stanzas.Request(ctx, iq)
	if err != nil {
		h.logger.Debug().Err(err).Str("domain", domainName).Msg("external service discovery failed")
		return nil
	}
	if resp.Services == nil {
		return nil
	}
	var out []core.IceServer
	for _, svc := range resp.Services.Services {
		if svc.Type != "stun" && svc.Type != "turn" && svc.Type != "turns" && svc.Type != "stuns" {
			continue
		}
		url := svc.Type + ":" + hostPort(svc.Host, svc.Port)
		if svc.Transport != "" && (svc.Type == "turn" || svc.Type == "turns") {
			url += "?transport=" + svc.Transport
		}
		out = append(out, core.IceServer{URL: url, Username: svc.Username, Password: svc.Password})
	}
	return out
}

func (h *HarvestCoordinator) discoverSRV(ctx context.Context, domainName string) []core.IceServer {
	_, addrs, err := h.resolver.LookupSRV(ctx, "stun", "udp", domainName)
	if err != nil {
		h.logger.Debug().Err(err).Str("domain", domainName).Msg("no stun srv record")
		return nil
	}
	out := make([]core.IceServer, 0, len(addrs))
	for _, a := range addrs {
		host := a.Target
		if n := len(host); n > 0 && host[n-1] == '.' {
			host = host[:n-1]
		}
		out = append(out, core.IceServer{URL: "stun:" + hostPort(host, int(a.Port))})
	}
	return out
}

func (h *HarvestCoordinator) defaultSTUN(ctx context.Context) (core.IceServer, bool) {
	for _, addr := range DefaultSTUNServers {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		if _, err := h.resolver.LookupHost(ctx, host); err != nil {
			h.logger.Debug().Err(err).Str("host", host).Msg("default stun unresolvable")
			continue
		}
		return core.IceServer{URL: "stun:" + addr}, true
	}
	return core.IceServer{}, false
}

func hostPort(host string, port int) string {
	if port == 0 {
		port = 3478
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (p HarvestPolicy) String() string {
	return fmt.Sprintf("extdisco=%t srv=%t default=%t static=%d relay=%t upnp=%t",
		p.ExternalDiscovery, p.AutoDiscoverSTUN, p.UseDefaultSTUN, len(p.Servers), p.RelayEnabled, p.UPnP)
}
