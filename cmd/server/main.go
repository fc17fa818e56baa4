package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"mellium.im/xmpp/jid"

	"github.com/dkeye/Jingle/internal/adapters/dtls"
	router "github.com/dkeye/Jingle/internal/adapters/http"
	"github.com/dkeye/Jingle/internal/adapters/ice"
	"github.com/dkeye/Jingle/internal/adapters/xmpp"
	"github.com/dkeye/Jingle/internal/app"
	"github.com/dkeye/Jingle/internal/app/colibri"
	"github.com/dkeye/Jingle/internal/app/dispatch"
	"github.com/dkeye/Jingle/internal/app/transport"
	"github.com/dkeye/Jingle/internal/config"
	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Server.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	local, err := jid.Parse(cfg.XMPP.JID)
	if err != nil {
		log.Fatal().Err(err).Str("jid", cfg.XMPP.JID).Msg("invalid account address")
	}
	onTimeout, err := transport.ParseTimeoutAction(cfg.ICE.OnTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid ice policy")
	}
	cert, err := dtls.Generate()
	if err != nil {
		log.Fatal().Err(err).Msg("dtls certificate")
	}

	bridge := xmpp.NewBridge(xmpp.Config{
		Local:          local,
		StanzaTimeout:  cfg.XMPP.StanzaTimeout,
		ReadLimit:      cfg.Server.ReadLimit,
		PingPeriod:     cfg.Server.PingPeriod,
		SendQueue:      cfg.XMPP.SendQueue,
		ProposalTTL:    cfg.XMPP.ProposalTTL,
		DiscoTTL:       cfg.XMPP.DiscoTTL,
		Contacts:       cfg.XMPP.Contacts,
		InitiateLimit:  cfg.XMPP.InitiateLimit,
		InitiateWindow: cfg.XMPP.InitiateWindow,
	})

	agents := ice.NewFactory()
	agents.FailedTimeout = cfg.ICE.FailedTimeout

	harvest := transport.NewHarvestCoordinator(harvestPolicy(cfg.ICE), bridge, nil)
	dtlsCoord := transport.NewDtls(cert, bridge.Disco(), transport.EncryptionPolicy{
		DefaultEnabled: cfg.Encryption.DefaultEnabled,
		Required:       cfg.Encryption.Required,
	})
	allocator := colibri.NewAllocator(bridge, bridge.Disco(), dtlsCoord, colibri.Options{
		Enabled: cfg.Colibri.Enabled,
		Bridge:  cfg.Colibri.Bridge,
	})
	events := router.NewEventLog(cfg.Calls.EventLog)
	registry := app.NewCallRegistry()

	media := make([]domain.MediaType, 0, len(cfg.Calls.Media))
	for _, m := range cfg.Calls.Media {
		media = append(media, domain.MediaType(m))
	}

	dispatcher := &dispatch.Dispatcher{
		Registry:  registry,
		Stanzas:   bridge,
		Disco:     bridge.Disco(),
		Presence:  bridge.Roster(),
		PreSignal: bridge.Proposals(),
		Events:    events,
		Transports: &transport.Factory{
			Agents:  agents,
			Harvest: harvest,
			Ports:   transport.NewPortTracker(cfg.ICE.PortMin, cfg.ICE.PortMax),
			Options: transport.Options{
				RTCPMux:       cfg.ICE.RTCPMux,
				GatherTimeout: cfg.ICE.GatherTimeout,
				OnTimeout:     onTimeout,
			},
		},
		Dtls:    dtlsCoord,
		Colibri: allocator,
		Policy: app.SimplePolicy{
			MaxCalls:   cfg.Calls.MaxCalls,
			AutoAnswer: cfg.Calls.AutoAnswer,
			Media:      media,
		},
		Options: dispatch.Options{
			TransportWindow:   cfg.ICE.TransportWindow,
			CompletionTimeout: cfg.ICE.CompletionTimeout,
			Workers:           cfg.Calls.Workers,
			Queue:             cfg.Calls.Queue,
		},
	}
	dispatcher.Start(ctx)
	bridge.Jingle = dispatcher
	bridge.Conference = allocator

	go registry.RunSweeper(ctx, cfg.Calls.SweepEvery, cfg.Calls.PendingTTL)

	r := router.SetupRouter(ctx, cfg, dispatcher, bridge, events)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("jid", local.String()).Msg("Jingle server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	dispatcher.Close()
	bridge.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func harvestPolicy(c config.ICE) transport.HarvestPolicy {
	servers := make([]core.IceServer, 0, len(c.STUN)+len(c.TURN))
	for _, list := range [][]config.IceServer{c.STUN, c.TURN} {
		for _, s := range list {
			servers = append(servers, core.IceServer{URL: s.URL, Username: s.Username, Password: s.Password})
		}
	}
	return transport.HarvestPolicy{
		ExternalDiscovery: c.ExternalDiscovery,
		AutoDiscoverSTUN:  c.AutoDiscoverSTUN,
		UseDefaultSTUN:    c.UseDefaultSTUN,
		Servers:           servers,
		RelayNodes:        c.RelayNodes,
		RelayEnabled:      len(c.RelayNodes) > 0,
		RelayUsername:     c.RelayUsername,
		RelayPassword:     c.RelayPassword,
		UPnP:              c.UPnP,
		PublicIPs:         c.PublicIPs,
		GatherTimeout:     c.GatherTimeout,
	}
}
