// Package xmpp bridges stanzas between the call engine and an XMPP
// connection forwarded over a WebSocket (RFC 7395 framing).
package xmpp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

const writeWait = 5 * time.Second

type Config struct {
	Local         jid.JID
	StanzaTimeout time.Duration
	ReadLimit     int64
	PingPeriod    time.Duration
	SendQueue     int
	ProposalTTL   time.Duration
	DiscoTTL      time.Duration
	Contacts      []string
	// InitiateLimit caps session-initiates per contact and InitiateWindow.
	InitiateLimit  int
	InitiateWindow time.Duration
}

// Features is what we answer disco#info about ourselves with.
var Features = []string{
	domain.NSDiscoInfo,
	domain.NSJingle,
	domain.NSJingleRTP,
	domain.NSJingleAudio,
	domain.NSJingleVideo,
	domain.NSICEUDP,
	domain.NSDTLS,
	domain.NSRTPInfo,
	domain.NSTransfer,
	domain.NSJingleMsg,
}

// Bridge is the stanza channel of the engine. One upstream connection is
// active at a time; a new one replaces it.
type Bridge struct {
	Jingle     core.JingleHandler
	Conference core.ConferenceHandler

	cfg       Config
	roster    *Roster
	proposals *Proposals
	disco     *Disco
	limiter   *RateLimiter

	mu      sync.RWMutex
	conn    *wsConn
	cancel  context.CancelFunc
	pending map[string]chan *domain.IQ

	logger zerolog.Logger
}

func NewBridge(cfg Config) *Bridge {
	if cfg.StanzaTimeout <= 0 {
		cfg.StanzaTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 54 * time.Second
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}
	if cfg.DiscoTTL <= 0 {
		cfg.DiscoTTL = 5 * time.Minute
	}
	b := &Bridge{
		cfg:       cfg,
		roster:    NewRoster(cfg.Contacts...),
		proposals: NewProposals(cfg.ProposalTTL),
		limiter:   NewRateLimiter(cfg.InitiateLimit, cfg.InitiateWindow),
		pending:   make(map[string]chan *domain.IQ),
		logger: log.With().
			Str("module", "xmpp").
			Str("local", cfg.Local.String()).
			Logger(),
	}
	b.disco = NewDisco(b, cfg.DiscoTTL)
	return b
}

func (b *Bridge) Roster() *Roster { return b.roster }

func (b *Bridge) Proposals() *Proposals { return b.proposals }

func (b *Bridge) Disco() *Disco { return b.disco }

func (b *Bridge) LocalAddress() jid.JID { return b.cfg.Local }

// Connected reports whether an upstream connection is attached.
func (b *Bridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"xmpp"},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and serves it as the upstream connection.
func (b *Bridge) HandleWS(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	b.Attach(ctx, ws)
}

// Attach serves ws until it closes or ctx ends.
func (b *Bridge) Attach(ctx context.Context, ws *websocket.Conn) {
	conn := newWSConn(uuid.NewString(), ws, b.cfg.SendQueue)
	ctx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	old, oldCancel := b.conn, b.cancel
	b.conn, b.cancel = conn, cancel
	b.mu.Unlock()
	if old != nil {
		b.logger.Info().Str("conn", old.id).Msg("replacing upstream connection")
		oldCancel()
		old.Close()
	}
	b.logger.Info().Str("conn", conn.id).Str("remote", ws.RemoteAddr().String()).Msg("upstream connected")

	go conn.writePump(ctx, b.cfg.PingPeriod)
	go func() {
		conn.readPump(ctx, b.cfg.ReadLimit, b.cfg.PingPeriod, b.handleFrame(conn))
		cancel()
		b.detach(conn)
	}()
}

func (b *Bridge) detach(conn *wsConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == conn {
		b.conn, b.cancel = nil, nil
		b.logger.Info().Str("conn", conn.id).Msg("upstream disconnected")
	}
}

// Close drops the upstream connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	conn, cancel := b.conn, b.cancel
	b.conn, b.cancel = nil, nil
	b.mu.Unlock()
	if conn != nil {
		cancel()
		conn.Close()
	}
}

func (b *Bridge) write(v any) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("encode stanza: %w", err)
	}
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return domain.ErrNotConnected
	}
	if err := conn.TrySend(data); err != nil {
		if errors.Is(err, errConnClosed) {
			return domain.ErrNotConnected
		}
		return err
	}
	return nil
}

func (b *Bridge) Send(_ context.Context, iq *domain.IQ) error {
	if iq.ID == "" {
		iq.ID = uuid.NewString()
	}
	if iq.From == "" {
		iq.From = b.cfg.Local.String()
	}
	return b.write(iq)
}

// Request sends iq and waits for the result or error with the same id.
func (b *Bridge) Request(ctx context.Context, iq *domain.IQ) (*domain.IQ, error) {
	if iq.ID == "" {
		iq.ID = uuid.NewString()
	}
	ch := make(chan *domain.IQ, 1)
	b.mu.Lock()
	b.pending[iq.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, iq.ID)
		b.mu.Unlock()
	}()

	if err := b.Send(ctx, iq); err != nil {
		return nil, err
	}
	timer := time.NewTimer(b.cfg.StanzaTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("iq %s to %s: %w", iq.ID, iq.To, domain.ErrNoResponse)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bridge) handleFrame(conn *wsConn) func(context.Context, []byte) {
	return func(ctx context.Context, data []byte) {
		f, err := decodeFrame(data)
		if err != nil {
			b.logger.Warn().Err(err).Str("conn", conn.id).Msg("bad frame")
			return
		}
		switch f.kind {
		case "open":
			b.onOpen(conn, f.open)
		case "close":
			b.logger.Info().Str("conn", conn.id).Msg("stream closed by peer")
			if data, err := encode(framingClose{}); err == nil {
				_ = conn.TrySend(data)
			}
		case "iq":
			b.onIQ(ctx, f.iq)
		case "presence":
			b.roster.Observe(f.presence)
			if f.presence.Type == "unavailable" {
				if from, err := jid.Parse(f.presence.From); err == nil {
					b.disco.Forget(from)
				}
			}
		case "message":
			b.proposals.Observe(f.message)
		}
	}
}

func (b *Bridge) onOpen(conn *wsConn, open *framingOpen) {
	resp := framingOpen{
		From:    b.cfg.Local.Domain().String(),
		To:      open.From,
		ID:      uuid.NewString(),
		Version: "1.0",
		Lang:    "en",
	}
	data, err := encode(resp)
	if err != nil {
		b.logger.Error().Err(err).Msg("encode open")
		return
	}
	if err := conn.TrySend(data); err != nil {
		b.logger.Warn().Err(err).Msg("send open")
	}
}

func (b *Bridge) onIQ(ctx context.Context, iq *domain.IQ) {
	switch iq.Type {
	case stanza.ResultIQ, stanza.ErrorIQ:
		b.mu.RLock()
		ch, ok := b.pending[iq.ID]
		b.mu.RUnlock()
		if !ok {
			b.logger.Debug().Str("id", iq.ID).Str("from", iq.From).Msg("response without request")
			return
		}
		select {
		case ch <- iq:
		default:
		}
		return
	}

	switch {
	case iq.Jingle != nil && iq.Type == stanza.SetIQ:
		if b.Jingle == nil {
			b.reply(ctx, iq.Fail(stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}))
			return
		}
		if iq.Jingle.Action == domain.ActionSessionInitiate && !b.allowInitiate(iq.From) {
			b.reply(ctx, iq.Fail(stanza.Error{Type: stanza.Wait, Condition: stanza.ResourceConstraint}))
			return
		}
		b.Jingle.HandleJingle(ctx, iq)
	case iq.Conference != nil && iq.Type == stanza.SetIQ && b.Conference != nil:
		from, err := jid.Parse(iq.From)
		if err != nil {
			b.reply(ctx, iq.Fail(stanza.Error{Type: stanza.Modify, Condition: stanza.JIDMalformed}))
			return
		}
		if err := b.Conference.HandleConference(ctx, from, iq.Conference); err != nil {
			b.logger.Warn().Err(err).Str("from", iq.From).Msg("conference update rejected")
			b.reply(ctx, iq.Fail(stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound}))
			return
		}
		b.reply(ctx, iq.Result())
	case iq.DiscoInfo != nil && iq.Type == stanza.GetIQ:
		resp := iq.Result()
		resp.DiscoInfo = b.ownInfo(iq.DiscoInfo.Node)
		b.reply(ctx, resp)
	default:
		b.reply(ctx, iq.Fail(stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}))
	}
}

func (b *Bridge) allowInitiate(from string) bool {
	addr, err := jid.Parse(from)
	if err != nil {
		return true
	}
	return b.limiter.Allow(addr.Bare().String())
}

func (b *Bridge) ownInfo(node string) *domain.DiscoInfo {
	info := &domain.DiscoInfo{
		Node:       node,
		Identities: []domain.Identity{{Category: "client", Type: "pc", Name: "Jingle"}},
	}
	for _, f := range Features {
		info.Features = append(info.Features, domain.Feature{Var: f})
	}
	return info
}

func (b *Bridge) reply(ctx context.Context, iq *domain.IQ) {
	if err := b.Send(ctx, iq); err != nil {
		b.logger.Warn().Err(err).Str("to", iq.To).Str("id", iq.ID).Msg("reply failed")
	}
}
