package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/dkeye/Jingle/internal/app"
	"github.com/dkeye/Jingle/internal/app/dispatch"
	"github.com/dkeye/Jingle/internal/config"
	"github.com/dkeye/Jingle/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"mellium.im/xmpp/jid"
)

const (
	sessionName    = "JingleSessions"
	operatorKey    = "operator"
	bridgeHeader   = "X-Bridge-Secret"
	requestIDKey   = "request_id"
	requestIDField = "X-Request-ID"
)

// Calls is the call control surface of the dispatcher.
type Calls interface {
	Calls() []app.CallSnapshot
	Initiate(ctx context.Context, to jid.JID, media []domain.MediaType, opts ...dispatch.InitiateOption) (domain.SessionID, error)
	Answer(ctx context.Context, sid domain.SessionID) error
	Hangup(ctx context.Context, sid domain.SessionID, reason domain.HangupReason) error
	AddContent(ctx context.Context, sid domain.SessionID, media domain.MediaType) error
}

// Upstream is the stanza bridge endpoint.
type Upstream interface {
	HandleWS(ctx context.Context, c *gin.Context)
	Connected() bool
}

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDField)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDField, id)
		c.Next()
	}
}

func requireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ok, _ := sessions.Default(c).Get(operatorKey).(bool); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required"})
			return
		}
		c.Next()
	}
}

func secretMatches(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func SetupRouter(ctx context.Context, cfg *config.Config, calls Calls, upstream Upstream, events *EventLog) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Server.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	store := cookie.NewStore([]byte(cfg.Server.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 12, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))

	h := &handlers{calls: calls, upstream: upstream, events: events}

	r.GET("/healthz", h.health)

	api := r.Group("/api")
	api.POST("/login", h.login(cfg.Server.Secret))
	api.POST("/logout", h.logout)

	api.GET("/ws/stanza", func(c *gin.Context) {
		if !secretMatches(c.GetHeader(bridgeHeader), cfg.XMPP.BridgeSecret) {
			log.Warn().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("stanza bridge rejected")
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		log.Info().Str("module", "adapters.http").Str("request_id", c.GetString(requestIDKey)).Msg("stanza bridge endpoint hit")
		upstream.HandleWS(ctx, c)
	})

	op := api.Group("", requireOperator())
	op.GET("/calls", h.list)
	op.POST("/calls", h.initiate)
	op.POST("/calls/:sid/answer", h.answer)
	op.POST("/calls/:sid/contents", h.addContent)
	op.DELETE("/calls/:sid", h.hangup)
	op.GET("/events", h.recent)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Server.Mode).Msg("router setup")
	return r
}

type handlers struct {
	calls    Calls
	upstream Upstream
	events   *EventLog
}

type loginRequest struct {
	Secret string `json:"secret"`
}

type initiateRequest struct {
	To    string   `json:"to"`
	Media []string `json:"media"`
	// Join adds the callee to a live call as a conference peer.
	Join string `json:"join"`
}

type contentRequest struct {
	Media string `json:"media"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"upstream": h.upstream.Connected(),
		"calls":    len(h.calls.Calls()),
	})
}

func (h *handlers) login(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil || !secretMatches(req.Secret, secret) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
			return
		}
		s := sessions.Default(c)
		s.Set(operatorKey, true)
		if err := s.Save(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *handlers) logout(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	_ = s.Save()
	c.Status(http.StatusNoContent)
}

func (h *handlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, h.calls.Calls())
}

func (h *handlers) initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid callee"})
		return
	}
	to, err := jid.Parse(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	media, ok := parseMedia(req.Media)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown media type"})
		return
	}
	var opts []dispatch.InitiateOption
	if req.Join != "" {
		opts = append(opts, dispatch.JoinCall(domain.SessionID(req.Join)))
	}
	sid, err := h.calls.Initiate(c.Request.Context(), to, media, opts...)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sid": sid})
}

func (h *handlers) answer(c *gin.Context) {
	if err := h.calls.Answer(c.Request.Context(), domain.SessionID(c.Param("sid"))); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) addContent(c *gin.Context) {
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing media"})
		return
	}
	media, ok := parseMedia([]string{req.Media})
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown media type"})
		return
	}
	if err := h.calls.AddContent(c.Request.Context(), domain.SessionID(c.Param("sid")), media[0]); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) hangup(c *gin.Context) {
	reason := domain.HangupReason(c.DefaultQuery("reason", string(domain.HangupNormal)))
	switch reason {
	case domain.HangupNormal, domain.HangupEncryptionRequired, domain.HangupTimeout, domain.HangupBusy, domain.HangupDecline:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown reason"})
		return
	}
	if err := h.calls.Hangup(c.Request.Context(), domain.SessionID(c.Param("sid")), reason); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) recent(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusOK, []eventView{})
		return
	}
	c.JSON(http.StatusOK, viewOf(h.events.Recent()))
}

func (h *handlers) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("request_id", c.GetString(requestIDKey)).Msg("call request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrWrongState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotInRoster), errors.Is(err, domain.ErrNoJingleSupport):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrBackpressure), errors.Is(err, domain.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrNoMedia):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func parseMedia(in []string) ([]domain.MediaType, bool) {
	if len(in) == 0 {
		return []domain.MediaType{domain.MediaAudio}, true
	}
	out := make([]domain.MediaType, 0, len(in))
	for _, s := range in {
		m := domain.MediaType(s)
		if !m.Valid() {
			return nil, false
		}
		out = append(out, m)
	}
	return out, true
}
