package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dkeye/Jingle/internal/app"
	"github.com/dkeye/Jingle/internal/app/dispatch"
	"github.com/dkeye/Jingle/internal/config"
	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
)

type fakeCalls struct {
	initiated []jid.JID
	media     []domain.MediaType
	joins     int
	answered  []domain.SessionID
	hungup    map[domain.SessionID]domain.HangupReason
	err       error
}

func (f *fakeCalls) Calls() []app.CallSnapshot {
	return []app.CallSnapshot{{SID: "s1", State: "CONNECTED"}}
}

func (f *fakeCalls) Initiate(_ context.Context, to jid.JID, media []domain.MediaType, opts ...dispatch.InitiateOption) (domain.SessionID, error) {
	if f.err != nil {
		return "", f.err
	}
	f.initiated = append(f.initiated, to)
	f.media = media
	f.joins += len(opts)
	return "new-sid", nil
}

func (f *fakeCalls) Answer(_ context.Context, sid domain.SessionID) error {
	if f.err != nil {
		return f.err
	}
	f.answered = append(f.answered, sid)
	return nil
}

func (f *fakeCalls) Hangup(_ context.Context, sid domain.SessionID, reason domain.HangupReason) error {
	if f.err != nil {
		return f.err
	}
	if f.hungup == nil {
		f.hungup = make(map[domain.SessionID]domain.HangupReason)
	}
	f.hungup[sid] = reason
	return nil
}

func (f *fakeCalls) AddContent(context.Context, domain.SessionID, domain.MediaType) error {
	return f.err
}

type fakeUpstream struct{ hits int }

func (u *fakeUpstream) HandleWS(_ context.Context, c *gin.Context) {
	u.hits++
	c.Status(http.StatusSwitchingProtocols)
}

func (u *fakeUpstream) Connected() bool { return u.hits > 0 }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Mode = "test"
	cfg.Server.Secret = "operator-secret"
	cfg.XMPP.BridgeSecret = "bridge-secret"
	return cfg
}

func setup(t *testing.T) (*gin.Engine, *fakeCalls, *fakeUpstream, *EventLog) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	calls := &fakeCalls{}
	up := &fakeUpstream{}
	events := NewEventLog(4)
	return SetupRouter(context.Background(), testConfig(), calls, up, events), calls, up, events
}

func do(r *gin.Engine, method, path string, body any, cookies []*http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, r *gin.Engine) []*http.Cookie {
	t.Helper()
	w := do(r, http.MethodPost, "/api/login", loginRequest{Secret: "operator-secret"}, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

func TestHealth(t *testing.T) {
	r, _, _, _ := setup(t)
	w := do(r, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"upstream":false,"calls":1}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(requestIDField))
}

func TestCallsRequireLogin(t *testing.T) {
	r, _, _, _ := setup(t)
	w := do(r, http.MethodGet, "/api/calls", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/api/login", loginRequest{Secret: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodGet, "/api/calls", nil, login(t, r))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sid":"s1"`)
}

func TestInitiateCall(t *testing.T) {
	r, calls, _, _ := setup(t)
	cookies := login(t, r)

	w := do(r, http.MethodPost, "/api/calls", initiateRequest{To: "bob@example.com", Media: []string{"audio", "video"}}, cookies)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"sid":"new-sid"}`, w.Body.String())
	require.Len(t, calls.initiated, 1)
	assert.Equal(t, "bob@example.com", calls.initiated[0].String())
	assert.Equal(t, []domain.MediaType{domain.MediaAudio, domain.MediaVideo}, calls.media)
	assert.Zero(t, calls.joins)

	w = do(r, http.MethodPost, "/api/calls", initiateRequest{To: "carol@example.com", Join: "s1"}, cookies)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, calls.joins)
	assert.Equal(t, []domain.MediaType{domain.MediaAudio}, calls.media)

	w = do(r, http.MethodPost, "/api/calls", initiateRequest{To: "bob@example.com", Media: []string{"smell"}}, cookies)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/calls", initiateRequest{}, cookies)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallErrorsMapToStatus(t *testing.T) {
	r, calls, _, _ := setup(t)
	cookies := login(t, r)

	for err, status := range map[error]int{
		domain.ErrNotInRoster:     http.StatusUnprocessableEntity,
		domain.ErrNoJingleSupport: http.StatusUnprocessableEntity,
		domain.ErrBackpressure:    http.StatusServiceUnavailable,
		dispatch.ErrNoMedia:       http.StatusBadRequest,
	} {
		calls.err = err
		w := do(r, http.MethodPost, "/api/calls", initiateRequest{To: "bob@example.com"}, cookies)
		assert.Equal(t, status, w.Code, err.Error())
	}

	calls.err = domain.ErrUnknownSession
	w := do(r, http.MethodPost, "/api/calls/nope/answer", nil, cookies)
	assert.Equal(t, http.StatusNotFound, w.Code)

	calls.err = domain.ErrWrongState
	w = do(r, http.MethodPost, "/api/calls/s1/answer", nil, cookies)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAnswerAndHangup(t *testing.T) {
	r, calls, _, _ := setup(t)
	cookies := login(t, r)

	w := do(r, http.MethodPost, "/api/calls/s1/answer", nil, cookies)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []domain.SessionID{"s1"}, calls.answered)

	w = do(r, http.MethodDelete, "/api/calls/s1?reason=busy", nil, cookies)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, domain.HangupBusy, calls.hungup["s1"])

	w = do(r, http.MethodDelete, "/api/calls/s2", nil, cookies)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, domain.HangupNormal, calls.hungup["s2"])

	w = do(r, http.MethodDelete, "/api/calls/s1?reason=bored", nil, cookies)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAddContent(t *testing.T) {
	r, _, _, _ := setup(t)
	cookies := login(t, r)

	w := do(r, http.MethodPost, "/api/calls/s1/contents", contentRequest{Media: "video"}, cookies)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(r, http.MethodPost, "/api/calls/s1/contents", contentRequest{Media: "hologram"}, cookies)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStanzaBridgeNeedsSecret(t *testing.T) {
	r, _, up, _ := setup(t)

	w := do(r, http.MethodGet, "/api/ws/stanza", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, up.hits)

	req := httptest.NewRequest(http.MethodGet, "/api/ws/stanza", nil)
	req.Header.Set(bridgeHeader, "bridge-secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, 1, up.hits)
}

func TestEventLogKeepsRecent(t *testing.T) {
	r, _, _, events := setup(t)
	for i, typ := range []core.CallEventType{core.EventIncoming, core.EventConnecting, core.EventRinging, core.EventConnected, core.EventEnded} {
		events.Publish(core.CallEvent{Type: typ, SID: "s1", At: time.Unix(int64(i), 0)})
	}
	recent := events.Recent()
	require.Len(t, recent, 4)
	assert.Equal(t, core.EventConnecting, recent[0].Type)
	assert.Equal(t, core.EventEnded, recent[3].Type)

	w := do(r, http.MethodGet, "/api/events", nil, login(t, r))
	require.Equal(t, http.StatusOK, w.Code)
	var got []eventView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 4)
	assert.Equal(t, core.EventEnded, got[3].Type)
}
