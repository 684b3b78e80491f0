package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sidekick/internal/history"
	mng "github.com/loykin/sidekick/internal/manager"
	"github.com/loykin/sidekick/internal/rpc"
	"github.com/loykin/sidekick/internal/supervisor"
)

type fakeHost struct {
	mu          sync.Mutex
	cfg         supervisor.Config
	events      []supervisor.Event
	cleared     bool
	resets      int
	healthy     bool
	startErr    error
	calls       []string
	lastParams  any
	callResult  json.RawMessage
	callErr     error
	actions     []string
	history     []history.Event
	historyErr  error
	lastLimit   int
	statusState supervisor.ProcessState
	actionCtxs  []error
}

func newFakeHost() *fakeHost {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &fakeHost{
		cfg:         supervisor.DefaultConfig(),
		healthy:     true,
		callResult:  json.RawMessage(`{"tools":[]}`),
		statusState: supervisor.StateRunning,
		events: []supervisor.Event{
			supervisor.Started{PID: 42, At: at},
			supervisor.HealthCheckPassed{At: at.Add(time.Second)},
		},
	}
}

func (f *fakeHost) Status() mng.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	pid := 42
	return mng.Status{
		Worker:        "w",
		Command:       "node server.js",
		BridgeRunning: true,
		Stats: supervisor.Stats{
			State:  f.statusState,
			Health: supervisor.HealthHealthy,
			PID:    &pid,
			Events: f.events,
		},
	}
}

func (f *fakeHost) RecentEvents(limit int) []supervisor.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	if limit > 0 && limit < len(f.events) {
		return f.events[len(f.events)-limit:]
	}
	return f.events
}

func (f *fakeHost) ClearEvents() {
	f.mu.Lock()
	f.cleared = true
	f.events = nil
	f.mu.Unlock()
}

func (f *fakeHost) ResetRestartCount() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeHost) Config() supervisor.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *fakeHost) UpdateConfig(cfg supervisor.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
	return nil
}

func (f *fakeHost) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	f.lastParams = params
	return f.callResult, f.callErr
}

func (f *fakeHost) IsHealthy(context.Context) bool { return f.healthy }

func (f *fakeHost) action(ctx context.Context, name string, err error) error {
	f.mu.Lock()
	f.actions = append(f.actions, name)
	f.actionCtxs = append(f.actionCtxs, ctx.Err())
	f.mu.Unlock()
	return err
}

func (f *fakeHost) Start(ctx context.Context) error   { return f.action(ctx, "start", f.startErr) }
func (f *fakeHost) Stop(ctx context.Context) error    { return f.action(ctx, "stop", nil) }
func (f *fakeHost) Restart(ctx context.Context) error { return f.action(ctx, "restart", nil) }

func (f *fakeHost) History(_ context.Context, limit int) ([]history.Event, error) {
	f.lastLimit = limit
	return f.history, f.historyErr
}

func setupRouter(t *testing.T, base string, opts ...Option) (http.Handler, *fakeHost) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newFakeHost()
	return NewRouter(h, base, opts...).Handler(), h
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestStatus(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	st := decode[mng.Status](t, rec)
	assert.Equal(t, "w", st.Worker)
	assert.Equal(t, supervisor.StateRunning, st.State)
	assert.Equal(t, supervisor.HealthHealthy, st.Health)
	require.Len(t, st.Events, 2)
	assert.Equal(t, supervisor.KindStarted, st.Events[0].Kind())
}

func TestBasePathSanitized(t *testing.T) {
	h, _ := setupRouter(t, "ctl/")
	rec := doReq(t, h, http.MethodGet, "/ctl/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h, _ = setupRouter(t, "/")
	rec = doReq(t, h, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEvents(t *testing.T) {
	h, host := setupRouter(t, "")

	rec := doReq(t, h, http.MethodGet, "/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DefaultEventLimit, host.lastLimit)
	body := decode[struct {
		Events supervisor.Events `json:"events"`
	}](t, rec)
	assert.Len(t, body.Events, 2)

	rec = doReq(t, h, http.MethodGet, "/events?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[struct {
		Events supervisor.Events `json:"events"`
	}](t, rec)
	require.Len(t, body.Events, 1)
	assert.Equal(t, supervisor.KindHealthCheckPassed, body.Events[0].Kind())

	for _, bad := range []string{"/events?limit=-1", "/events?limit=x", "/events?source=disk"} {
		rec = doReq(t, h, http.MethodGet, bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	rec = doReq(t, h, http.MethodDelete, "/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, host.cleared)

	rec = doReq(t, h, http.MethodGet, "/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[]}`, rec.Body.String())
}

func TestEvents_History(t *testing.T) {
	h, host := setupRouter(t, "")
	pid := 7
	host.history = []history.Event{{Worker: "w", RunID: "r1", Type: "started", PID: &pid}}

	rec := doReq(t, h, http.MethodGet, "/events?source=history&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 5, host.lastLimit)
	body := decode[struct {
		Events []history.Event `json:"events"`
	}](t, rec)
	require.Len(t, body.Events, 1)
	assert.Equal(t, "r1", body.Events[0].RunID)

	host.historyErr = errors.New("db down")
	rec = doReq(t, h, http.MethodGet, "/events?source=history", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestResetRestarts(t *testing.T) {
	h, host := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/restarts/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, host.resets)
}

func TestConfigGetPut(t *testing.T) {
	h, host := setupRouter(t, "/api")

	rec := doReq(t, h, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"restart_delay_ms":2000`)

	rec = doReq(t, h, http.MethodPut, "/api/config", `{"max_restart_attempts":7,"restart_delay_ms":250}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cfg := host.Config()
	assert.Equal(t, uint32(7), cfg.MaxRestartAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RestartDelay)
	// fields not named keep their values
	assert.Equal(t, supervisor.DefaultConfig().HealthCheckInterval, cfg.HealthCheckInterval)

	rec = doReq(t, h, http.MethodPut, "/api/config", `{"health_check_interval_ms":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, uint32(7), host.Config().MaxRestartAttempts)

	rec = doReq(t, h, http.MethodPut, "/api/config", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCall(t *testing.T) {
	h, host := setupRouter(t, "")

	rec := doReq(t, h, http.MethodPost, "/call", `{"method":"tools/list","params":{"cursor":"a"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"result":{"tools":[]}}`, rec.Body.String())
	assert.Equal(t, []string{"tools/list"}, host.calls)
	raw, ok := host.lastParams.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"cursor":"a"}`, string(raw))

	rec = doReq(t, h, http.MethodPost, "/call", `{"method":"ping","params":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, host.lastParams)

	rec = doReq(t, h, http.MethodPost, "/call", `{"params":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCall_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&rpc.Error{Code: rpc.CodeMethodNotFound, Message: "method not found"}, http.StatusBadGateway},
		{fmt.Errorf("%w after 30s: x", rpc.ErrTimeout), http.StatusGatewayTimeout},
		{rpc.ErrNotRunning, http.StatusServiceUnavailable},
		{rpc.ErrCancelled, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: bad", rpc.ErrSerialization), http.StatusBadRequest},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h, host := setupRouter(t, "")
		host.callErr = tc.err
		rec := doReq(t, h, http.MethodPost, "/call", `{"method":"x"}`)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}

	h, host := setupRouter(t, "")
	host.callErr = &rpc.Error{Code: -32000, Message: "boom", Data: json.RawMessage(`{"k":1}`)}
	rec := doReq(t, h, http.MethodPost, "/call", `{"method":"x"}`)
	body := decode[errorResp](t, rec)
	require.NotNil(t, body.RPCError)
	assert.Equal(t, -32000, body.RPCError.Code)
	assert.JSONEq(t, `{"k":1}`, string(body.RPCError.Data))
}

func TestHealth(t *testing.T) {
	h, host := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"healthy":true,"state":"running","health":"healthy"}`, rec.Body.String())

	host.healthy = false
	rec = doReq(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLifecycle_IgnoresClientDisconnect(t *testing.T) {
	h, host := setupRouter(t, "/api")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/stop", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, host.actionCtxs, 1)
	assert.NoError(t, host.actionCtxs[0], "stop must not see the cancelled request context")
}

func TestLifecycle(t *testing.T) {
	h, host := setupRouter(t, "/api")
	for _, a := range []string{"start", "stop", "restart"} {
		rec := doReq(t, h, http.MethodPost, "/api/"+a, nil)
		require.Equal(t, http.StatusOK, rec.Code, a)
	}
	assert.Equal(t, []string{"start", "stop", "restart"}, host.actions)

	host.startErr = mng.ErrAlreadyRunning
	rec := doReq(t, h, http.MethodPost, "/api/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	host.startErr = mng.ErrNoWorker
	rec = doReq(t, h, http.MethodPost, "/api/start", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	host.startErr = errors.New("spawn failed")
	rec = doReq(t, h, http.MethodPost, "/api/start", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("sidekick_worker_starts_total 1\n"))
	})
	h, _ = setupRouter(t, "/api", WithMetrics(metrics))
	rec = doReq(t, h, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sidekick_worker_starts_total")
}
