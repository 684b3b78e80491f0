package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api/"})
	require.NoError(t, err)
	return c
}

func TestStatusAndEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"worker":"w","command":"node s.js","state":"running","health":"healthy","pid":12,
			"restart_count":1,"events":[{"type":"started","pid":12,"at":"2024-01-02T03:04:05Z"}]}`)
	})
	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		if r.URL.Query().Get("source") == "history" {
			_, _ = io.WriteString(w, `{"events":[{"worker":"w","run_id":"r","type":"crashed","occurred_at":"2024-01-02T03:04:05Z"}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"events":[{"type":"crashed","error":"process exited with code 1","at":"2024-01-02T03:04:05Z"}]}`)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", st.State)
	require.NotNil(t, st.PID)
	assert.Equal(t, 12, *st.PID)
	require.Len(t, st.Events, 1)
	assert.Equal(t, "started", st.Events[0].Type)
	assert.Equal(t, 12, st.Events[0].PID)

	evs, err := c.Events(ctx, 3)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "process exited with code 1", evs[0].Error)

	hist, err := c.History(ctx, 3)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "r", hist[0].RunID)

	assert.True(t, c.IsReachable(ctx))
}

func TestCall(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/call", func(w http.ResponseWriter, r *http.Request) {
		var req CallRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "echo":
			_, _ = w.Write([]byte(`{"result":` + string(req.Params) + `}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"error":"rpc error -32601: method not found","rpc_error":{"code":-32601,"message":"method not found"}}`)
		}
	})
	c := newTestClient(t, mux)

	res, err := c.Call(context.Background(), "echo", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(res))

	res, err = c.Call(context.Background(), "echo", json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(res))

	_, err = c.Call(context.Background(), "missing", nil)
	require.Error(t, err)
	re, ok := IsRPCError(err)
	require.True(t, ok)
	assert.Equal(t, -32601, re.Code)
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadGateway, ae.StatusCode)
}

func TestLifecycleAndConfig(t *testing.T) {
	var hits []string
	mux := http.NewServeMux()
	for _, p := range []string{"POST /api/start", "POST /api/stop", "POST /api/restart", "POST /api/restarts/reset", "DELETE /api/events"} {
		pattern := p
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			hits = append(hits, pattern)
			_, _ = io.WriteString(w, `{"ok":true}`)
		})
	}
	mux.HandleFunc("GET /api/config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"max_restart_attempts":3,"restart_delay_ms":2000}`)
	})
	mux.HandleFunc("PUT /api/config", func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
		if _, ok := patch["health_check_interval_ms"]; ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"health_check_interval must be positive"}`)
			return
		}
		_, _ = io.WriteString(w, `{"max_restart_attempts":5,"restart_delay_ms":2000}`)
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"healthy":false,"state":"crashed","health":"unknown"}`)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Restart(ctx))
	require.NoError(t, c.ResetRestarts(ctx))
	require.NoError(t, c.ClearEvents(ctx))
	assert.Len(t, hits, 5)

	cfg, err := c.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), cfg.RestartDelayMS)

	cfg, err = c.UpdateConfig(ctx, ConfigPatch{"max_restart_attempts": 5})
	require.NoError(t, err)
	assert.Equal(t, uint32(5), cfg.MaxRestartAttempts)

	_, err = c.UpdateConfig(ctx, ConfigPatch{"health_check_interval_ms": 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Equal(t, "crashed", h.State)
}

func TestErrorWithoutBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t, mux)
	err := c.Start(context.Background())
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "HTTP 500", ae.Error())
}

func TestNew_TLSErrors(t *testing.T) {
	_, err := New(Config{TLS: &TLSClientConfig{CACert: "/does/not/exist"}})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	_, err = New(Config{TLS: &TLSClientConfig{CACert: bad}})
	assert.Error(t, err)

	c, err := New(Config{Insecure: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := New(Config{BaseURL: url})
	require.NoError(t, err)
	assert.False(t, c.IsReachable(context.Background()))
	_, err = c.Status(context.Background())
	assert.Error(t, err)
}
