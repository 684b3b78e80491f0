package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sidekick/internal/history"
	mng "github.com/loykin/sidekick/internal/manager"
	"github.com/loykin/sidekick/internal/rpc"
	"github.com/loykin/sidekick/internal/supervisor"
)

// DefaultEventLimit is used by GET /events without a limit.
const DefaultEventLimit = 50

// Host is the part of the manager the control API drives.
type Host interface {
	Status() mng.Status
	RecentEvents(limit int) []supervisor.Event
	ClearEvents()
	ResetRestartCount()
	Config() supervisor.Config
	UpdateConfig(cfg supervisor.Config) error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	IsHealthy(ctx context.Context) bool
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	History(ctx context.Context, limit int) ([]history.Event, error)
}

// Router provides embeddable HTTP handlers for the worker under basePath:
//
//	GET    /status
//	GET    /events?limit=N[&source=history]
//	DELETE /events
//	POST   /restarts/reset
//	GET    /config
//	PUT    /config            body: partial supervisor config, durations in ms
//	POST   /call              body: {"method": "...", "params": ...}
//	GET    /health
//	POST   /start, /stop, /restart
//	GET    /metrics           when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	host     Host
	basePath string
	log      *slog.Logger
	metrics  http.Handler
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics serves h at {basePath}/metrics.
func WithMetrics(h http.Handler) Option {
	return func(r *Router) { r.metrics = h }
}

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/status, /api/call, ...
func NewRouter(host Host, basePath string, opts ...Option) *Router {
	r := &Router{host: host, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/events", r.handleEvents)
	group.DELETE("/events", r.handleClearEvents)
	group.POST("/restarts/reset", r.handleResetRestarts)
	group.GET("/config", r.handleGetConfig)
	group.PUT("/config", r.handlePutConfig)
	group.POST("/call", r.handleCall)
	group.GET("/health", r.handleHealth)
	group.POST("/start", r.lifecycle("start", r.host.Start))
	group.POST("/stop", r.lifecycle("stop", r.host.Stop))
	group.POST("/restart", r.lifecycle("restart", r.host.Restart))
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

func (r *Router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Handlers ---

type errorResp struct {
	Error    string     `json:"error"`
	RPCError *rpc.Error `json:"rpc_error,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type eventsResp struct {
	Events supervisor.Events `json:"events"`
}

type historyResp struct {
	Events []history.Event `json:"events"`
}

type callReq struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type callResp struct {
	Result json.RawMessage `json:"result"`
}

type healthResp struct {
	Healthy bool                    `json:"healthy"`
	State   supervisor.ProcessState `json:"state"`
	Health  supervisor.HealthStatus `json:"health"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.host.Status())
}

func (r *Router) handleEvents(c *gin.Context) {
	limit := DefaultEventLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	switch c.DefaultQuery("source", "memory") {
	case "memory":
		events := r.host.RecentEvents(limit)
		if events == nil {
			events = []supervisor.Event{}
		}
		writeJSON(c, http.StatusOK, eventsResp{Events: events})
	case "history":
		events, err := r.host.History(c.Request.Context(), limit)
		if err != nil {
			writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
			return
		}
		if events == nil {
			events = []history.Event{}
		}
		writeJSON(c, http.StatusOK, historyResp{Events: events})
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "source must be memory or history"})
	}
}

func (r *Router) handleClearEvents(c *gin.Context) {
	r.host.ClearEvents()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleResetRestarts(c *gin.Context) {
	r.host.ResetRestartCount()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleGetConfig(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.host.Config())
}

func (r *Router) handlePutConfig(c *gin.Context) {
	cfg := r.host.Config()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.host.UpdateConfig(cfg); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.host.Config())
}

func (r *Router) handleCall(c *gin.Context) {
	var req callReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Method == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "method required"})
		return
	}
	var params any
	if len(req.Params) > 0 && string(req.Params) != "null" {
		params = req.Params
	}
	res, err := r.host.Call(c.Request.Context(), req.Method, params)
	if err != nil {
		code, body := callError(err)
		writeJSON(c, code, body)
		return
	}
	if res == nil {
		res = json.RawMessage("null")
	}
	writeJSON(c, http.StatusOK, callResp{Result: res})
}

// callError maps bridge errors to HTTP statuses.
func callError(err error) (int, errorResp) {
	if re, ok := rpc.IsRemote(err); ok {
		return http.StatusBadGateway, errorResp{Error: err.Error(), RPCError: re}
	}
	switch {
	case errors.Is(err, rpc.ErrSerialization):
		return http.StatusBadRequest, errorResp{Error: err.Error()}
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorResp{Error: err.Error()}
	case errors.Is(err, rpc.ErrNotRunning), errors.Is(err, rpc.ErrCancelled):
		return http.StatusServiceUnavailable, errorResp{Error: err.Error()}
	default:
		return http.StatusInternalServerError, errorResp{Error: err.Error()}
	}
}

func (r *Router) handleHealth(c *gin.Context) {
	healthy := r.host.IsHealthy(c.Request.Context())
	st := r.host.Status()
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, healthResp{Healthy: healthy, State: st.State, Health: st.Health})
}

func (r *Router) lifecycle(action string, fn func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		// lifecycle actions outlive the request
		if err := fn(context.WithoutCancel(c.Request.Context())); err != nil {
			r.log.Warn("lifecycle request failed", "action", action, "error", err)
			writeJSON(c, lifecycleStatus(err), errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func lifecycleStatus(err error) int {
	switch {
	case errors.Is(err, mng.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, mng.ErrNoWorker):
		return http.StatusBadRequest
	case errors.Is(err, mng.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
