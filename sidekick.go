package sidekick

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sidekick/internal/config"
	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/history/factory"
	"github.com/loykin/sidekick/internal/manager"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/rpc"
	"github.com/loykin/sidekick/internal/server"
	"github.com/loykin/sidekick/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Options = manager.Options

type Config = config.Config

type SupervisorConfig = supervisor.Config

type Stats = supervisor.Stats

type Event = supervisor.Event

type State = supervisor.ProcessState

type Health = supervisor.HealthStatus

type Status = manager.Status

type HistoryEvent = history.Event

type RPCError = rpc.Error

type RPCOption = rpc.Option

type HandlerOption = server.Option

var (
	ErrNoWorker       = manager.ErrNoWorker
	ErrAlreadyRunning = manager.ErrAlreadyRunning
	ErrNotReady       = manager.ErrNotReady
	ErrClosed         = manager.ErrClosed
	ErrNotRunning     = rpc.ErrNotRunning
	ErrTimeout        = rpc.ErrTimeout
	ErrCancelled      = rpc.ErrCancelled
	ErrSerialization  = rpc.ErrSerialization
)

var (
	WithCallTimeout  = rpc.WithTimeout
	WithHealthMethod = rpc.WithHealthMethod
	WithHealthProbe  = rpc.WithHealthProbe

	WithHandlerLogger = server.WithLogger
	WithMetricsRoute  = server.WithMetrics
)

// Sidekick is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Sidekick struct{ inner *manager.Manager }

func New(o Options) (*Sidekick, error) {
	m, err := manager.New(o)
	if err != nil {
		return nil, err
	}
	return &Sidekick{inner: m}, nil
}

// NewFromConfig builds a Sidekick from a loaded config: worker env and env
// files, rpc settings and history sinks. log may be nil.
func NewFromConfig(c *Config, log *slog.Logger) (*Sidekick, error) {
	if log == nil {
		log = slog.Default()
	}
	env, err := c.WorkerEnv()
	if err != nil {
		return nil, err
	}
	var exporter *history.Exporter
	if c.History.Enabled {
		sinks, err := factory.NewSinksFromDSNs(c.History.Sinks)
		if err != nil {
			return nil, fmt.Errorf("history sinks: %w", err)
		}
		exporter = history.NewExporter(log, c.History.QueueSize, sinks...)
	}
	sk, err := New(Options{
		Spec:       c.Spec(),
		Supervisor: c.Supervisor,
		Env:        env,
		Log:        c.Log,
		Logger:     log,
		Exporter:   exporter,
		Bridge: []rpc.Option{
			rpc.WithTimeout(c.RPC.Timeout),
			rpc.WithHealthMethod(c.RPC.HealthMethod),
		},
	})
	if err != nil && exporter != nil {
		_ = exporter.Close()
	}
	return sk, err
}

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() Config { return config.Default() }

func DefaultSupervisorConfig() SupervisorConfig { return supervisor.DefaultConfig() }

func (s *Sidekick) Name() string                      { return s.inner.Name() }
func (s *Sidekick) Start(ctx context.Context) error   { return s.inner.Start(ctx) }
func (s *Sidekick) Stop(ctx context.Context) error    { return s.inner.Stop(ctx) }
func (s *Sidekick) Restart(ctx context.Context) error { return s.inner.Restart(ctx) }
func (s *Sidekick) Close(ctx context.Context) error   { return s.inner.Close(ctx) }
func (s *Sidekick) Running() bool                     { return s.inner.Running() }
func (s *Sidekick) WaitForReady(ctx context.Context, timeout time.Duration) error {
	return s.inner.WaitForReady(ctx, timeout)
}
func (s *Sidekick) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.inner.Call(ctx, method, params)
}
func (s *Sidekick) Notify(ctx context.Context, method string, params any) error {
	return s.inner.Notify(ctx, method, params)
}
// OnNotification registers h for notifications the worker sends.
func (s *Sidekick) OnNotification(method string, h func(params json.RawMessage)) {
	s.inner.OnNotification(method, h)
}
func (s *Sidekick) IsHealthy(ctx context.Context) bool { return s.inner.IsHealthy(ctx) }
func (s *Sidekick) Status() Status                     { return s.inner.Status() }
func (s *Sidekick) Stats() Stats                       { return s.inner.Stats() }
func (s *Sidekick) State() State                       { return s.inner.State() }
func (s *Sidekick) Health() Health                     { return s.inner.Health() }
func (s *Sidekick) RecentEvents(limit int) []Event     { return s.inner.RecentEvents(limit) }
func (s *Sidekick) ClearEvents()                       { s.inner.ClearEvents() }
func (s *Sidekick) ResetRestartCount()                 { s.inner.ResetRestartCount() }
func (s *Sidekick) Config() SupervisorConfig           { return s.inner.Config() }
func (s *Sidekick) UpdateConfig(c SupervisorConfig) error {
	return s.inner.UpdateConfig(c)
}
func (s *Sidekick) History(ctx context.Context, limit int) ([]HistoryEvent, error) {
	return s.inner.History(ctx, limit)
}

// Handler returns the control API mounted under basePath, ready to be served
// directly or wrapped by gin, echo or a ServeMux.
func (s *Sidekick) Handler(basePath string, opts ...HandlerOption) http.Handler {
	return server.NewRouter(s.inner, basePath, opts...).Handler()
}

// IsRPCError reports whether err carries an error object from the worker.
func IsRPCError(err error) (*RPCError, bool) { return rpc.IsRemote(err) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
