package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/sidekick/internal/env"
	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/logger"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/rpc"
	"github.com/loykin/sidekick/internal/supervisor"
)

var (
	// ErrNoWorker is returned when there is no command to start.
	ErrNoWorker = errors.New("no worker configured")
	// ErrAlreadyRunning is returned by Start while a worker is alive.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrNotReady is returned by WaitForReady when the deadline passes.
	ErrNotReady = errors.New("worker not ready")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("manager closed")
)

// readyPoll is the WaitForReady probe cadence.
const readyPoll = 200 * time.Millisecond

// Options wires a Manager. Only Spec is required; nil collaborators fall back
// to real OS processes, gopsutil sampling and slog.Default.
type Options struct {
	Spec         process.Spec
	Supervisor   supervisor.Config
	Env          *env.Env
	Log          logger.Config
	Logger       *slog.Logger
	Spawner      process.Spawner
	Sampler      metrics.Sampler
	Exporter     *history.Exporter
	HistoryLimit int
	Bridge       []rpc.Option
}

// Manager hosts one worker: it spawns it, wires its stdio to the JSON-RPC
// bridge, drives the supervisor with observed facts and acts on its restart
// decisions.
//
// Lock order: mu, then the supervisor's and bridge's own locks. Supervisor
// hooks run with mu held and must not take it.
type Manager struct {
	mu     sync.Mutex
	spec   process.Spec
	env    *env.Env
	log    *slog.Logger
	logs   logger.Config
	events *slog.Logger // per-worker JSON event log, nil without log.file.dir

	spawner  process.Spawner
	sampler  metrics.Sampler
	exporter *history.Exporter

	sup    *supervisor.Supervisor
	bridge *rpc.Bridge

	worker     process.Worker
	cancel     context.CancelFunc
	stderr     io.Closer
	stopping   process.Worker // operator stop in progress
	terminated process.Worker // killed for failing health checks
	restart    *time.Timer
	restartSeq uint64
	closed     bool

	runID atomic.Value // string
}

// New builds a Manager in the Stopped state.
func New(o Options) (*Manager, error) {
	if err := o.Supervisor.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor config: %w", err)
	}
	if o.Spec.Name == "" {
		o.Spec.Name = "worker"
	}
	if !process.IsSafeName(o.Spec.Name) {
		return nil, fmt.Errorf("invalid worker name %q", o.Spec.Name)
	}
	m := &Manager{
		spec:     o.Spec,
		env:      o.Env,
		logs:     o.Log,
		log:      o.Logger,
		spawner:  o.Spawner,
		sampler:  o.Sampler,
		exporter: o.Exporter,
	}
	if m.env == nil {
		m.env = env.New(true)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("worker", m.spec.Name)
	if m.spawner == nil {
		m.spawner = process.ExecSpawner{}
	}
	if m.sampler == nil {
		m.sampler = metrics.NewProcSampler()
	}
	m.runID.Store("")
	m.events = o.Log.NewProcessLogger(m.spec.Name)

	supOpts := []supervisor.Option{
		supervisor.WithEventHook(m.onEvent),
		supervisor.WithTransitionHook(m.onTransition),
	}
	if o.HistoryLimit > 0 {
		supOpts = append(supOpts, supervisor.WithHistoryLimit(o.HistoryLimit))
	}
	m.sup = supervisor.New(o.Supervisor, supOpts...)

	bridgeOpts := append([]rpc.Option{rpc.WithLogger(m.log)}, o.Bridge...)
	bridgeOpts = append(bridgeOpts, rpc.WithCallObserver(m.observeCall))
	m.bridge = rpc.NewBridge(bridgeOpts...)

	metrics.SetState(m.spec.Name, supervisor.StateStopped.String())
	metrics.SetHealth(m.spec.Name, supervisor.HealthUnknown.String())
	return m, nil
}

// Name returns the worker name.
func (m *Manager) Name() string { return m.spec.Name }

// Spec returns the launch spec.
func (m *Manager) Spec() process.Spec { return m.spec }

// Bridge exposes the JSON-RPC bridge, e.g. to register notification handlers.
func (m *Manager) Bridge() *rpc.Bridge { return m.bridge }

// RunID identifies the current (or last) spawn; empty before the first one.
func (m *Manager) RunID() string { return m.runID.Load().(string) }

// Start spawns the worker. It fails with ErrAlreadyRunning when a worker is
// alive and ErrNoWorker when no command is configured.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.worker != nil {
		return ErrAlreadyRunning
	}
	if m.spec.Command == "" {
		return ErrNoWorker
	}
	m.cancelRestartLocked()
	return m.spawnLocked(ctx)
}

// spawnLocked launches the worker and starts its loops. mu must be held.
func (m *Manager) spawnLocked(ctx context.Context) error {
	if err := m.spec.Validate(); err != nil {
		return err
	}
	stdoutLog, stderrLog, err := m.logs.ProcessWriters(m.spec.Name)
	if err != nil {
		m.log.Warn("worker log files unavailable", "error", err)
	}
	if stdoutLog != nil {
		// stdout carries the protocol and is never teed
		_ = stdoutLog.Close()
	}
	lw := logger.NewLineWriter(m.log, "worker stderr", stderrLog)

	w, err := m.spawner.Spawn(ctx, m.spec, m.env.Merge(m.spec.Env), lw)
	if err != nil {
		_ = lw.Close()
		return fmt.Errorf("spawn %s: %w", m.spec.Name, err)
	}

	runID := uuid.NewString()
	m.runID.Store(runID)
	m.worker = w
	m.stderr = lw
	m.bridge.Attach(w.Stdin(), w.Stdout())
	if err := process.WritePIDFile(m.spec.PIDFile, w.PID(), m.spec); err != nil {
		m.log.Warn("write pid file failed", "path", m.spec.PIDFile, "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.log.Info("worker started", "pid", w.PID(), "run_id", runID)
	m.sup.OnProcessStarted(w.PID())

	go m.waitExit(w)
	go m.healthLoop(runCtx, w)
	go m.resourceLoop(runCtx, w)
	return nil
}

// releaseLocked detaches w if it is still the current worker. It reports
// whether it did.
func (m *Manager) releaseLocked(w process.Worker) bool {
	if w == nil || m.worker != w {
		return false
	}
	m.worker = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.bridge.Stop()
	if m.stderr != nil {
		_ = m.stderr.Close()
		m.stderr = nil
	}
	if err := process.RemovePIDFile(m.spec.PIDFile); err != nil {
		m.log.Warn("remove pid file failed", "path", m.spec.PIDFile, "error", err)
	}
	metrics.SetPendingCalls(m.spec.Name, 0)
	return true
}

// Stop stops the worker: the bridge first, then stdin is closed and the
// process group gets SIGTERM, escalating to SIGKILL after the graceful
// shutdown timeout. An operator stop is recorded as a clean exit and never
// triggers an automatic restart. Cancelling ctx kills the worker at once.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.cancelRestartLocked()
	w := m.worker
	if w == nil {
		m.mu.Unlock()
		return nil
	}
	m.stopping = w
	grace := m.sup.Config().GracefulShutdownTimeout
	m.mu.Unlock()

	m.bridge.Stop()
	errc := make(chan error, 1)
	go func() { errc <- w.Stop(grace) }()
	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		_ = w.Kill()
		err = ctx.Err()
	}

	m.mu.Lock()
	if m.releaseLocked(w) {
		zero := 0
		m.sup.OnProcessStopped(&zero)
	}
	if m.stopping == w {
		m.stopping = nil
	}
	m.mu.Unlock()
	m.log.Info("worker stopped")
	return err
}

// Restart stops the worker if it is running and starts it again.
func (m *Manager) Restart(ctx context.Context) error {
	if m.spec.Command == "" {
		return ErrNoWorker
	}
	if err := m.Stop(ctx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return m.Start(ctx)
}

// Close stops the worker, disables further starts and flushes the history
// exporter.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Stop(ctx)
	m.mu.Lock()
	m.closed = true
	m.cancelRestartLocked()
	m.mu.Unlock()
	metrics.ResetWorker(m.spec.Name)
	if m.exporter != nil {
		if cerr := m.exporter.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Running reports whether a worker process is attached.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worker != nil
}

// WaitForReady polls the health probe every 200ms until it succeeds or
// timeout elapses.
func (m *Manager) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(readyPoll)
	defer ticker.Stop()
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w after %s", ErrNotReady, timeout)
		}
		pctx, cancel := context.WithTimeout(ctx, remaining)
		ok := m.bridge.IsHealthy(pctx)
		cancel()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Call sends a JSON-RPC request to the worker.
func (m *Manager) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return m.bridge.Call(ctx, method, params)
}

// Notify sends a JSON-RPC notification to the worker.
func (m *Manager) Notify(ctx context.Context, method string, params any) error {
	return m.bridge.Notify(ctx, method, params)
}

// OnNotification registers h for notifications the worker sends.
func (m *Manager) OnNotification(method string, h rpc.NotificationHandler) {
	m.bridge.OnNotification(method, h)
}

// IsHealthy probes the worker once, bounded by the health check timeout.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.sup.Config().HealthCheckTimeout)
	defer cancel()
	return m.bridge.IsHealthy(ctx)
}

// Status is the supervisor snapshot plus host-side details.
type Status struct {
	Worker        string `json:"worker"`
	Command       string `json:"command"`
	RunID         string `json:"run_id,omitempty"`
	BridgeRunning bool   `json:"bridge_running"`
	PendingCalls  int    `json:"pending_calls"`
	supervisor.Stats
}

// Status returns the current supervisor and bridge snapshot.
func (m *Manager) Status() Status {
	return Status{
		Worker:        m.spec.Name,
		Command:       m.spec.Command,
		RunID:         m.RunID(),
		BridgeRunning: m.bridge.IsRunning(),
		PendingCalls:  m.bridge.Pending(),
		Stats:         m.sup.Stats(),
	}
}

// Stats returns the supervisor snapshot.
func (m *Manager) Stats() supervisor.Stats { return m.sup.Stats() }

// State returns the lifecycle state.
func (m *Manager) State() supervisor.ProcessState { return m.sup.State() }

// Health returns the last health verdict.
func (m *Manager) Health() supervisor.HealthStatus { return m.sup.Health() }

// RecentEvents returns up to limit events from the in-memory ring, oldest first.
func (m *Manager) RecentEvents(limit int) []supervisor.Event { return m.sup.RecentEvents(limit) }

// ClearEvents empties the in-memory event ring.
func (m *Manager) ClearEvents() { m.sup.ClearEvents() }

// ResetRestartCount restores the full crash restart budget.
func (m *Manager) ResetRestartCount() {
	m.sup.ResetRestartCount()
	metrics.SetRestartCount(m.spec.Name, 0)
}

// Config returns the active supervisor policy.
func (m *Manager) Config() supervisor.Config { return m.sup.Config() }

// UpdateConfig validates and applies a new policy. Running loops pick up
// new intervals on their next tick.
func (m *Manager) UpdateConfig(cfg supervisor.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.sup.UpdateConfig(cfg)
	m.log.Info("supervisor config updated")
	return nil
}

// History returns up to limit persisted events for this worker from the
// first queryable sink. It returns nil when no sink supports queries.
func (m *Manager) History(ctx context.Context, limit int) ([]history.Event, error) {
	if m.exporter == nil {
		return nil, nil
	}
	readers := m.exporter.Readers()
	if len(readers) == 0 {
		return nil, nil
	}
	return readers[0].Recent(ctx, m.spec.Name, limit)
}
