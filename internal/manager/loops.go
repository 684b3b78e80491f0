package manager

import (
	"context"
	"time"

	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/supervisor"
)

// waitExit reaps w and feeds the exit into the supervisor unless the exit
// was requested by the operator.
func (m *Manager) waitExit(w process.Worker) {
	code, err := w.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	requested := m.stopping == w
	terminated := m.terminated == w
	if terminated {
		m.terminated = nil
	}
	if !m.releaseLocked(w) {
		return
	}
	if requested {
		// a start may follow before Stop resumes; the stop is recorded here
		zero := 0
		m.sup.OnProcessStopped(&zero)
		return
	}

	if err != nil {
		m.log.Warn("wait for worker failed", "error", err)
	}
	if terminated {
		// a worker killed for failing health checks is a crash whatever it
		// exited with
		code = nil
	}
	attrs := []any{"run_id", m.RunID()}
	if code != nil {
		attrs = append(attrs, "exit_code", *code)
	}
	m.log.Info("worker exited", attrs...)
	m.sup.OnProcessStopped(code)
	m.scheduleRestartLocked()
}

// scheduleRestartLocked arms the restart timer when the supervisor wants
// one. mu must be held.
func (m *Manager) scheduleRestartLocked() {
	if !m.sup.ShouldRestart() {
		if m.sup.State() == supervisor.StateCrashed {
			m.log.Warn("worker crashed, not restarting", "restart_count", m.sup.Stats().RestartCount)
		}
		return
	}
	if m.closed || m.restart != nil || m.worker != nil {
		return
	}
	delay := m.sup.Config().RestartDelay
	m.restartSeq++
	seq := m.restartSeq
	m.log.Info("restart scheduled", "delay", delay)
	m.restart = time.AfterFunc(delay, func() { m.restartNow(seq) })
}

func (m *Manager) cancelRestartLocked() {
	if m.restart != nil {
		m.restart.Stop()
		m.restart = nil
	}
}

func (m *Manager) restartNow(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restart == nil || m.restartSeq != seq {
		// cancelled by an operator action
		return
	}
	m.restart = nil
	if m.closed || m.worker != nil {
		return
	}
	attempt, ok := m.sup.BeginRestart()
	if !ok {
		return
	}
	m.log.Info("restarting worker", "attempt", attempt)
	if err := m.spawnLocked(context.Background()); err != nil {
		m.log.Error("restart failed", "attempt", attempt, "error", err)
		m.sup.OnProcessStopped(nil)
		m.scheduleRestartLocked()
	}
}

// healthLoop probes the worker every HealthCheckInterval until ctx ends.
func (m *Manager) healthLoop(ctx context.Context, w process.Worker) {
	for {
		t := time.NewTimer(m.sup.Config().HealthCheckInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		m.checkHealth(ctx, w)
	}
}

func (m *Manager) checkHealth(ctx context.Context, w process.Worker) {
	cfg := m.sup.Config()
	pctx, cancel := context.WithTimeout(ctx, cfg.HealthCheckTimeout)
	healthy := m.bridge.IsHealthy(pctx)
	cancel()
	if ctx.Err() != nil {
		// the run ended while probing
		return
	}
	reason := ""
	if !healthy {
		reason = "health probe failed"
	}
	m.sup.OnHealthCheckResult(healthy, reason)

	if m.sup.Health() != supervisor.HealthUnhealthy || !m.sup.ShouldRestart() {
		return
	}
	m.mu.Lock()
	if m.worker != w || m.terminated == w {
		m.mu.Unlock()
		return
	}
	m.terminated = w
	m.mu.Unlock()
	m.log.Warn("terminating unhealthy worker", "pid", w.PID())
	go func() {
		if err := w.Stop(cfg.GracefulShutdownTimeout); err != nil {
			m.log.Warn("terminate unhealthy worker failed", "error", err)
		}
	}()
}

// resourceLoop samples the worker every ResourceMonitorInterval until ctx
// ends.
func (m *Manager) resourceLoop(ctx context.Context, w process.Worker) {
	for {
		t := time.NewTimer(m.sup.Config().ResourceMonitorInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		m.sampleResources(ctx, w)
	}
}

func (m *Manager) sampleResources(ctx context.Context, w process.Worker) {
	u, err := m.sampler.Sample(ctx, w.PID())
	if err != nil {
		if ctx.Err() == nil {
			m.log.Debug("resource sample failed", "pid", w.PID(), "error", err)
		}
		return
	}
	metrics.SetResourceUsage(m.spec.Name, u.CPUPercent, u.MemoryMB)
	for _, a := range m.sup.RecordResourceUsage(u) {
		m.log.Warn("resource alert", "type", a.AlertType, "value", a.Value, "threshold", a.Threshold)
	}
}
