package manager

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/rpc"
	"github.com/loykin/sidekick/internal/supervisor"
)

// onEvent records metrics and exports every supervisor event. It runs on the
// goroutine that fed the supervisor, possibly with mu held.
func (m *Manager) onEvent(e supervisor.Event) {
	name := m.spec.Name
	switch v := e.(type) {
	case supervisor.Started:
		metrics.IncStart(name)
	case supervisor.Crashed:
		metrics.IncCrash(name)
		metrics.SetRestartCount(name, m.sup.Stats().RestartCount)
		m.log.Warn("worker crashed", "reason", v.Error)
	case supervisor.Restarting:
		metrics.IncRestart(name)
	case supervisor.HealthCheckPassed:
		metrics.IncHealthCheck(name, true)
	case supervisor.HealthCheckFailed:
		metrics.IncHealthCheck(name, false)
		m.log.Warn("health check failed", "reason", v.Reason)
	case supervisor.ResourceAlert:
		metrics.IncResourceAlert(name, v.AlertType)
	}
	metrics.SetHealth(name, m.sup.Health().String())
	if m.events != nil {
		m.events.Info("event", "type", string(e.Kind()), "run_id", m.RunID(), "detail", e)
	}

	if m.exporter == nil {
		return
	}
	ev, err := history.FromSupervisor(name, m.RunID(), e)
	if err != nil {
		m.log.Warn("history event encode failed", "error", err)
		return
	}
	if !m.exporter.Enqueue(ev) {
		m.log.Debug("history event dropped", "type", ev.Type)
	}
}

func (m *Manager) onTransition(from, to supervisor.ProcessState) {
	metrics.RecordStateTransition(m.spec.Name, from.String(), to.String())
	metrics.SetState(m.spec.Name, to.String())
	m.log.Debug("state transition", "from", from.String(), "to", to.String())
}

func (m *Manager) observeCall(method string, elapsed time.Duration, err error) {
	metrics.ObserveCall(m.spec.Name, method, callOutcome(err), elapsed.Seconds())
	metrics.SetPendingCalls(m.spec.Name, m.bridge.Pending())
}

// callOutcome maps a Call error to the rpc duration outcome label.
func callOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	if _, ok := rpc.IsRemote(err); ok {
		return "remote_error"
	}
	switch {
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, rpc.ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
