package supervisor

import (
	"fmt"
	"sync"
	"time"
)

// DefaultHistoryLimit is the number of events retained when no limit is set.
const DefaultHistoryLimit = 100

// Supervisor tracks the lifecycle of a single worker and decides whether a
// restart is warranted. It never spawns or signals processes; the host feeds
// it facts through the On* methods and acts on ShouldRestart/BeginRestart.
//
// All methods are safe for concurrent use. Hooks run after the internal lock
// is released, in the order the mutations happened on the calling goroutine.
type Supervisor struct {
	mu  sync.RWMutex
	cfg Config

	state       ProcessState
	health      HealthStatus
	pid         *int
	startTime   *time.Time
	restarts    uint32
	failures    uint32
	lastCheck   *time.Time
	usage       *ResourceUsage
	events      *eventLog
	historySize int

	now          func() time.Time
	onEvent      []func(Event)
	onTransition []func(from, to ProcessState)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithHistoryLimit bounds the event history.
func WithHistoryLimit(n int) Option {
	return func(s *Supervisor) { s.historySize = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEventHook registers fn to observe every appended event.
func WithEventHook(fn func(Event)) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.onEvent = append(s.onEvent, fn)
		}
	}
}

// WithTransitionHook registers fn to observe state changes.
func WithTransitionHook(fn func(from, to ProcessState)) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.onTransition = append(s.onTransition, fn)
		}
	}
}

// New returns a supervisor in the Stopped state.
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		state:       StateStopped,
		health:      HealthUnknown,
		historySize: DefaultHistoryLimit,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.events = newEventLog(s.historySize)
	return s
}

// pending collects side effects produced under the lock.
type pending struct {
	events      []Event
	transitions [][2]ProcessState
}

func (s *Supervisor) emit(p *pending, e Event) {
	s.events.append(e)
	p.events = append(p.events, e)
}

func (s *Supervisor) setState(p *pending, to ProcessState) {
	if s.state == to {
		return
	}
	p.transitions = append(p.transitions, [2]ProcessState{s.state, to})
	s.state = to
}

func (s *Supervisor) dispatch(p pending) {
	for _, t := range p.transitions {
		for _, fn := range s.onTransition {
			fn(t[0], t[1])
		}
	}
	for _, e := range p.events {
		for _, fn := range s.onEvent {
			fn(e)
		}
	}
}

// OnProcessStarted records a successful spawn with the given pid.
func (s *Supervisor) OnProcessStarted(pid int) {
	var p pending
	s.mu.Lock()
	now := s.now()
	s.setState(&p, StateRunning)
	s.pid = &pid
	s.startTime = &now
	s.health = HealthUnknown
	s.failures = 0
	s.emit(&p, Started{PID: pid, At: now})
	s.mu.Unlock()
	s.dispatch(p)
}

// OnProcessStopped records an observed exit. A nil exitCode means the
// process ended without one (killed by a signal, lost handle) and is a crash
// like any non-zero code.
func (s *Supervisor) OnProcessStopped(exitCode *int) {
	var p pending
	s.mu.Lock()
	now := s.now()
	s.pid = nil
	s.startTime = nil
	s.health = HealthUnknown
	if exitCode != nil && *exitCode == 0 {
		s.setState(&p, StateStopped)
		s.emit(&p, Stopped{ExitCode: 0, At: now})
	} else {
		s.setState(&p, StateCrashed)
		s.restarts++
		reason := "process terminated without exit code"
		if exitCode != nil {
			reason = fmt.Sprintf("process exited with code %d", *exitCode)
		}
		s.emit(&p, Crashed{Error: reason, At: now})
	}
	s.mu.Unlock()
	s.dispatch(p)
}

// OnHealthCheckResult classifies one probe result. Failures below the
// configured maximum degrade the worker; reaching it marks it unhealthy.
func (s *Supervisor) OnHealthCheckResult(healthy bool, reason string) {
	var p pending
	s.mu.Lock()
	now := s.now()
	s.lastCheck = &now
	if healthy {
		s.failures = 0
		s.health = HealthHealthy
		s.emit(&p, HealthCheckPassed{At: now})
	} else {
		s.failures++
		if s.failures < s.cfg.MaxHealthCheckFailures {
			s.health = HealthDegraded
		} else {
			s.health = HealthUnhealthy
		}
		if reason == "" {
			reason = "health check failed"
		}
		s.emit(&p, HealthCheckFailed{Reason: reason, At: now})
	}
	s.mu.Unlock()
	s.dispatch(p)
}

// ShouldRestart reports whether the host should restart the worker now.
func (s *Supervisor) ShouldRestart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shouldRestartLocked()
}

func (s *Supervisor) shouldRestartLocked() bool {
	if !s.cfg.AutoRestartOnCrash || s.restarts >= s.cfg.MaxRestartAttempts {
		return false
	}
	return s.state == StateCrashed || s.health == HealthUnhealthy
}

// BeginRestart moves a crashed worker to Restarting once the host's restart
// delay has elapsed. It returns the attempt number and false when a restart
// is no longer warranted (operator stop, budget spent, config changed).
func (s *Supervisor) BeginRestart() (uint32, bool) {
	var p pending
	s.mu.Lock()
	if s.state != StateCrashed || !s.shouldRestartLocked() {
		s.mu.Unlock()
		return 0, false
	}
	attempt := s.restarts
	s.setState(&p, StateRestarting)
	s.emit(&p, Restarting{Attempt: attempt, MaxAttempts: s.cfg.MaxRestartAttempts, At: s.now()})
	s.mu.Unlock()
	s.dispatch(p)
	return attempt, true
}

// ResetRestartCount zeroes the restart counter without touching state or health.
func (s *Supervisor) ResetRestartCount() {
	s.mu.Lock()
	s.restarts = 0
	s.mu.Unlock()
}

// UpdateConfig replaces the policy; later decisions use it immediately.
func (s *Supervisor) UpdateConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Config returns the current policy.
func (s *Supervisor) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// RecordResourceUsage stores u as the latest sample and returns the alerts it
// raised. Thresholds are strict: a value equal to its threshold is fine.
func (s *Supervisor) RecordResourceUsage(u ResourceUsage) []ResourceAlert {
	var p pending
	var alerts []ResourceAlert
	s.mu.Lock()
	if u.Timestamp.IsZero() {
		u.Timestamp = s.now()
	}
	s.usage = &u
	if u.CPUPercent > s.cfg.CPUAlertThreshold {
		a := ResourceAlert{AlertType: AlertCPU, Value: u.CPUPercent, Threshold: s.cfg.CPUAlertThreshold, At: u.Timestamp}
		alerts = append(alerts, a)
		s.emit(&p, a)
	}
	if u.MemoryMB > s.cfg.MemoryAlertThreshold {
		a := ResourceAlert{AlertType: AlertMemory, Value: u.MemoryMB, Threshold: s.cfg.MemoryAlertThreshold, At: u.Timestamp}
		alerts = append(alerts, a)
		s.emit(&p, a)
	}
	s.mu.Unlock()
	s.dispatch(p)
	return alerts
}

// State returns the current lifecycle state.
func (s *Supervisor) State() ProcessState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Health returns the current health classification.
func (s *Supervisor) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

// Stats returns a snapshot; pointer fields are copies.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		State:               s.state,
		Health:              s.health,
		RestartCount:        s.restarts,
		HealthCheckFailures: s.failures,
		Events:              s.events.all(),
	}
	if s.pid != nil {
		pid := *s.pid
		st.PID = &pid
	}
	if s.startTime != nil {
		t := *s.startTime
		st.StartTime = &t
	}
	if s.lastCheck != nil {
		t := *s.lastCheck
		st.LastHealthCheck = &t
	}
	if s.usage != nil {
		u := *s.usage
		st.ResourceUsage = &u
	}
	st.RestartsExhausted = s.state == StateCrashed &&
		(!s.cfg.AutoRestartOnCrash || s.restarts >= s.cfg.MaxRestartAttempts)
	return st
}

// RecentEvents returns up to limit newest events in chronological order.
func (s *Supervisor) RecentEvents(limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events.recent(limit)
}

// EventCount returns the number of retained events.
func (s *Supervisor) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events.len()
}

// ClearEvents empties the history.
func (s *Supervisor) ClearEvents() {
	s.mu.Lock()
	s.events.clear()
	s.mu.Unlock()
}
