package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// ProcessState is the lifecycle state of the supervised worker.
type ProcessState int32

const (
	StateStopped ProcessState = iota
	StateRunning
	StateCrashed
	StateRestarting
)

func (s ProcessState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

func (s ProcessState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ProcessState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*s = StateStopped
	case "running":
		*s = StateRunning
	case "crashed":
		*s = StateCrashed
	case "restarting":
		*s = StateRestarting
	default:
		return fmt.Errorf("unknown process state %q", string(b))
	}
	return nil
}

// HealthStatus is the classification of recent health probe results.
type HealthStatus int32

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (h HealthStatus) String() string {
	switch h {
	case HealthUnknown:
		return "unknown"
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "invalid"
	}
}

func (h HealthStatus) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *HealthStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unknown":
		*h = HealthUnknown
	case "healthy":
		*h = HealthHealthy
	case "degraded":
		*h = HealthDegraded
	case "unhealthy":
		*h = HealthUnhealthy
	default:
		return fmt.Errorf("unknown health status %q", string(b))
	}
	return nil
}

// Config is the restart, health and resource policy. A Supervisor holds an
// immutable copy that is replaced as a whole by UpdateConfig.
type Config struct {
	MaxRestartAttempts      uint32        `json:"max_restart_attempts" mapstructure:"max_restart_attempts"`
	RestartDelay            time.Duration `json:"restart_delay" mapstructure:"restart_delay"`
	HealthCheckInterval     time.Duration `json:"health_check_interval" mapstructure:"health_check_interval"`
	HealthCheckTimeout      time.Duration `json:"health_check_timeout" mapstructure:"health_check_timeout"`
	MaxHealthCheckFailures  uint32        `json:"max_health_check_failures" mapstructure:"max_health_check_failures"`
	ResourceMonitorInterval time.Duration `json:"resource_monitor_interval" mapstructure:"resource_monitor_interval"`
	CPUAlertThreshold       float64       `json:"cpu_alert_threshold" mapstructure:"cpu_alert_threshold"`
	MemoryAlertThreshold    float64       `json:"memory_alert_threshold" mapstructure:"memory_alert_threshold"`
	AutoRestartOnCrash      bool          `json:"auto_restart_on_crash" mapstructure:"auto_restart_on_crash"`
	GracefulShutdownTimeout time.Duration `json:"graceful_shutdown_timeout" mapstructure:"graceful_shutdown_timeout"`
}

// DefaultConfig returns production cadences: 3 restarts 2s apart, a health
// probe every 30s and a resource sample every 10s.
func DefaultConfig() Config {
	return Config{
		MaxRestartAttempts:      3,
		RestartDelay:            2 * time.Second,
		HealthCheckInterval:     30 * time.Second,
		HealthCheckTimeout:      5 * time.Second,
		MaxHealthCheckFailures:  3,
		ResourceMonitorInterval: 10 * time.Second,
		CPUAlertThreshold:       80.0,
		MemoryAlertThreshold:    500.0,
		AutoRestartOnCrash:      true,
		GracefulShutdownTimeout: 5 * time.Second,
	}
}

// Validate reports the first setting that cannot drive the host's timers.
func (c Config) Validate() error {
	switch {
	case c.RestartDelay < 0:
		return errors.New("restart_delay must not be negative")
	case c.HealthCheckInterval <= 0:
		return errors.New("health_check_interval must be positive")
	case c.HealthCheckTimeout <= 0:
		return errors.New("health_check_timeout must be positive")
	case c.ResourceMonitorInterval <= 0:
		return errors.New("resource_monitor_interval must be positive")
	case c.GracefulShutdownTimeout < 0:
		return errors.New("graceful_shutdown_timeout must not be negative")
	case c.CPUAlertThreshold < 0:
		return errors.New("cpu_alert_threshold must not be negative")
	case c.MemoryAlertThreshold < 0:
		return errors.New("memory_alert_threshold must not be negative")
	}
	return nil
}

// ResourceUsage is a point-in-time sample of the worker's consumption.
type ResourceUsage struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// Stats is a consistent snapshot of the supervisor.
type Stats struct {
	State               ProcessState   `json:"state"`
	Health              HealthStatus   `json:"health"`
	PID                 *int           `json:"pid,omitempty"`
	StartTime           *time.Time     `json:"start_time,omitempty"`
	RestartCount        uint32         `json:"restart_count"`
	HealthCheckFailures uint32         `json:"health_check_failures"`
	LastHealthCheck     *time.Time     `json:"last_health_check,omitempty"`
	ResourceUsage       *ResourceUsage `json:"resource_usage,omitempty"`
	// RestartsExhausted is set while Crashed with no restart budget left.
	RestartsExhausted bool   `json:"restarts_exhausted"`
	Events            Events `json:"events"`
}
