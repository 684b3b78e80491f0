package supervisor

import (
	"encoding/json"
	"time"
)

// configJSON is the wire form of Config with durations in milliseconds.
type configJSON struct {
	MaxRestartAttempts        uint32  `json:"max_restart_attempts"`
	RestartDelayMS            int64   `json:"restart_delay_ms"`
	HealthCheckIntervalMS     int64   `json:"health_check_interval_ms"`
	HealthCheckTimeoutMS      int64   `json:"health_check_timeout_ms"`
	MaxHealthCheckFailures    uint32  `json:"max_health_check_failures"`
	ResourceMonitorIntervalMS int64   `json:"resource_monitor_interval_ms"`
	CPUAlertThreshold         float64 `json:"cpu_alert_threshold"`
	MemoryAlertThreshold      float64 `json:"memory_alert_threshold"`
	AutoRestartOnCrash        bool    `json:"auto_restart_on_crash"`
	GracefulShutdownTimeoutMS int64   `json:"graceful_shutdown_timeout_ms"`
}

func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(configJSON{
		MaxRestartAttempts:        c.MaxRestartAttempts,
		RestartDelayMS:            c.RestartDelay.Milliseconds(),
		HealthCheckIntervalMS:     c.HealthCheckInterval.Milliseconds(),
		HealthCheckTimeoutMS:      c.HealthCheckTimeout.Milliseconds(),
		MaxHealthCheckFailures:    c.MaxHealthCheckFailures,
		ResourceMonitorIntervalMS: c.ResourceMonitorInterval.Milliseconds(),
		CPUAlertThreshold:         c.CPUAlertThreshold,
		MemoryAlertThreshold:      c.MemoryAlertThreshold,
		AutoRestartOnCrash:        c.AutoRestartOnCrash,
		GracefulShutdownTimeoutMS: c.GracefulShutdownTimeout.Milliseconds(),
	})
}

// UnmarshalJSON starts from the receiver's current values so partial
// documents only override the fields they name.
func (c *Config) UnmarshalJSON(data []byte) error {
	w := configJSON{
		MaxRestartAttempts:        c.MaxRestartAttempts,
		RestartDelayMS:            c.RestartDelay.Milliseconds(),
		HealthCheckIntervalMS:     c.HealthCheckInterval.Milliseconds(),
		HealthCheckTimeoutMS:      c.HealthCheckTimeout.Milliseconds(),
		MaxHealthCheckFailures:    c.MaxHealthCheckFailures,
		ResourceMonitorIntervalMS: c.ResourceMonitorInterval.Milliseconds(),
		CPUAlertThreshold:         c.CPUAlertThreshold,
		MemoryAlertThreshold:      c.MemoryAlertThreshold,
		AutoRestartOnCrash:        c.AutoRestartOnCrash,
		GracefulShutdownTimeoutMS: c.GracefulShutdownTimeout.Milliseconds(),
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Config{
		MaxRestartAttempts:      w.MaxRestartAttempts,
		RestartDelay:            ms(w.RestartDelayMS),
		HealthCheckInterval:     ms(w.HealthCheckIntervalMS),
		HealthCheckTimeout:      ms(w.HealthCheckTimeoutMS),
		MaxHealthCheckFailures:  w.MaxHealthCheckFailures,
		ResourceMonitorInterval: ms(w.ResourceMonitorIntervalMS),
		CPUAlertThreshold:       w.CPUAlertThreshold,
		MemoryAlertThreshold:    w.MemoryAlertThreshold,
		AutoRestartOnCrash:      w.AutoRestartOnCrash,
		GracefulShutdownTimeout: ms(w.GracefulShutdownTimeoutMS),
	}
	return nil
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
