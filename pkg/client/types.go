package client

import (
	"encoding/json"
	"time"
)

// Status mirrors GET /status.
type Status struct {
	Worker              string         `json:"worker"`
	Command             string         `json:"command"`
	RunID               string         `json:"run_id,omitempty"`
	BridgeRunning       bool           `json:"bridge_running"`
	PendingCalls        int            `json:"pending_calls"`
	State               string         `json:"state"`
	Health              string         `json:"health"`
	PID                 *int           `json:"pid,omitempty"`
	StartTime           *time.Time     `json:"start_time,omitempty"`
	RestartCount        uint32         `json:"restart_count"`
	HealthCheckFailures uint32         `json:"health_check_failures"`
	LastHealthCheck     *time.Time     `json:"last_health_check,omitempty"`
	ResourceUsage       *ResourceUsage `json:"resource_usage,omitempty"`
	RestartsExhausted   bool           `json:"restarts_exhausted"`
	Events              []Event        `json:"events"`
}

type ResourceUsage struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// Event is a lifecycle event. Type selects which of the optional fields
// are set.
type Event struct {
	Type        string    `json:"type"`
	At          time.Time `json:"at"`
	PID         int       `json:"pid,omitempty"`
	ExitCode    int       `json:"exit_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempt     uint32    `json:"attempt,omitempty"`
	MaxAttempts uint32    `json:"max_attempts,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	AlertType   string    `json:"alert_type,omitempty"`
	Value       float64   `json:"value,omitempty"`
	Threshold   float64   `json:"threshold,omitempty"`
}

// HistoryEvent is an event read back from a history sink.
type HistoryEvent struct {
	Worker     string          `json:"worker"`
	RunID      string          `json:"run_id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	PID        *int            `json:"pid,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// SupervisorConfig mirrors GET /config; durations are milliseconds.
type SupervisorConfig struct {
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

// ConfigPatch is a partial update for PUT /config keyed by the JSON names
// of SupervisorConfig.
type ConfigPatch map[string]any

// Health mirrors GET /health.
type Health struct {
	Healthy bool   `json:"healthy"`
	State   string `json:"state"`
	Health  string `json:"health"`
}

// CallRequest is the body of POST /call.
type CallRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCError is the worker's JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error    string    `json:"error"`
	RPCError *RPCError `json:"rpc_error,omitempty"`
}
