package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/sidekick/internal/env"
	"github.com/loykin/sidekick/internal/logger"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/rpc"
	"github.com/loykin/sidekick/internal/supervisor"
	tlsutil "github.com/loykin/sidekick/internal/tls"
)

// EnvPrefix prefixes environment overrides: SIDEKICK_SUPERVISOR_RESTART_DELAY
// overrides supervisor.restart_delay.
const EnvPrefix = "SIDEKICK"

// Config represents the top-level TOML structure.
type Config struct {
	Worker     WorkerConfig      `mapstructure:"worker"`
	Supervisor supervisor.Config `mapstructure:"supervisor"`
	RPC        RPCConfig         `mapstructure:"rpc"`
	Log        logger.Config     `mapstructure:"log"`
	Server     ServerConfig      `mapstructure:"server"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	History    HistoryConfig     `mapstructure:"history"`
}

type WorkerConfig struct {
	Name      string   `mapstructure:"name"`
	Command   string   `mapstructure:"command"`
	WorkDir   string   `mapstructure:"work_dir"`
	Env       []string `mapstructure:"env"`
	EnvFiles  []string `mapstructure:"env_files"`
	UseOSEnv  bool     `mapstructure:"use_os_env"`
	PIDFile   string   `mapstructure:"pid_file"`
	AutoStart bool     `mapstructure:"auto_start"`
}

type RPCConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	HealthMethod string        `mapstructure:"health_method"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
}

type ServerConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Listen   string          `mapstructure:"listen"`
	BasePath string          `mapstructure:"base_path"`
	TLS      tlsutil.Options `mapstructure:"tls"`
}

// MetricsConfig enables Prometheus metrics. An empty Listen serves /metrics
// on the control API server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// HistoryConfig lists DSNs of event history sinks.
type HistoryConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Sinks     []string `mapstructure:"sinks"`
	QueueSize int      `mapstructure:"queue_size"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Worker:     WorkerConfig{Name: "worker", AutoStart: true},
		Supervisor: supervisor.DefaultConfig(),
		RPC: RPCConfig{
			Timeout:      rpc.DefaultTimeout,
			HealthMethod: rpc.DefaultHealthMethod,
			ReadyTimeout: 10 * time.Second,
		},
		Log: logger.Config{
			Slog: logger.SlogConfig{Level: logger.LevelInfo, Format: logger.FormatText, TimeStamps: true},
		},
		Server: ServerConfig{Enabled: true, Listen: "127.0.0.1:8686", BasePath: "/api"},
		History: HistoryConfig{
			QueueSize: 256,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("worker.name", d.Worker.Name)
	v.SetDefault("worker.command", d.Worker.Command)
	v.SetDefault("worker.work_dir", d.Worker.WorkDir)
	v.SetDefault("worker.env", []string{})
	v.SetDefault("worker.env_files", []string{})
	v.SetDefault("worker.use_os_env", d.Worker.UseOSEnv)
	v.SetDefault("worker.pid_file", d.Worker.PIDFile)
	v.SetDefault("worker.auto_start", d.Worker.AutoStart)

	s := d.Supervisor
	v.SetDefault("supervisor.max_restart_attempts", s.MaxRestartAttempts)
	v.SetDefault("supervisor.restart_delay", s.RestartDelay)
	v.SetDefault("supervisor.health_check_interval", s.HealthCheckInterval)
	v.SetDefault("supervisor.health_check_timeout", s.HealthCheckTimeout)
	v.SetDefault("supervisor.max_health_check_failures", s.MaxHealthCheckFailures)
	v.SetDefault("supervisor.resource_monitor_interval", s.ResourceMonitorInterval)
	v.SetDefault("supervisor.cpu_alert_threshold", s.CPUAlertThreshold)
	v.SetDefault("supervisor.memory_alert_threshold", s.MemoryAlertThreshold)
	v.SetDefault("supervisor.auto_restart_on_crash", s.AutoRestartOnCrash)
	v.SetDefault("supervisor.graceful_shutdown_timeout", s.GracefulShutdownTimeout)

	v.SetDefault("rpc.timeout", d.RPC.Timeout)
	v.SetDefault("rpc.health_method", d.RPC.HealthMethod)
	v.SetDefault("rpc.ready_timeout", d.RPC.ReadyTimeout)

	v.SetDefault("log.slog.level", string(d.Log.Slog.Level))
	v.SetDefault("log.slog.format", string(d.Log.Slog.Format))
	v.SetDefault("log.slog.color", d.Log.Slog.Color)
	v.SetDefault("log.slog.timestamps", d.Log.Slog.TimeStamps)
	v.SetDefault("log.slog.source", d.Log.Slog.Source)
	v.SetDefault("log.slog.file", d.Log.Slog.File)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout_path", "")
	v.SetDefault("log.file.stderr_path", "")
	v.SetDefault("log.file.max_size_mb", 0)
	v.SetDefault("log.file.max_backups", 0)
	v.SetDefault("log.file.max_age_days", 0)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.max_version", "")

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)

	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.queue_size", d.History.QueueSize)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads path (TOML) on top of the defaults and applies SIDEKICK_*
// environment overrides. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks cross-field constraints that decoding cannot express.
func (c *Config) Validate() error {
	if !process.IsSafeName(c.Worker.Name) {
		return fmt.Errorf("invalid worker name %q", c.Worker.Name)
	}
	if err := c.Supervisor.Validate(); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	if c.RPC.Timeout <= 0 {
		return errors.New("rpc.timeout must be positive")
	}
	if c.RPC.ReadyTimeout < 0 {
		return errors.New("rpc.ready_timeout must not be negative")
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		return errors.New("server.listen is required when the server is enabled")
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		return errors.New("history.enabled requires at least one sink")
	}
	return nil
}

// Spec returns the worker launch spec.
func (c *Config) Spec() process.Spec {
	return process.Spec{
		Name:    c.Worker.Name,
		Command: c.Worker.Command,
		WorkDir: c.Worker.WorkDir,
		Env:     append([]string(nil), c.Worker.Env...),
		PIDFile: c.Worker.PIDFile,
	}
}

// WorkerEnv builds the worker's base environment: the host environment when
// use_os_env is set, then env_files in order. Per-worker env entries are
// applied later by Env.Merge.
func (c *Config) WorkerEnv() (*env.Env, error) {
	e := env.New(c.Worker.UseOSEnv)
	for _, p := range c.Worker.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
	}
	return e, nil
}
