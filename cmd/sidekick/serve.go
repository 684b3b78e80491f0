package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/sidekick"
	"github.com/loykin/sidekick/internal/config"
	"github.com/loykin/sidekick/internal/server"
	tlsutil "github.com/loykin/sidekick/internal/tls"
)

const shutdownTimeout = 15 * time.Second

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor daemon: spawn the worker, supervise it and serve the
control API. Settings come from the TOML config file and SIDEKICK_* environment
variables; flags override both.

Examples:
  sidekick serve                          # defaults and environment only
  sidekick serve sidekick.toml
  sidekick serve --command "python worker.py" --listen 127.0.0.1:9000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			cfg, err := loadServeConfig(configPath, serveFlags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&serveFlags.Command, "command", "", "worker command line (overrides worker.command)")
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "control API address (overrides server.listen)")
	cmd.Flags().BoolVar(&serveFlags.NoStart, "no-start", false, "do not start the worker until asked through the API")

	return cmd
}

// loadServeConfig loads the config file and applies flag overrides.
func loadServeConfig(path string, f *ServeFlags) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if f.Command != "" {
		cfg.Worker.Command = f.Command
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	if f.NoStart {
		cfg.Worker.AutoStart = false
	}
	return cfg, cfg.Validate()
}

// daemon is the assembled serve runtime.
type daemon struct {
	cfg     *config.Config
	log     *slog.Logger
	sk      *sidekick.Sidekick
	api     *server.Server
	metrics *server.Server
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := cfg.Log.NewSlogger()
	slog.SetDefault(log)

	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}
	if err := d.start(ctx); err != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, d.shutdown(sctx))
	}

	<-ctx.Done()
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.shutdown(sctx)
}

// newDaemon wires the worker manager without starting anything.
func newDaemon(cfg *config.Config, log *slog.Logger) (*daemon, error) {
	if cfg.Metrics.Enabled {
		if err := sidekick.RegisterMetricsDefault(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	sk, err := sidekick.NewFromConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	return &daemon{cfg: cfg, log: log, sk: sk}, nil
}

// start launches the listeners and, when configured, the worker.
func (d *daemon) start(ctx context.Context) error {
	cfg := d.cfg

	if cfg.Server.Enabled {
		tlsCfg, err := tlsutil.Setup(cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		opts := []sidekick.HandlerOption{sidekick.WithHandlerLogger(d.log)}
		if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
			opts = append(opts, sidekick.WithMetricsRoute(sidekick.MetricsHandler()))
		}
		h := d.sk.Handler(cfg.Server.BasePath, opts...)
		longest := max(cfg.RPC.Timeout, cfg.Supervisor.GracefulShutdownTimeout)
		d.api, err = server.NewServer(cfg.Server.Listen, h, tlsCfg, d.log,
			server.WithWriteTimeout(server.WriteTimeoutFor(longest)))
		if err != nil {
			return err
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", sidekick.MetricsHandler())
		var err error
		d.metrics, err = server.NewServer(cfg.Metrics.Listen, mux, nil, d.log)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	if !cfg.Worker.AutoStart {
		return nil
	}
	if cfg.Worker.Command == "" {
		d.log.Info("no worker command configured; serving the control API only")
		return nil
	}
	if err := d.sk.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	if cfg.RPC.ReadyTimeout > 0 {
		if err := d.sk.WaitForReady(ctx, cfg.RPC.ReadyTimeout); err != nil {
			d.log.Warn("worker not ready", "timeout", cfg.RPC.ReadyTimeout, "error", err)
		}
	}
	return nil
}

// shutdown stops the listeners, then the worker.
func (d *daemon) shutdown(ctx context.Context) error {
	var errs []error
	if d.api != nil {
		errs = append(errs, d.api.Shutdown(ctx))
	}
	if d.metrics != nil {
		errs = append(errs, d.metrics.Shutdown(ctx))
	}
	errs = append(errs, d.sk.Close(ctx))
	return errors.Join(errs...)
}
