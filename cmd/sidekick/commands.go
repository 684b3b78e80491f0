package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/sidekick/pkg/client"
)

var errUnhealthy = errors.New("worker unhealthy")

// newAPIClient builds a control API client from the persistent flags.
func newAPIClient(f *GlobalFlags) (*client.Client, error) {
	cfg := client.DefaultConfig()
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
	}
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	cfg.Insecure = f.Insecure
	if f.CACert != "" || f.ServerName != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert, ServerName: f.ServerName}
	}
	return client.New(cfg)
}

// withClient wraps a client command body: it builds the client and checks
// that the daemon answers before running fn.
func withClient(f *GlobalFlags, fn func(ctx context.Context, c *client.Client, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient(f)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if !c.IsReachable(ctx) {
			return fmt.Errorf("daemon not reachable - start it first with 'sidekick serve'")
		}
		return fn(ctx, c, cmd.OutOrStdout(), args)
	}
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker state, health, restarts and resource usage",
		Args:  cobra.NoArgs,
		RunE: withClient(globalFlags, func(ctx context.Context, c *client.Client, out io.Writer, _ []string) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, st)
		}),
	}
}

func createEventsCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &EventsFlags{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent supervision events",
		Long: `List recent supervision events, newest last.

Examples:
  sidekick events --limit 20
  sidekick events --history       # read from the persistent history sink`,
		Args: cobra.NoArgs,
		RunE: withClient(globalFlags, func(ctx context.Context, c *client.Client, out io.Writer, _ []string) error {
			if flags.History {
				evs, err := c.History(ctx, flags.Limit)
				if err != nil {
					return err
				}
				return printJSON(out, evs)
			}
			evs, err := c.Events(ctx, flags.Limit)
			if err != nil {
				return err
			}
			return printJSON(out, evs)
		}),
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "maximum number of events (0 = all retained)")
	cmd.Flags().BoolVar(&flags.History, "history", false, "query the persistent event history")
	return cmd
}

func createClearEventsCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-events",
		Short: "Drop the in-memory event history",
		Args:  cobra.NoArgs,
		RunE: withClient(globalFlags, func(ctx context.Context, c *client.Client, out io.Writer, _ []string) error {
			if err := c.ClearEvents(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "events cleared")
			return nil
		}),
	}
}

func createResetRestartsCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-restarts",
		Short: "Reset the restart counter so automatic restarts resume",
		Args:  cobra.NoArgs,
		RunE: withClient(globalFlags, func(ctx context.Context, c *client.Client, out io.Writer, _ []string) error {
			if err := c.ResetRestarts(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "restart count reset")
			return nil
		}),
	}
}

func createCallCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "call METHOD [PARAMS]",
		Short: "Send a JSON-RPC request to the worker and print the result",
		Long: `Send a JSON-RPC request to the worker. PARAMS must be a JSON value.

Examples:
  sidekick call ping
  sidekick call add '{"a":1,"b":2}'
  sidekick call sum '[1,2,3]'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: withClient(globalFlags, func(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
			var params any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params must be valid JSON: %s", args[1])
				}
				params = json.RawMessage(args[1])
			}
			res, err := c.Call(ctx, args[0], params)
			if err != nil {
				if re, ok := client.IsRPCError(err); ok {
					return fmt.Errorf("rpc error %d: %s", re.Code, re.Message)
				}
				return err
			}
			return printJSON(out, res)
		}),
	}
}

func createHealthCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the worker; exits non-zero when unhealthy",
		Args:  cobra.NoArgs,
		RunE: withClient(globalFlags, func(ctx context.Context, c *client.Client, out io.Writer, _ []string) error {
			h, err := c.Health(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(out, h); err != nil {
				return err
			}
			if !h.Healthy {
				return errUnhealthy
			}
			return nil
		}),
	}
}

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the live supervisor configuration",
		Args:  cobra.NoArgs,
		RunE: withClient(globalFlags, func(ctx context.Context, c *client.Client, out io.Writer, _ []string) error {
			cfg, err := c.Config(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, cfg)
		}),
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY=VALUE...",
		Short: "Update supervisor configuration fields",
		Long: `Update supervisor configuration fields. Durations are in milliseconds.

Examples:
  sidekick config set max_restart_attempts=5
  sidekick config set restart_delay_ms=500 auto_restart_on_crash=false`,
		Args: cobra.MinimumNArgs(1),
		RunE: withClient(globalFlags, func(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
			patch, err := parsePatch(args)
			if err != nil {
				return err
			}
			cfg, err := c.UpdateConfig(ctx, patch)
			if err != nil {
				return err
			}
			return printJSON(out, cfg)
		}),
	})
	return cmd
}

type lifecycleFunc func(*client.Client, context.Context) error

func createLifecycleCommand(globalFlags *GlobalFlags, use, short string, fn lifecycleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: withClient(globalFlags, func(ctx context.Context, c *client.Client, out io.Writer, _ []string) error {
			if err := fn(c, ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "%s: ok\n", use)
			return nil
		}),
	}
}

// parsePatch turns KEY=VALUE pairs into a config patch. Values that parse as
// JSON keep their type; anything else is sent as a string.
func parsePatch(args []string) (client.ConfigPatch, error) {
	patch := client.ConfigPatch{}
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", a)
		}
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			val = v
		}
		patch[k] = val
	}
	return patch, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
