package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/sidekick/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)

	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(globalFlags),
		createEventsCommand(globalFlags),
		createClearEventsCommand(globalFlags),
		createResetRestartsCommand(globalFlags),
		createCallCommand(globalFlags),
		createHealthCommand(globalFlags),
		createConfigCommand(globalFlags),
		createLifecycleCommand(globalFlags, "start", "Start the worker", (*client.Client).Start),
		createLifecycleCommand(globalFlags, "stop", "Stop the worker", (*client.Client).Stop),
		createLifecycleCommand(globalFlags, "restart", "Stop and start the worker", (*client.Client).Restart),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
// shared by the daemon and the API client commands.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sidekick",
		Short: "Sidecar supervisor for a JSON-RPC worker process",
		Long: `Sidekick runs one worker process next to your service, talks to it with
line-delimited JSON-RPC 2.0 over stdin/stdout, restarts it when it crashes or
stops answering health checks, and exposes a control API.

Examples:
  sidekick serve --config sidekick.toml
  sidekick serve --command "node worker.js"
  sidekick status
  sidekick call ping
  sidekick call add '{"a":1,"b":2}'
  sidekick events --limit 10 --api-url https://remote:8686/api --ca-cert ca.crt`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "control API base URL (default http://127.0.0.1:8686/api)")
	pf.DurationVar(&flags.APITimeout, "timeout", 0, "control API request timeout")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS control API")
	pf.StringVar(&flags.ServerName, "server-name", "", "TLS server name override")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")

	return root
}
