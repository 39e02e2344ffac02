// Package main implements the ScenePilot tool host: a simulated scene served
// over JSON lines on stdin and stdout. Logs go to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scenepilot/scenepilot/pkg/sim"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
	"github.com/scenepilot/scenepilot/pkg/tools"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "toolhost: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		scenePath   string
		timeout     time.Duration
		scriptSteps uint64
		logLevel    string
		ttl         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "toolhost",
		Short: "Serve scene tools over stdio",
		Long: `Serve the scene tools of a simulated scene over the stdio protocol.

The host writes READY with its tool list, answers one command at a time and
writes EXIT when stdin closes. It is started by 'pilot' through the local or
ssh transport and is not meant to be run by hand.`,
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{
				Level:  logLevel,
				Format: "json",
			}, os.Stderr)

			scene := sim.New(logger)
			if scriptSteps > 0 {
				scene.SetMaxScriptSteps(scriptSteps)
			}
			if scenePath != "" {
				n, err := scene.LoadFile(scenePath)
				if err != nil {
					return err
				}
				logger.Infof("loaded %d entities from %s", n, scenePath)
			}

			ctx := cmd.Context()
			if ttl > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, ttl)
				defer cancel()
			}

			server := tools.NewServer(scene, "sim", Version, nil, logger)
			server.SetDefaultTimeout(timeout)
			return server.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&scenePath, "scene", "", "YAML scene file to start from")
	cmd.Flags().DurationVar(&timeout, "timeout", tools.DefaultCommandTimeout, "timeout for commands that carry none")
	cmd.Flags().Uint64Var(&scriptSteps, "max-script-steps", 0, "Starlark step budget per script (0 keeps the default)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level for stderr output")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "exit after this long (0 runs until stdin closes)")

	return cmd
}
