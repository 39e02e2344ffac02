package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scenepilot/scenepilot/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	version = ver
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(ver, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pilot",
		Short: "ScenePilot - goal-driven scene editing agent",
		Long: `ScenePilot turns natural-language requests into goals, plans them as
sequences of tool calls, executes the plans against a scene and checks the
result against success criteria, recovering or asking for help on failure.

Features:
  - Deterministic intent templates with an optional Gemini advisor
  - Rego policy gate over every plan
  - Session journal in SQLite
  - Local, SSH or in-process simulated tool hosts`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", ver, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}

// loadConfig reads --config, or returns the defaults when it is not set.
func loadConfig() (*config.AgentConfig, error) {
	if configPath == "" {
		cfg := config.Default()
		cfg.ResolveSecrets()
		return cfg, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", configPath).Msg("Configuration loaded")
	return cfg, nil
}
