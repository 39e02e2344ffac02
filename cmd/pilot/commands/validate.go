package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scenepilot/scenepilot/pkg/config"
	"github.com/scenepilot/scenepilot/pkg/policy"
	"github.com/scenepilot/scenepilot/pkg/sim"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file without connecting to anything.

Checks:
  - YAML or CUE syntax and the configuration schema
  - Every configured policy compiles
  - The simulated scene file, if one is set, loads`,
		Example: `  pilot validate scenepilot.yaml
  pilot validate -c scenepilot.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("a config file is required")
			}

			out := cmd.OutOrStdout()
			cfg, err := config.Load(path)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, e := range verrs {
						fmt.Fprintf(out, "  %s\n", e.Error())
					}
					return fmt.Errorf("%s: %d problems", path, len(verrs))
				}
				return err
			}

			if cfg.Policy.Enabled && len(cfg.Policy.Paths) > 0 {
				pe, err := policy.NewEngine(nil)
				if err != nil {
					return err
				}
				if err := pe.LoadPolicies(cmd.Context(), cfg.Policy.Paths); err != nil {
					return fmt.Errorf("policies: %w", err)
				}
				log.Debug().Int("policies", len(pe.ListPolicies())).Msg("Policies compiled")
			}

			if cfg.Tools.Transport == config.TransportSim && cfg.Tools.Scene != "" {
				if _, err := sim.New(nil).LoadFile(cfg.Tools.Scene); err != nil {
					return fmt.Errorf("scene: %w", err)
				}
			}

			if cfg.Advisor.Enabled() && cfg.Advisor.APIKey == "" {
				fmt.Fprintf(out, "  warning: advisor.provider is %s but %s is not set\n",
					cfg.Advisor.Provider, cfg.Advisor.APIKeyEnv)
			}
			fmt.Fprintf(out, "%s is valid\n", path)
			return nil
		},
	}

	return cmd
}
