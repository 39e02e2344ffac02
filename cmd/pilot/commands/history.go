package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		status string
		since  time.Duration
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history [goal-id]",
		Short: "Show goals recorded in the journal",
		Long: `List past goals from the session journal, or show everything recorded
for one goal: its plans, step results, entity modifications and events.

Requires journal.path in the configuration.`,
		Example: `  # Recent goals
  pilot history -c scenepilot.yaml

  # Failed goals from the last day
  pilot history --status failed --since 24h

  # One goal in detail
  pilot history 3f2a...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openJournal(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				h, err := store.History(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, h)
				}
				printHistory(out, h)
				return nil
			}

			filter := stores.GoalFilter{Status: status, Limit: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			goals, err := store.ListGoals(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, goals)
			}
			printGoals(out, goals)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only goals with this status")
	cmd.Flags().DurationVar(&since, "since", 0, "only goals created within this duration")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of goals")

	cmd.AddCommand(newHistoryStatsCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openJournal(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, stats)
			}

			fmt.Fprintf(out, "Goals:         %d\n", stats.Goals)
			for status, n := range stats.GoalsByStatus {
				fmt.Fprintf(out, "  %-12s %d\n", status, n)
			}
			fmt.Fprintf(out, "Steps:         %d\n", stats.Steps)
			fmt.Fprintf(out, "Modifications: %d\n", stats.Modifications)
			return nil
		},
	}
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete goals older than a duration",
		Long: `Delete goals created before now minus --older-than, together with their
plans, step results, modifications and events.`,
		Example: `  pilot history prune --older-than 720h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			ctx := cmd.Context()
			store, err := openJournal(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneBefore(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			log.Info().Int64("goals", n).Dur("older_than", olderThan).Msg("Journal pruned")
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d goals\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the goals to delete")

	return cmd
}

func openJournal(ctx context.Context) (*stores.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Journal.Path == "" {
		return nil, engine.NewPermanentError("no journal configured: set journal.path", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		return nil, fmt.Errorf("journal %s: %w", cfg.Journal.Path, err)
	}
	return stores.Open(ctx, cfg.Journal.Path)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printGoals(w io.Writer, goals []*stores.GoalRecord) {
	if len(goals) == 0 {
		fmt.Fprintln(w, "No goals recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tCREATED\tDESCRIPTION")
	for _, g := range goals {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			g.ID, g.Status, g.AttemptCount, g.MaxAttempts,
			g.CreatedAt.Local().Format(time.DateTime), g.Description)
	}
	_ = tw.Flush()
}

func printHistory(w io.Writer, h *stores.GoalHistory) {
	g := h.Goal
	fmt.Fprintf(w, "Goal %s: %s\n", g.ID, g.Description)
	fmt.Fprintf(w, "  request:  %s\n", g.OriginalRequest)
	fmt.Fprintf(w, "  status:   %s (attempt %d of %d)\n", g.Status, g.AttemptCount, g.MaxAttempts)
	for _, r := range g.FailureReasons {
		fmt.Fprintf(w, "  failure:  %s\n", r)
	}

	fmt.Fprintf(w, "\nPlans (%d)\n", len(h.Plans))
	for _, p := range h.Plans {
		fmt.Fprintf(w, "  %s %-10s %d steps  %s\n", p.ID, p.Status, p.StepCount, p.Rationale)
	}

	fmt.Fprintf(w, "\nSteps (%d)\n", len(h.Steps))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range h.Steps {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
			s.CompletedAt.Local().Format(time.TimeOnly), s.Status, s.Tool, s.Duration.Round(time.Millisecond), s.Summary)
	}
	_ = tw.Flush()

	if len(h.Modifications) > 0 {
		fmt.Fprintf(w, "\nModifications (%d)\n", len(h.Modifications))
		for _, m := range h.Modifications {
			fmt.Fprintf(w, "  %s %s (step %s)\n", m.Type, m.EntityID, m.StepID)
		}
	}

	if verbose && len(h.Events) > 0 {
		fmt.Fprintf(w, "\nEvents (%d)\n", len(h.Events))
		for _, e := range h.Events {
			fmt.Fprintf(w, "  %s %-7s %s\n", e.CreatedAt.Local().Format(time.TimeOnly), e.Level, e.Message)
		}
	}
}
