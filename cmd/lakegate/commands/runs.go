package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsPruneCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var filter engine.RunFilter
	var disposition string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Example: `  # Last 20 runs
  lakegate runs list

  # Rejected runs into main
  lakegate runs list --target main --disposition REJECTED`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if disposition != "" {
				filter.Disposition = engine.Disposition(disposition)
				if err := filter.Disposition.Validate(); err != nil {
					return err
				}
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shutdown()

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := store.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().StringVar(&filter.Owner, "owner", "", "filter by owner")
	cmd.Flags().StringVar(&filter.TargetBranch, "target", "", "filter by target branch")
	cmd.Flags().StringVar(&disposition, "disposition", "", "filter by result (MERGED, REJECTED, FAILED)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum runs to list")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shutdown()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			run, err := store.GetRun(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !events {
				return printRun(out, run)
			}

			evs, err := store.ListEvents(ctx, run.ID, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, map[string]interface{}{"run": run, "events": evs})
			}
			if err := printRun(out, run); err != nil {
				return err
			}
			printEvents(out, evs)
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include run events")

	return cmd
}

func newRunsPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete run records older than a duration",
		Example: `  lakegate runs prune --older-than 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shutdown()

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			n, err := store.DeleteRunsBefore(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of deleted runs")

	return cmd
}
