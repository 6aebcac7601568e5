package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/telemetry"
)

func newBranchesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branches",
		Short: "Inspect and clean up ingestion branches",
	}
	cmd.AddCommand(newBranchesListCommand())
	cmd.AddCommand(newBranchesGCCommand())
	return cmd
}

// ingestionBranches lists the ingestion branches of owner, or of every
// owner when owner is empty.
func ingestionBranches(cmd *cobra.Command, catalog engine.CatalogClient, owner string) ([]engine.Branch, error) {
	prefix := ""
	if owner != "" {
		prefix = engine.IngestionPrefix(owner)
	}
	branches, err := catalog.ListBranches(cmd.Context(), prefix)
	if err != nil {
		return nil, err
	}
	out := branches[:0]
	for _, b := range branches {
		if engine.IsIngestionBranch(b.Name) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func newBranchesListCommand() *cobra.Command {
	var (
		owner string
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ingestion branches left in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shutdown()

			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			if owner == "" && !all {
				owner = a.cfg.Coordinator.Owner
			}
			branches, err := ingestionBranches(cmd, catalog, owner)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, branches)
			}
			for _, b := range branches {
				fmt.Fprintf(out, "%-48s %s\n", b.Name, shortHead(b.Head))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "branch owner (default: coordinator.owner)")
	cmd.Flags().BoolVar(&all, "all", false, "list branches of every owner")

	return cmd
}

func newBranchesGCCommand() *cobra.Command {
	var (
		owner  string
		all    bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete ingestion branches left behind by interrupted runs",
		Long: `Delete ingestion branches whose run did not clean up, for example
after the process was killed.

Only branches named <owner>.wap-<run-id> are considered. Do not run this
while runs of the same owner are in flight: their branches would be
deleted under them.`,
		Example: `  # Show what would be deleted
  lakegate branches gc --owner etl --dry-run

  # Delete leftovers of every owner
  lakegate branches gc --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shutdown()
			ctx := a.context(cmd.Context())

			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			if owner == "" && !all {
				owner = a.cfg.Coordinator.Owner
			}
			branches, err := ingestionBranches(cmd, catalog, owner)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			deleted, failed := 0, 0
			for _, b := range branches {
				if dryRun {
					fmt.Fprintf(out, "would delete %s\n", b.Name)
					continue
				}
				if _, err := catalog.DeleteBranch(ctx, b.Name); err != nil {
					failed++
					telemetry.FromContext(ctx).WithBranch(b.Name).WithError(err).Warn("Failed to delete branch")
					continue
				}
				deleted++
				fmt.Fprintf(out, "deleted %s\n", b.Name)
			}

			if !dryRun {
				fmt.Fprintf(out, "%d deleted, %d failed\n", deleted, failed)
			}
			if failed > 0 {
				return fmt.Errorf("%d branches could not be deleted", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "branch owner (default: coordinator.owner)")
	cmd.Flags().BoolVar(&all, "all", false, "collect branches of every owner")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list branches without deleting them")

	return cmd
}
