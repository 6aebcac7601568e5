package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/lakegate/lakegate/pkg/config"
	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		specPath   string
		runID      string
		target     string
		owner      string
		bestEffort bool
		labels     map[string]string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a write-audit-publish ingestion",
		Long: `Run an ingestion from a run spec.

The run:
  - Creates a fresh ingestion branch from the target head
  - Imports every source into its table on that branch
  - Evaluates the expectations against the branch
  - Merges into the target only when every expectation passes
  - Deletes the ingestion branch

Exit status is 0 when the data was merged, 2 when expectations
rejected it and 1 on failure.`,
		Example: `  # Run a CUE spec
  lakegate run -f ingest.cue

  # Override the target and tolerate bad files
  lakegate run -f ingest.yaml --target staging --best-effort

  # Print the run record as JSON
  lakegate run -f ingest.cue --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			spec, err := config.NewSpecParser().LoadRunSpec(ctx, specPath)
			if err != nil {
				return err
			}
			applyRunOverrides(spec, runID, target, owner, bestEffort, labels)

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shutdown()
			ctx = a.context(ctx)

			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			admitter, err := a.policyEngine(ctx)
			if err != nil {
				return err
			}
			coordinator, err := a.coordinator(catalog, admitter, store)
			if err != nil {
				return err
			}

			logProgress(ctx, a.tel.Events)
			telemetry.FromContext(ctx).
				WithField("spec", specPath).
				Infof("Starting run into %s: %d imports, %d expectations",
					spec.TargetBranch, len(spec.Imports), len(spec.Expectations))

			run, err := coordinator.Run(ctx, *spec)
			if err != nil {
				return err
			}
			logRun(ctx, run)
			if err := printRun(cmd.OutOrStdout(), run); err != nil {
				return err
			}
			return dispositionError(run)
		},
	}

	cmd.Flags().StringVarP(&specPath, "file", "f", "", "run spec file (.cue, .yaml, .json) or CUE directory")
	cmd.Flags().StringVar(&runID, "run-id", "", "run ID (default: generated)")
	cmd.Flags().StringVar(&target, "target", "", "override the target branch")
	cmd.Flags().StringVar(&owner, "owner", "", "override the ingestion branch owner")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "skip files that fail to import")
	cmd.Flags().StringToStringVar(&labels, "label", nil, "run labels (key=value)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func applyRunOverrides(spec *engine.RunSpec, runID, target, owner string, bestEffort bool, labels map[string]string) {
	if runID != "" {
		spec.RunID = runID
	}
	if target != "" {
		spec.TargetBranch = target
	}
	if owner != "" {
		spec.Owner = owner
	}
	if bestEffort {
		spec.Policy.BestEffort = true
	}
	if len(labels) > 0 {
		if spec.Labels == nil {
			spec.Labels = make(map[string]string, len(labels))
		}
		for k, v := range labels {
			spec.Labels[k] = v
		}
	}
}

// logProgress logs run progress events at debug level.
func logProgress(ctx context.Context, events *telemetry.EventPublisher) {
	events.Subscribe(func(e engine.Event) {
		telemetry.FromContext(ctx).WithRunID(e.RunID).WithField("event", e.Type).Debug(e.Message)
	}, telemetry.FilterByType(
		engine.EventTypeImportCompleted,
		engine.EventTypeImportRetry,
		engine.EventTypeCheckCompleted,
		engine.EventTypeMergeAttempted,
	))
}

func logRun(ctx context.Context, run *engine.WAPRun) {
	logger := telemetry.FromContext(ctx).
		WithRunID(run.ID).
		WithBranch(run.Branch.Name).
		WithField("disposition", run.Disposition)
	if run.Disposition == engine.DispositionFailed {
		logger.WithField("error_code", run.ErrorCode).WithError(errors.New(run.Error)).Error("Run failed")
		return
	}
	logger.Info("Run finished")
}
