package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lakegate/lakegate/pkg/config"
	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/telemetry"
)

func newValidateCommand() *cobra.Command {
	var (
		specPath   string
		skipPolicy bool
		printSpec  bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a run spec without touching the catalog",
		Long: `Validate a run spec against the schema, the admission policies and the
expectation grammar.

This command checks:
  - CUE or YAML syntax
  - Schema conformance (#RunSpec)
  - Table names, source URIs and run policy limits
  - Admission policies (rego)
  - Every expectation builds into a check`,
		Example: `  # Validate a spec
  lakegate validate -f ingest.cue

  # Print the normalized spec as JSON
  lakegate validate -f ingest.yaml --print --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			parsed, err := config.NewSpecParser().Parse(ctx, specPath)
			if err != nil {
				return err
			}
			if len(parsed.Errors) > 0 {
				if jsonOutput {
					_ = printJSON(out, parsed)
				} else {
					for _, e := range parsed.Errors {
						fmt.Fprintln(out, e.String())
					}
				}
				return &ExitError{Code: 1, Err: fmt.Errorf("%s: %d schema errors", specPath, len(parsed.Errors))}
			}

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
			var admitter engine.Admitter
			if !skipPolicy {
				pe, err := a.policyEngine(ctx)
				if err != nil {
					return err
				}
				admitter = pe
			}
			coordinator, err := a.coordinator(catalog, admitter, nil)
			if err != nil {
				return err
			}

			spec := parsed.Spec
			checks, err := coordinator.Prepare(ctx, spec)
			if err != nil {
				return err
			}

			telemetry.FromContext(ctx).WithRunID(spec.RunID).WithField("spec", specPath).Debug("Spec prepared")

			if printSpec {
				if jsonOutput {
					return printJSON(out, spec)
				}
				data, err := config.ExportJSON(spec)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			if jsonOutput {
				names := make([]string, len(checks))
				for i, c := range checks {
					names[i] = c.Name()
				}
				return printJSON(out, map[string]interface{}{
					"valid":        true,
					"target":       spec.TargetBranch,
					"imports":      len(spec.Imports),
					"expectations": names,
				})
			}

			fmt.Fprintf(out, "%s is valid: %d imports into %s, %d expectations\n",
				specPath, len(spec.Imports), spec.TargetBranch, len(checks))
			for _, c := range checks {
				fmt.Fprintf(out, "  - %s\n", c.Name())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&specPath, "file", "f", "", "run spec file (.cue, .yaml, .json) or CUE directory")
	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "skip admission policies")
	cmd.Flags().BoolVar(&printSpec, "print", false, "print the normalized spec")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
