package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lakegate/lakegate/pkg/source"
)

func newStageCommand() *cobra.Command {
	var (
		src     string
		dest    string
		workers int
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Convert source files to Parquet under a staging prefix",
		Long: `Convert JSON, JSON lines and Parquet files into Parquet objects under a
staging prefix, ready to be imported by a run.

Nested JSON objects are flattened with "_". Files whose content hash
matches the staged copy are skipped unless --force is given.`,
		Example: `  # Stage local JSON exports to S3
  lakegate stage --src ./exports/*.json --dest s3://landing/tracks/

  # Stage from an SFTP drop with 4 workers
  lakegate stage --src sftp://etl@drop:22/out/*.jsonl --dest s3://landing/events/ --workers 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.shutdown()

			stager := source.NewStager(a.reader, a.logger)
			report, err := stager.Stage(cmd.Context(), src, dest, source.StageOptions{
				Workers: workers,
				Force:   force,
			})
			if report != nil {
				if perr := printStageReport(cmd, report); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&src, "src", "", "source file, directory glob or URI pattern")
	cmd.Flags().StringVar(&dest, "dest", "", "staging prefix URI (s3://, file://, sftp://)")
	cmd.Flags().IntVar(&workers, "workers", source.DefaultStageWorkers, "concurrent conversions")
	cmd.Flags().BoolVar(&force, "force", false, "restage files whose content is unchanged")
	_ = cmd.MarkFlagRequired("src")
	_ = cmd.MarkFlagRequired("dest")

	return cmd
}

func printStageReport(cmd *cobra.Command, report *source.StageReport) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, report)
	}
	for _, f := range report.Files {
		switch {
		case f.Error != "":
			fmt.Fprintf(out, "FAIL  %s: %s\n", f.Source, f.Error)
		case f.Skipped:
			fmt.Fprintf(out, "SKIP  %s (unchanged)\n", f.Source)
		default:
			fmt.Fprintf(out, "OK    %s -> %s (%d rows)\n", f.Source, f.Target, f.Rows)
		}
	}
	fmt.Fprintf(out, "%d staged, %d skipped, %d failed in %s\n",
		report.Staged, report.Skipped, report.Failed, report.Duration.Round(time.Millisecond))
	return nil
}
