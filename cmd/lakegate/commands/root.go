package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(buildInfo{Version: version, Commit: commit, BuildDate: buildDate})
	return rootCmd.ExecuteContext(ctx)
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

func newRootCommand(info buildInfo) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lakegate",
		Short: "lakegate - write-audit-publish ingestion for versioned data lakes",
		Long: `lakegate loads data into an isolated catalog branch, audits it with
expectations and publishes it to the target branch only when every
expectation passes.

Features:
  - Run specs in CUE or YAML
  - SQL and Starlark expectations
  - S3, local and SFTP sources with Parquet staging
  - Embedded or REST catalog
  - Admission policies in rego
  - Run history, events and Prometheus metrics`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStageCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newBranchesCommand())
	rootCmd.AddCommand(newCatalogCommand())
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}
