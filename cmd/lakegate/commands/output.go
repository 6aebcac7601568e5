package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/lakegate/lakegate/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRun(w io.Writer, run *engine.WAPRun) error {
	if jsonOutput {
		return printJSON(w, run)
	}

	fmt.Fprintf(w, "Run %s: %s\n", run.ID, run.Disposition)
	fmt.Fprintf(w, "  target:  %s (%s -> %s)\n", run.TargetBranch, shortHead(run.TargetHeadBefore), shortHead(run.TargetHeadAfter))
	if run.Branch.Name != "" {
		fmt.Fprintf(w, "  branch:  %s (%s)\n", run.Branch.Name, run.BranchState)
	}
	if !run.CompletedAt.IsZero() {
		fmt.Fprintf(w, "  elapsed: %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error:   [%s] %s\n", run.ErrorCode, run.Error)
	}

	if len(run.Imports) > 0 {
		fmt.Fprintln(w, "Imports:")
		for _, job := range run.Imports {
			line := fmt.Sprintf("  %-8s %s <- %s (%d rows, %d attempts)",
				job.Status, job.Table, job.SourceURI, job.RowsImported, job.Attempts)
			if job.Error != "" {
				line += ": " + job.Error
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(run.Expectations) > 0 {
		fmt.Fprintln(w, "Expectations:")
		for _, res := range run.Expectations {
			mark := "PASS"
			if !res.Passed {
				mark = "FAIL"
			}
			line := fmt.Sprintf("  %s %s", mark, res.Name)
			if res.Message != "" {
				line += ": " + res.Message
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(run.MergeAttempts) > 0 {
		fmt.Fprintln(w, "Merge attempts:")
		for _, m := range run.MergeAttempts {
			line := fmt.Sprintf("  #%d %s expected=%s", m.Attempt, m.Status, shortHead(m.ExpectedHead))
			if m.ResultHead != "" {
				line += " result=" + shortHead(m.ResultHead)
			}
			if m.Error != "" {
				line += ": " + m.Error
			}
			fmt.Fprintln(w, line)
		}
	}

	for _, warn := range run.Warnings {
		fmt.Fprintf(w, "Warning (%s): %s\n", warn.Stage, warn.Message)
	}
	return nil
}

func printRuns(w io.Writer, runs []*engine.WAPRun) error {
	if jsonOutput {
		return printJSON(w, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}
	fmt.Fprintf(w, "%-36s  %-9s  %-20s  %-20s  %s\n", "ID", "RESULT", "TARGET", "STARTED", "ERROR")
	for _, run := range runs {
		fmt.Fprintf(w, "%-36s  %-9s  %-20s  %-20s  %s\n",
			run.ID, run.Disposition, run.TargetBranch,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"), run.ErrorCode)
	}
	return nil
}

func printEvents(w io.Writer, events []*engine.Event) {
	fmt.Fprintln(w, "Events:")
	for _, e := range events {
		fmt.Fprintf(w, "  %s  %-18s %s\n", e.Timestamp.Local().Format("15:04:05.000"), e.Type, e.Message)
	}
}

func shortHead(head string) string {
	if head == "" {
		return "-"
	}
	if len(head) > 12 {
		return head[:12]
	}
	return head
}

// dispositionError maps a finished run to the command result.
func dispositionError(run *engine.WAPRun) error {
	switch run.Disposition {
	case engine.DispositionMerged:
		return nil
	case engine.DispositionRejected:
		failed := make([]string, 0, len(run.Expectations))
		for _, res := range run.Expectations {
			if !res.Passed {
				failed = append(failed, res.Name)
			}
		}
		return &ExitError{Code: 2, Err: fmt.Errorf("run %s rejected: failed expectations %s", run.ID, strings.Join(failed, ", "))}
	default:
		return &ExitError{Code: 1, Err: fmt.Errorf("run %s failed: %s", run.ID, run.Error)}
	}
}

func sortedTableNames(stats map[string]int) []string {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
