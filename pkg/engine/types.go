package engine

import (
	"fmt"
	"sync"
	"time"
)

// Branch is a named, independently mutable pointer into the catalog.
type Branch struct {
	// Name is the branch name (e.g. "main", "alice.wap-1f2e3d4c").
	Name string `json:"name"`

	// BaseRef is the ref the branch was created from.
	BaseRef string `json:"base_ref,omitempty"`

	// Head is the latest commit hash the branch points to.
	Head string `json:"head"`
}

// Rows is the result of a catalog query.
type Rows struct {
	Columns []string        `json:"columns"`
	Values  [][]interface{} `json:"values"`
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Maps returns the rows as column-keyed maps.
func (r *Rows) Maps() []map[string]interface{} {
	if r == nil {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(r.Values))
	for _, row := range r.Values {
		m := make(map[string]interface{}, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

// Scalar returns the single value of a one-row, one-column result.
func (r *Rows) Scalar() (interface{}, error) {
	if r.Len() != 1 || len(r.Columns) != 1 {
		return nil, fmt.Errorf("expected a single value, got %d rows", r.Len())
	}
	return r.Values[0][0], nil
}

// CreateTableRequest creates a table on a branch.
// The table is created if absent; Replace drops and recreates an existing table.
type CreateTableRequest struct {
	Table     string `json:"table"`
	Namespace string `json:"namespace"`
	Branch    string `json:"branch"`
	SearchURI string `json:"search_uri"`
	Replace   bool   `json:"replace"`
}

// ImportRequest imports files matching SourceURI into a table on a branch.
type ImportRequest struct {
	Table     string `json:"table"`
	SourceURI string `json:"source_uri"`
	Branch    string `json:"branch"`
	Namespace string `json:"namespace"`

	// ContinueOnError imports the remaining files when one file fails.
	ContinueOnError bool `json:"continue_on_error"`

	// BestEffort tolerates schema mismatches by skipping offending files.
	BestEffort bool `json:"best_effort"`
}

// FileOutcome is the import result of one source file.
type FileOutcome struct {
	URI    string       `json:"uri"`
	Rows   int64        `json:"rows"`
	Status ImportStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// ImportOutcome is the catalog's response to an import.
type ImportOutcome struct {
	Files        []FileOutcome `json:"files"`
	RowsImported int64         `json:"rows_imported"`

	// Head is the branch head after the import commit.
	Head string `json:"head"`

	// Error is set when some files failed under ContinueOnError.
	Error string `json:"error,omitempty"`
}

// MergeRequest merges Source into Target if Target still points at ExpectedHead.
type MergeRequest struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	ExpectedHead string `json:"expected_head"`
}

// MergeOutcome is the result of a successful merge.
type MergeOutcome struct {
	// Head is the new head of the target branch (the merge commit).
	Head string `json:"head"`
}

// ImportSpec describes one source to import.
type ImportSpec struct {
	// Name identifies the source in reports; defaults to the table name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Table is the target table name.
	Table string `json:"table" yaml:"table" validate:"required,table_name"`

	// SourceURI is the source URI pattern (s3://, file://, sftp://).
	SourceURI string `json:"source_uri" yaml:"source_uri" validate:"required"`

	// Namespace overrides the run namespace for this source.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	// Replace recreates the table on the ingestion branch before importing.
	Replace bool `json:"replace,omitempty" yaml:"replace,omitempty"`
}

// DisplayName returns the name used in reports.
func (s ImportSpec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Table
}

// ExpectationSpec describes one quality check.
// Either Expr is set (e.g. "no_nulls(col=x)") or Kind with its fields.
type ExpectationSpec struct {
	Name   string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Expr   string                 `json:"expr,omitempty" yaml:"expr,omitempty"`
	Kind   string                 `json:"kind,omitempty" yaml:"kind,omitempty"`
	Table  string                 `json:"table,omitempty" yaml:"table,omitempty"`
	Column string                 `json:"column,omitempty" yaml:"column,omitempty"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	SQL    string                 `json:"sql,omitempty" yaml:"sql,omitempty"`
	Script string                 `json:"script,omitempty" yaml:"script,omitempty"`
}

// RunPolicy holds per-run execution settings.
type RunPolicy struct {
	// ImportMode selects fail-fast or continue-on-error import handling.
	ImportMode ImportMode `json:"import_mode,omitempty" yaml:"import_mode,omitempty" validate:"omitempty,oneof=fail_fast continue_on_error"`

	// BestEffort asks the catalog to skip files with mismatched schemas.
	BestEffort bool `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`

	// ImportWorkers bounds concurrent imports. Zero uses the coordinator default.
	ImportWorkers int `json:"import_workers,omitempty" yaml:"import_workers,omitempty" validate:"gte=0,lte=64"`

	// CheckWorkers bounds concurrent expectations. Zero uses the coordinator default.
	CheckWorkers int `json:"check_workers,omitempty" yaml:"check_workers,omitempty" validate:"gte=0,lte=64"`

	// MaxMergeAttempts bounds merge retries on head conflicts. Zero uses the default.
	MaxMergeAttempts int `json:"max_merge_attempts,omitempty" yaml:"max_merge_attempts,omitempty" validate:"gte=0,lte=10"`
}

// RunSpec is the input to Coordinator.Run.
type RunSpec struct {
	// Owner prefixes the ingestion branch name. Defaults to the coordinator owner.
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty" validate:"omitempty,branch_segment"`

	// RunID identifies the run. Generated when empty.
	RunID string `json:"run_id,omitempty" yaml:"run_id,omitempty"`

	// TargetBranch is the shared branch data is published to.
	TargetBranch string `json:"target_branch" yaml:"target_branch" validate:"required"`

	// BaseRef is the ref the ingestion branch is created from. Defaults to TargetBranch.
	BaseRef string `json:"base_ref,omitempty" yaml:"base_ref,omitempty"`

	// Namespace is the default table namespace.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	Imports      []ImportSpec      `json:"imports" yaml:"imports" validate:"required,min=1,dive"`
	Expectations []ExpectationSpec `json:"expectations" yaml:"expectations" validate:"required,min=1"`
	Policy       RunPolicy         `json:"policy" yaml:"policy"`

	// Labels are free-form metadata recorded with the run.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// ImportJob is the recorded outcome of one source import.
type ImportJob struct {
	Name         string        `json:"name"`
	SourceURI    string        `json:"source_uri"`
	Table        string        `json:"table"`
	Branch       string        `json:"branch"`
	Namespace    string        `json:"namespace"`
	Status       ImportStatus  `json:"status"`
	Attempts     int           `json:"attempts"`
	RowsImported int64         `json:"rows_imported"`
	Files        []FileOutcome `json:"files,omitempty"`
	Error        string        `json:"error,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// ImportReport aggregates the import jobs of a run.
type ImportReport struct {
	Jobs []ImportJob `json:"jobs"`

	// Succeeded is true when every job satisfied the import policy.
	Succeeded bool `json:"succeeded"`

	// Err is the first failure that decided the report, if any.
	Err error `json:"-"`
}

// ExpectationResult is the outcome of one quality check.
type ExpectationResult struct {
	Name     string        `json:"name"`
	Branch   string        `json:"branch"`
	Passed   bool          `json:"passed"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// MergeAttempt records one merge call.
type MergeAttempt struct {
	Attempt      int         `json:"attempt"`
	ExpectedHead string      `json:"expected_head"`
	Status       MergeStatus `json:"status"`
	ResultHead   string      `json:"result_head,omitempty"`
	Error        string      `json:"error,omitempty"`
	At           time.Time   `json:"at"`
}

// Warning is a non-fatal problem attached to a run, e.g. a failed cleanup.
type Warning struct {
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// StageTransition records when the run entered a stage.
type StageTransition struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

// WAPRun is the audit record of one ingestion attempt.
type WAPRun struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	TargetBranch string `json:"target_branch"`
	BaseRef      string `json:"base_ref"`
	Namespace    string `json:"namespace"`

	// Branch is the ingestion branch allocated for the run.
	Branch Branch `json:"branch"`

	// BranchState is the last lifecycle state of the ingestion branch.
	BranchState BranchState `json:"branch_state"`

	Imports       []ImportJob         `json:"imports"`
	Expectations  []ExpectationResult `json:"expectations"`
	MergeAttempts []MergeAttempt      `json:"merge_attempts"`
	Warnings      []Warning           `json:"warnings,omitempty"`

	// Disposition is set exactly once; see SetDisposition.
	Disposition Disposition `json:"disposition"`

	// Stage is the current state machine stage.
	Stage   Stage             `json:"stage"`
	History []StageTransition `json:"history"`

	// ErrorClass, ErrorCode and Error describe the failure of a FAILED run.
	ErrorClass ErrorClass `json:"error_class,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Error      string     `json:"error,omitempty"`

	// TargetHeadBefore and TargetHeadAfter bracket the run.
	TargetHeadBefore string `json:"target_head_before,omitempty"`
	TargetHeadAfter  string `json:"target_head_after,omitempty"`

	Labels map[string]string `json:"labels,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	mu sync.Mutex
}

// SetDisposition records the final disposition.
// It returns an error if a disposition was already recorded.
func (r *WAPRun) SetDisposition(d Disposition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Disposition != "" {
		return fmt.Errorf("disposition already set to %s", r.Disposition)
	}
	r.Disposition = d
	return nil
}

// AddWarning appends a warning. Safe for concurrent use.
func (r *WAPRun) AddWarning(stage Stage, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, Warning{Stage: stage, Message: message, At: time.Now()})
}

// Passed reports whether every expectation passed.
// A run with no results has not passed.
func (r *WAPRun) Passed() bool {
	return AllPassed(r.Expectations)
}

// Duration returns the wall time of the run.
func (r *WAPRun) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// AllPassed returns the logical AND of the results.
func AllPassed(results []ExpectationResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// RunFilter selects runs when listing.
type RunFilter struct {
	Owner        string
	TargetBranch string
	Disposition  Disposition
	Limit        int
}

// Event represents a coordinator event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// Stage is the coordinator stage when the event was emitted.
	Stage Stage `json:"stage,omitempty"`

	// Message is the human-readable event message.
	Message string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}
