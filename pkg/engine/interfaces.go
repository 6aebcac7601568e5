package engine

//go:generate mockgen -destination=mocks/mock_catalog.go -package=mocks github.com/lakegate/lakegate/pkg/engine Admitter,CatalogClient,EventPublisher

import (
	"context"
	"time"
)

// Querier runs read-only SQL against a catalog ref.
type Querier interface {
	// Query executes sql against the snapshot at ref. Fails with QUERY_ERROR.
	Query(ctx context.Context, sql, ref string) (*Rows, error)
}

// CatalogClient is the facade over the versioned table catalog.
// Every call either succeeds or fails with an *EngineError.
type CatalogClient interface {
	Querier

	// BranchExists reports whether the branch exists.
	// It fails only on transport or auth errors, never on "not found".
	BranchExists(ctx context.Context, name string) (bool, error)

	// GetBranch returns the branch and its current head. Fails with REF_NOT_FOUND.
	GetBranch(ctx context.Context, name string) (*Branch, error)

	// CreateBranch creates name from fromRef. Fails with BRANCH_EXISTS or REF_NOT_FOUND.
	CreateBranch(ctx context.Context, name, fromRef string) (*Branch, error)

	// DeleteBranch deletes the branch. Deleting an absent branch returns false, nil.
	DeleteBranch(ctx context.Context, name string) (bool, error)

	// ListBranches returns the branches whose names start with prefix.
	ListBranches(ctx context.Context, prefix string) ([]Branch, error)

	// CreateTable creates or replaces a table on a branch.
	CreateTable(ctx context.Context, req CreateTableRequest) error

	// TableFiles lists the source URIs already imported into a table at ref.
	// Fails with TABLE_NOT_FOUND or REF_NOT_FOUND.
	TableFiles(ctx context.Context, ref, namespace, table string) ([]string, error)

	// ImportData imports source files onto a branch, advancing its head.
	// Fails with SCHEMA_MISMATCH, DUPLICATE_FILE or a transient error.
	ImportData(ctx context.Context, req ImportRequest) (*ImportOutcome, error)

	// MergeBranch merges source into target with an expected-head check.
	// Fails with HEAD_CHANGED (head conflict) or MERGE_CONFLICT (content conflict).
	MergeBranch(ctx context.Context, req MergeRequest) (*MergeOutcome, error)
}

// Check is a named data-quality predicate evaluated against a branch.
type Check interface {
	// Name returns the check name reported in results.
	Name() string

	// Evaluate runs the predicate. An error is recorded as a failed result.
	Evaluate(ctx context.Context, q Querier, ref string) (passed bool, message string, err error)
}

// CheckDefaults supplies run context to check builders.
type CheckDefaults struct {
	// Table is used when a check does not name one.
	Table string

	// Namespace qualifies unqualified table names.
	Namespace string
}

// CheckBuilder turns expectation specs into checks.
type CheckBuilder interface {
	Build(spec ExpectationSpec, defaults CheckDefaults) (Check, error)
}

// Admitter decides whether a run spec may execute.
// A denial is returned as a fatal error with code POLICY_DENIED.
type Admitter interface {
	Admit(ctx context.Context, spec *RunSpec) error
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	SaveRun(ctx context.Context, run *WAPRun) error
}

// RunReader retrieves recorded runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*WAPRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*WAPRun, error)
}

// RunIndex reports whether a run ID has already been recorded.
type RunIndex interface {
	RunExists(ctx context.Context, id string) (bool, error)
}

// EventPublisher publishes coordinator events.
type EventPublisher interface {
	// Publish publishes an event to all subscribers.
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives coordinator measurements.
type MetricsRecorder interface {
	RecordRun(disposition Disposition, target string, duration time.Duration)
	RecordStage(stage Stage, duration time.Duration)
	RecordImport(status ImportStatus, attempts int)
	RecordExpectation(passed bool)
	RecordMergeAttempt(status MergeStatus)
	RecordCleanupWarning()
}
