// Package engine implements the Write-Audit-Publish (WAP) ingestion coordinator.
//
// # Overview
//
// New data is admitted into a versioned, branch-based table catalog in five steps:
//
//  1. Branch - create an isolated ingestion branch from the target's current head (BranchLifecycle)
//  2. Write - import every source onto the branch (Importer)
//  3. Audit - evaluate every expectation against the branch (ExpectationRunner)
//  4. Publish - merge the branch into the target, only if all expectations passed
//  5. Cleanup - delete the ingestion branch on every exit path
//
// The Coordinator sequences these steps as a saga. Its single entry point is
// Coordinator.Run, which returns a WAPRun audit record with one of three
// dispositions:
//
//   - MERGED: all checks passed and the branch was merged
//   - REJECTED: at least one expectation failed; the target is untouched
//   - FAILED: an infrastructure or conflict error; the target is untouched
//
// # Catalog Interface
//
// The catalog is consumed only through CatalogClient:
//
//	type CatalogClient interface {
//	    BranchExists(ctx context.Context, name string) (bool, error)
//	    GetBranch(ctx context.Context, name string) (*Branch, error)
//	    CreateBranch(ctx context.Context, name, fromRef string) (*Branch, error)
//	    DeleteBranch(ctx context.Context, name string) (bool, error)
//	    CreateTable(ctx context.Context, req CreateTableRequest) error
//	    ImportData(ctx context.Context, req ImportRequest) (*ImportOutcome, error)
//	    Query(ctx context.Context, sql, ref string) (*Rows, error)
//	    MergeBranch(ctx context.Context, req MergeRequest) (*MergeOutcome, error)
//	}
//
// # Concurrency
//
// Runs are isolated by branch naming, not locking: every run gets a branch named
// "<owner>.wap-<run id>". The only contention point is the merge, which carries
// the expected target head. A HEAD_CHANGED response is retried a bounded number
// of times with a freshly read head.
//
// # Error Classification
//
// Errors are classified for one generic retry policy (RetryPolicy):
//
//   - Transient: temporary failures, retried with exponential backoff
//   - HeadConflict: the target advanced; retried after re-reading the head
//   - ContentConflict: unmergeable changes; the run fails
//   - Fatal: everything else; the run fails
//
// Timeouts on non-idempotent calls leave their outcome unknown. Imports are
// reconciled by checking whether their files reached the target table since
// the first attempt; merges by re-reading the target head, and a moved head
// fails the run with UNKNOWN_OUTCOME rather than assuming success.
package engine
