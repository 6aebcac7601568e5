package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BranchLifecycle creates, probes and deletes the ingestion branch of one run.
// Its state machine is UNCREATED -> CREATED -> {MERGED | ABORTED} -> CLEANED.
type BranchLifecycle struct {
	catalog CatalogClient
	owner   string
	runID   string
	retry   RetryPolicy
	logger  zerolog.Logger

	mu        sync.Mutex
	state     BranchState
	branch    *Branch
	name      string
	attempted bool
}

// NewBranchLifecycle creates the lifecycle for the branch of run runID.
func NewBranchLifecycle(
	catalog CatalogClient,
	owner, runID string,
	retry RetryPolicy,
	logger zerolog.Logger,
) *BranchLifecycle {
	return &BranchLifecycle{
		catalog: catalog,
		owner:   owner,
		runID:   runID,
		retry:   retry,
		logger:  logger.With().Str("component", "branch-lifecycle").Str("run_id", runID).Logger(),
		state:   BranchStateUncreated,
	}
}

// State returns the current branch state.
func (l *BranchLifecycle) State() BranchState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Branch returns the created branch, or nil.
func (l *BranchLifecycle) Branch() *Branch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.branch
}

// Name returns the derived branch name once EnsureFreshBranch has run.
func (l *BranchLifecycle) Name() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name
}

func (l *BranchLifecycle) transition(next BranchState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.CanTransition(next) {
		return NewFatalError(fmt.Sprintf("illegal branch transition %s -> %s", l.state, next), nil).
			WithCode(ErrCodeInternal).WithResource(l.name)
	}
	l.state = next
	return nil
}

// EnsureFreshBranch creates a new ingestion branch from baseRef.
// It never reuses a branch: an existing branch with the derived name fails with BRANCH_EXISTS.
func (l *BranchLifecycle) EnsureFreshBranch(ctx context.Context, baseRef string) (*Branch, error) {
	name, err := BranchName(l.owner, l.runID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.name = name
	l.mu.Unlock()

	var exists bool
	_, err = l.retry.Do(ctx, IsRetryable, nil, func(ctx context.Context, _ Attempt) error {
		var probeErr error
		exists, probeErr = l.catalog.BranchExists(ctx, name)
		return probeErr
	})
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrBranchExists(name).WithOperation("ensure_fresh_branch")
	}

	l.mu.Lock()
	l.attempted = true
	l.mu.Unlock()

	var created *Branch
	attempts, err := l.retry.Do(ctx, IsRetryable, l.logRetry("create_branch"), func(ctx context.Context, a Attempt) error {
		// The name is unique to this run, so a branch that appeared after a
		// failed or timed-out create is ours.
		if a.LastErr != nil {
			found, probeErr := l.catalog.BranchExists(ctx, name)
			if probeErr != nil {
				return probeErr
			}
			if found {
				b, getErr := l.catalog.GetBranch(ctx, name)
				if getErr != nil {
					return getErr
				}
				l.logger.Info().Str("branch", name).Bool("timeout", IsTimeout(a.LastErr)).Msg("Reconciled branch creation")
				created = b
				return nil
			}
		}

		b, createErr := l.catalog.CreateBranch(ctx, name, baseRef)
		if createErr != nil {
			return createErr
		}
		created = b
		return nil
	})
	if err != nil {
		if attempts == 1 && HasCode(err, ErrCodeBranchExists) {
			// Lost a race for the name; the branch belongs to someone else.
			l.mu.Lock()
			l.attempted = false
			l.mu.Unlock()
		}
		return nil, err
	}

	if created.BaseRef == "" {
		created.BaseRef = baseRef
	}
	if err := l.transition(BranchStateCreated); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.branch = created
	l.mu.Unlock()

	l.logger.Info().
		Str("branch", created.Name).
		Str("base_ref", baseRef).
		Str("head", created.Head).
		Msg("Created ingestion branch")

	return created, nil
}

// MarkMerged records that the branch was published.
func (l *BranchLifecycle) MarkMerged() error {
	return l.transition(BranchStateMerged)
}

// MarkAborted records that the branch will not be published.
func (l *BranchLifecycle) MarkAborted() error {
	return l.transition(BranchStateAborted)
}

// Cleanup deletes the ingestion branch. It must run on every exit path.
// A missing branch is not an error. Any other failure is returned for the caller
// to attach as a warning; the branch state still becomes CLEANED.
func (l *BranchLifecycle) Cleanup(ctx context.Context) error {
	l.mu.Lock()
	name := l.name
	attempted := l.attempted
	state := l.state
	l.mu.Unlock()

	if state == BranchStateCleaned {
		return nil
	}
	defer func() {
		_ = l.transition(BranchStateCleaned)
	}()

	if !attempted || name == "" {
		return nil
	}

	var deleted bool
	_, err := l.retry.Do(ctx, IsRetryable, l.logRetry("delete_branch"), func(ctx context.Context, _ Attempt) error {
		var delErr error
		deleted, delErr = l.catalog.DeleteBranch(ctx, name)
		if HasCode(delErr, ErrCodeRefNotFound) {
			deleted = false
			return nil
		}
		return delErr
	})
	if err != nil {
		l.logger.Warn().Err(err).Str("branch", name).Msg("Failed to delete ingestion branch")
		return fmt.Errorf("failed to delete branch %s: %w", name, err)
	}

	l.logger.Debug().Str("branch", name).Bool("deleted", deleted).Msg("Cleaned up ingestion branch")
	return nil
}

// Acquire creates the branch and returns a release function that cleans it up.
// The release function is valid even when Acquire fails.
func (l *BranchLifecycle) Acquire(ctx context.Context, baseRef string) (*Branch, func(context.Context) error, error) {
	b, err := l.EnsureFreshBranch(ctx, baseRef)
	return b, l.Cleanup, err
}

func (l *BranchLifecycle) logRetry(op string) func(error, time.Duration) {
	return func(err error, next time.Duration) {
		l.logger.Warn().Err(err).
			Str("operation", op).
			Dur("backoff", next).
			Msg("Retrying catalog call")
	}
}
