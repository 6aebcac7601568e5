package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ExpectationRunner executes quality checks against a branch.
type ExpectationRunner struct {
	querier Querier
	workers int
	metrics MetricsRecorder
	logger  zerolog.Logger
}

// NewExpectationRunner creates a runner. Queries are retried with retry since they are read-only.
func NewExpectationRunner(
	q Querier,
	retry RetryPolicy,
	workers int,
	metrics MetricsRecorder,
	logger zerolog.Logger,
) *ExpectationRunner {
	if workers <= 0 {
		workers = 4
	}
	logger = logger.With().Str("component", "expectations").Logger()
	return &ExpectationRunner{
		querier: &retryingQuerier{next: q, retry: retry, logger: logger},
		workers: workers,
		metrics: metrics,
		logger:  logger,
	}
}

// RunAll evaluates every check against branch and returns one result per check,
// in input order. Check errors and panics become failed results; no check is skipped.
func (r *ExpectationRunner) RunAll(ctx context.Context, branch string, checks []Check) []ExpectationResult {
	results := make([]ExpectationResult, len(checks))

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, check := range checks {
		g.Go(func() error {
			// Each goroutine writes only its own slot.
			results[i] = r.runOne(ctx, branch, check)
			return nil
		})
	}
	_ = g.Wait()

	passed := 0
	for _, res := range results {
		if res.Passed {
			passed++
		}
	}
	r.logger.Info().
		Str("branch", branch).
		Int("checks", len(checks)).
		Int("passed", passed).
		Msg("Expectations evaluated")

	return results
}

func (r *ExpectationRunner) runOne(ctx context.Context, branch string, check Check) (result ExpectationResult) {
	start := time.Now()
	result = ExpectationResult{Name: check.Name(), Branch: branch}

	defer func() {
		if rec := recover(); rec != nil {
			result.Passed = false
			result.Message = fmt.Sprintf("check panicked: %v", rec)
		}
		result.Duration = time.Since(start)

		level := r.logger.Debug()
		if !result.Passed {
			level = r.logger.Warn()
		}
		level.Str("check", result.Name).
			Bool("passed", result.Passed).
			Str("message", result.Message).
			Dur("duration", result.Duration).
			Msg("Expectation finished")

		if r.metrics != nil {
			r.metrics.RecordExpectation(result.Passed)
		}
	}()

	if err := ctx.Err(); err != nil {
		result.Message = fmt.Sprintf("not evaluated: %v", err)
		return result
	}

	passed, msg, err := check.Evaluate(ctx, r.querier, branch)
	if err != nil {
		result.Passed = false
		result.Message = fmt.Sprintf("check error: %v", err)
		return result
	}
	result.Passed = passed
	result.Message = msg
	return result
}

// retryingQuerier retries transient query failures.
type retryingQuerier struct {
	next   Querier
	retry  RetryPolicy
	logger zerolog.Logger
}

func (q *retryingQuerier) Query(ctx context.Context, sql, ref string) (*Rows, error) {
	var rows *Rows
	_, err := q.retry.Do(ctx, IsRetryable, func(err error, next time.Duration) {
		q.logger.Warn().Err(err).Str("ref", ref).Dur("backoff", next).Msg("Retrying query")
	}, func(ctx context.Context, _ Attempt) error {
		var qErr error
		rows, qErr = q.next.Query(ctx, sql, ref)
		return qErr
	})
	return rows, err
}
