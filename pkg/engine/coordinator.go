package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/lakegate/lakegate/pkg/engine"

// Options configures a Coordinator.
type Options struct {
	// Owner is the default ingestion branch owner.
	Owner string

	// Namespace is the default table namespace.
	Namespace string

	// Checks builds checks from expectation specs. Required.
	Checks CheckBuilder

	// Admitter evaluates admission policies. Optional.
	Admitter Admitter

	// Recorder persists finished runs. Optional.
	Recorder RunRecorder

	// Runs rejects reused run IDs before any branch is created. Optional.
	Runs RunIndex

	// Publisher receives run events. Optional.
	Publisher EventPublisher

	// Metrics receives measurements. Optional.
	Metrics MetricsRecorder

	// Logger is the base logger. Defaults to a disabled logger.
	Logger *zerolog.Logger

	// CatalogRetry governs branch probes, creation, deletion and head reads.
	CatalogRetry RetryPolicy

	// ImportRetry governs table creation and imports.
	ImportRetry RetryPolicy

	// QueryRetry governs expectation queries.
	QueryRetry RetryPolicy

	// MergeRetry governs merge attempts. MaxAttempts bounds head-conflict retries.
	MergeRetry RetryPolicy

	// ImportWorkers and CheckWorkers are defaults for runs that do not set them.
	ImportWorkers int
	CheckWorkers  int

	// CleanupTimeout bounds branch cleanup, which runs detached from caller cancellation.
	CleanupTimeout time.Duration

	// NewRunID generates run IDs. Defaults to random UUIDs.
	NewRunID func() string
}

// DefaultOptions returns options with the standard retry policies.
func DefaultOptions() Options {
	return Options{
		Owner:          "lakegate",
		Namespace:      DefaultNamespace,
		CatalogRetry:   DefaultRetryPolicy(),
		ImportRetry:    DefaultRetryPolicy(),
		QueryRetry:     DefaultRetryPolicy(),
		MergeRetry:     RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, Multiplier: 2, MaxInterval: 5 * time.Second},
		ImportWorkers:  4,
		CheckWorkers:   4,
		CleanupTimeout: 2 * time.Minute,
	}
}

// Coordinator runs Write-Audit-Publish ingestions against a catalog.
// It is safe for concurrent use: each run allocates its own ingestion branch.
type Coordinator struct {
	catalog CatalogClient
	opts    Options
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// NewCoordinator creates a coordinator over catalog.
func NewCoordinator(catalog CatalogClient, opts Options) (*Coordinator, error) {
	if catalog == nil {
		return nil, NewFatalError("catalog client is nil", nil).WithCode(ErrCodeValidation)
	}
	if opts.Checks == nil {
		return nil, NewFatalError("check builder is nil", nil).WithCode(ErrCodeValidation)
	}
	if opts.Owner == "" {
		opts.Owner = "lakegate"
	}
	if !ValidBranchSegment(strings.ToLower(opts.Owner)) {
		return nil, NewValidationError(fmt.Sprintf("invalid owner %q", opts.Owner), nil)
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 2 * time.Minute
	}
	if opts.NewRunID == nil {
		opts.NewRunID = func() string { return uuid.New().String() }
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Coordinator{
		catalog: catalog,
		opts:    opts,
		logger:  logger.With().Str("component", "coordinator").Logger(),
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// Prepare normalizes and validates spec, rejects a reused run ID, evaluates
// admission policies and builds its checks. It touches no catalog state, so failures happen before any branch exists.
func (c *Coordinator) Prepare(ctx context.Context, spec *RunSpec) ([]Check, error) {
	if spec == nil {
		return nil, NewValidationError("run spec is nil", nil)
	}
	c.normalize(spec)

	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}

	if c.opts.Runs != nil {
		exists, err := c.opts.Runs.RunExists(ctx, spec.RunID)
		if err != nil {
			return nil, NewTransientError("failed to look up run", err).WithResource(spec.RunID)
		}
		if exists {
			return nil, ErrRunExists(spec.RunID)
		}
	}

	if c.opts.Admitter != nil {
		if err := c.opts.Admitter.Admit(ctx, spec); err != nil {
			return nil, err
		}
	}

	defaults := CheckDefaults{Table: spec.Imports[0].Table, Namespace: spec.Namespace}
	checks := make([]Check, 0, len(spec.Expectations))
	for i, exp := range spec.Expectations {
		check, err := c.opts.Checks.Build(exp, defaults)
		if err != nil {
			return nil, NewValidationError(fmt.Sprintf("invalid expectation %d", i), err)
		}
		checks = append(checks, check)
	}
	return checks, nil
}

func (c *Coordinator) normalize(spec *RunSpec) {
	if spec.RunID == "" {
		spec.RunID = c.opts.NewRunID()
	}
	if spec.Owner == "" {
		spec.Owner = c.opts.Owner
	}
	spec.Owner = strings.ToLower(spec.Owner)
	if spec.BaseRef == "" {
		spec.BaseRef = spec.TargetBranch
	}
	if spec.Namespace == "" {
		spec.Namespace = c.opts.Namespace
	}
	if spec.Policy.ImportMode == "" {
		spec.Policy.ImportMode = ImportModeFailFast
	}
	if spec.Policy.ImportWorkers == 0 {
		spec.Policy.ImportWorkers = c.opts.ImportWorkers
	}
	if spec.Policy.CheckWorkers == 0 {
		spec.Policy.CheckWorkers = c.opts.CheckWorkers
	}
	if spec.Policy.MaxMergeAttempts == 0 {
		spec.Policy.MaxMergeAttempts = c.opts.MergeRetry.withDefaults().MaxAttempts
	}
}

// Run executes one Write-Audit-Publish ingestion.
//
// A returned error means the spec was rejected before any catalog change
// (validation, a reused run ID or admission). Otherwise the run record
// carries the outcome: MERGED, REJECTED or FAILED. The ingestion branch is
// deleted on every path, including caller cancellation.
func (c *Coordinator) Run(ctx context.Context, spec RunSpec) (*WAPRun, error) {
	checks, err := c.Prepare(ctx, &spec)
	if err != nil {
		c.logger.Warn().Err(err).Str("target", spec.TargetBranch).Msg("Run spec rejected")
		if HasCode(err, ErrCodePolicyDenied) {
			c.publish(ctx, &WAPRun{ID: spec.RunID, Stage: StageStart}, EventTypeAdmissionDenied, "warning", err.Error(), nil)
		}
		return nil, err
	}

	run := &WAPRun{
		ID:           spec.RunID,
		Owner:        spec.Owner,
		TargetBranch: spec.TargetBranch,
		BaseRef:      spec.BaseRef,
		Namespace:    spec.Namespace,
		BranchState:  BranchStateUncreated,
		Stage:        StageStart,
		Labels:       spec.Labels,
		StartedAt:    time.Now(),
	}
	run.History = append(run.History, StageTransition{Stage: StageStart, At: run.StartedAt})

	ctx, span := c.tracer.Start(ctx, "wap.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.target", run.TargetBranch),
		attribute.Int("run.imports", len(spec.Imports)),
		attribute.Int("run.expectations", len(checks)),
	))
	defer span.End()

	logger := c.logger.With().Str("run_id", run.ID).Str("target", run.TargetBranch).Logger()
	logger.Info().Str("owner", run.Owner).Msg("Run started")
	c.publish(ctx, run, EventTypeRunStarted, "info", "Run started", nil)

	lifecycle := NewBranchLifecycle(c.catalog, spec.Owner, spec.RunID, c.opts.CatalogRetry, logger)

	c.execute(ctx, run, lifecycle, &spec, checks, logger)

	// Cleanup is detached from the caller's cancellation and cannot change the disposition.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CleanupTimeout)
	defer cancel()
	c.cleanup(cleanupCtx, run, lifecycle, logger)
	c.finish(cleanupCtx, run, logger)

	span.SetAttributes(attribute.String("run.disposition", string(run.Disposition)))
	if run.Disposition == DispositionFailed {
		span.SetStatus(codes.Error, run.Error)
	} else {
		span.SetStatus(codes.Ok, string(run.Disposition))
	}

	return run, nil
}

// execute runs the stages up to and including the merge decision.
// On return the disposition is set.
func (c *Coordinator) execute(
	ctx context.Context,
	run *WAPRun,
	lifecycle *BranchLifecycle,
	spec *RunSpec,
	checks []Check,
	logger zerolog.Logger,
) {
	// Branch from the target's current head.
	target, err := c.getBranch(ctx, spec.TargetBranch)
	if err != nil {
		c.fail(ctx, run, err, logger)
		return
	}
	run.TargetHeadBefore = target.Head

	fromRef := spec.BaseRef
	if spec.BaseRef == spec.TargetBranch && target.Head != "" {
		fromRef = target.Head
	}

	stageCtx, span := c.tracer.Start(ctx, "wap.branch")
	branch, err := lifecycle.EnsureFreshBranch(stageCtx, fromRef)
	endSpan(span, err)
	run.Branch = Branch{Name: lifecycle.Name(), BaseRef: fromRef}
	run.BranchState = lifecycle.State()
	if err != nil {
		c.fail(ctx, run, err, logger)
		return
	}
	run.Branch = *branch
	run.BranchState = lifecycle.State()
	c.publish(ctx, run, EventTypeBranchCreated, "info", "Created ingestion branch "+branch.Name,
		map[string]interface{}{"branch": branch.Name, "head": branch.Head})
	c.advance(ctx, run, StageBranched, logger)

	// Write.
	if c.canceled(ctx, run, lifecycle, logger) {
		return
	}
	importer := NewImporter(c.catalog, c.opts.ImportRetry, c.opts.Metrics, logger)
	stageCtx, span = c.tracer.Start(ctx, "wap.import")
	report := importer.ImportAll(stageCtx, branch.Name, spec.Imports, ImportOptions{
		Mode:       spec.Policy.ImportMode,
		Workers:    spec.Policy.ImportWorkers,
		BestEffort: spec.Policy.BestEffort,
		Namespace:  spec.Namespace,
	})
	endSpan(span, report.Err)
	run.Imports = report.Jobs
	for _, job := range report.Jobs {
		c.publish(ctx, run, EventTypeImportCompleted, levelFor(job.Status == ImportStatusSuccess),
			fmt.Sprintf("Import of %s into %s: %s", job.SourceURI, job.Table, job.Status),
			map[string]interface{}{"table": job.Table, "status": string(job.Status), "attempts": job.Attempts})
	}
	if !report.Succeeded {
		_ = lifecycle.MarkAborted()
		run.BranchState = lifecycle.State()
		if ctx.Err() != nil {
			c.fail(ctx, run, canceledError(ctx), logger)
			return
		}
		c.fail(ctx, run, report.Err, logger)
		return
	}
	c.advance(ctx, run, StageImported, logger)

	// Audit.
	if c.canceled(ctx, run, lifecycle, logger) {
		return
	}
	runner := NewExpectationRunner(c.catalog, c.opts.QueryRetry, spec.Policy.CheckWorkers, c.opts.Metrics, logger)
	stageCtx, span = c.tracer.Start(ctx, "wap.audit")
	results := runner.RunAll(stageCtx, branch.Name, checks)
	span.End()
	run.Expectations = results
	for _, res := range results {
		c.publish(ctx, run, EventTypeCheckCompleted, levelFor(res.Passed),
			fmt.Sprintf("Expectation %s passed=%t", res.Name, res.Passed),
			map[string]interface{}{"check": res.Name, "passed": res.Passed, "message": res.Message})
	}
	if c.canceled(ctx, run, lifecycle, logger) {
		return
	}
	if !AllPassed(results) {
		_ = lifecycle.MarkAborted()
		run.BranchState = lifecycle.State()
		c.advance(ctx, run, StageRejected, logger)
		c.setDisposition(run, DispositionRejected, logger)
		return
	}
	c.advance(ctx, run, StageValidated, logger)

	// Publish.
	if c.canceled(ctx, run, lifecycle, logger) {
		return
	}
	stageCtx, span = c.tracer.Start(ctx, "wap.merge")
	head, err := c.merge(stageCtx, run, branch.Name, spec.TargetBranch, target.Head, spec.Policy.MaxMergeAttempts, logger)
	endSpan(span, err)
	if err != nil {
		_ = lifecycle.MarkAborted()
		run.BranchState = lifecycle.State()
		c.fail(ctx, run, err, logger)
		return
	}
	_ = lifecycle.MarkMerged()
	run.BranchState = lifecycle.State()
	run.TargetHeadAfter = head
	c.advance(ctx, run, StageMerged, logger)
	c.setDisposition(run, DispositionMerged, logger)
}

// merge merges source into target, retrying head conflicts with a refreshed head.
// Any failure other than a conflict leaves the outcome unknown; it is reconciled
// by re-reading the target head, even after cancellation, and is never assumed
// to have succeeded.
func (c *Coordinator) merge(
	ctx context.Context,
	run *WAPRun,
	source, target, expected string,
	maxAttempts int,
	logger zerolog.Logger,
) (string, error) {
	policy := c.opts.MergeRetry
	policy.MaxAttempts = maxAttempts

	retryMerge := func(err error) bool {
		return IsHeadConflict(err) || IsTransient(err)
	}

	var newHead string
	_, err := policy.Do(ctx, retryMerge, func(err error, next time.Duration) {
		logger.Warn().Err(err).Dur("backoff", next).Msg("Retrying merge")
	}, func(attemptCtx context.Context, a Attempt) error {
		if a.LastErr != nil {
			current, err := c.getBranch(ctx, target)
			if err != nil {
				return err
			}
			if IsHeadConflict(a.LastErr) {
				expected = current.Head
			} else if current.Head != expected {
				c.markLastMerge(run, MergeStatusUnknownOutcome)
				return unknownOutcome(target, expected, current.Head, a.LastErr)
			}
		}

		rec := MergeAttempt{Attempt: a.Number, ExpectedHead: expected, At: time.Now()}
		out, err := c.catalog.MergeBranch(attemptCtx, MergeRequest{
			Source:       source,
			Target:       target,
			ExpectedHead: expected,
		})
		switch {
		case err == nil:
			rec.Status = MergeStatusMerged
			rec.ResultHead = out.Head
			newHead = out.Head
		case IsHeadConflict(err):
			rec.Status = MergeStatusHeadChanged
		case IsContentConflict(err):
			rec.Status = MergeStatusConflict
		default:
			rec.Status = MergeStatusError
		}
		if err != nil {
			rec.Error = err.Error()
		}
		c.recordMerge(ctx, run, rec)
		return err
	})

	if err != nil && lastMergeStatus(run) == MergeStatusError && !HasCode(err, ErrCodeUnknownOutcome) {
		// The final call ended without a verdict, possibly through cancellation,
		// and may still have landed.
		current, readErr := c.getBranch(context.WithoutCancel(ctx), target)
		if readErr != nil || current.Head != expected {
			c.markLastMerge(run, MergeStatusUnknownOutcome)
			actual := ""
			if current != nil {
				actual = current.Head
			}
			return "", unknownOutcome(target, expected, actual, err)
		}
		if ctx.Err() != nil {
			return "", canceledError(ctx)
		}
	}
	if err != nil {
		return "", err
	}
	return newHead, nil
}

func lastMergeStatus(run *WAPRun) MergeStatus {
	if n := len(run.MergeAttempts); n > 0 {
		return run.MergeAttempts[n-1].Status
	}
	return ""
}

func unknownOutcome(target, expected, actual string, cause error) *EngineError {
	return NewFatalError("merge outcome unknown", cause).
		WithCode(ErrCodeUnknownOutcome).
		WithResource(target).
		WithOperation("merge_branch").
		WithDetail("expected_head", expected).
		WithDetail("actual_head", actual)
}

func (c *Coordinator) recordMerge(ctx context.Context, run *WAPRun, rec MergeAttempt) {
	run.MergeAttempts = append(run.MergeAttempts, rec)
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordMergeAttempt(rec.Status)
	}
	c.publish(ctx, run, EventTypeMergeAttempted, levelFor(rec.Status == MergeStatusMerged),
		fmt.Sprintf("Merge attempt %d: %s", rec.Attempt, rec.Status),
		map[string]interface{}{"attempt": rec.Attempt, "status": string(rec.Status), "expected_head": rec.ExpectedHead})
}

func (c *Coordinator) markLastMerge(run *WAPRun, status MergeStatus) {
	if n := len(run.MergeAttempts); n > 0 {
		run.MergeAttempts[n-1].Status = status
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordMergeAttempt(status)
	}
}

// getBranch reads a branch with the catalog retry policy.
func (c *Coordinator) getBranch(ctx context.Context, name string) (*Branch, error) {
	var b *Branch
	_, err := c.opts.CatalogRetry.Do(ctx, IsRetryable, nil, func(ctx context.Context, _ Attempt) error {
		var err error
		b, err = c.catalog.GetBranch(ctx, name)
		return err
	})
	return b, err
}

// canceled fails the run if ctx is done. Cleanup still runs afterwards.
func (c *Coordinator) canceled(ctx context.Context, run *WAPRun, lifecycle *BranchLifecycle, logger zerolog.Logger) bool {
	if ctx.Err() == nil {
		return false
	}
	if lifecycle.State() == BranchStateCreated {
		_ = lifecycle.MarkAborted()
		run.BranchState = lifecycle.State()
	}
	c.fail(ctx, run, canceledError(ctx), logger)
	return true
}

func canceledError(ctx context.Context) error {
	return NewFatalError("run canceled", context.Cause(ctx)).WithCode(ErrCodeCanceled)
}

func (c *Coordinator) fail(ctx context.Context, run *WAPRun, err error, logger zerolog.Logger) {
	if err == nil {
		err = NewFatalError("unknown failure", nil).WithCode(ErrCodeInternal)
	}
	if errors.Is(err, context.Canceled) && !HasCode(err, ErrCodeCanceled) {
		err = NewFatalError("run canceled", err).WithCode(ErrCodeCanceled)
	}
	run.ErrorClass = ClassOf(err)
	run.ErrorCode = CodeOf(err)
	run.Error = err.Error()

	logger.Error().Err(err).
		Str("stage", string(run.Stage)).
		Str("class", string(run.ErrorClass)).
		Str("code", run.ErrorCode).
		Msg("Run failed")

	c.advance(ctx, run, StageFailed, logger)
	c.setDisposition(run, DispositionFailed, logger)
}

func (c *Coordinator) setDisposition(run *WAPRun, d Disposition, logger zerolog.Logger) {
	if err := run.SetDisposition(d); err != nil {
		logger.Error().Err(err).Str("disposition", string(d)).Msg("Ignoring second disposition")
	}
}

// advance moves the run to the next stage and records the time spent in the previous one.
func (c *Coordinator) advance(ctx context.Context, run *WAPRun, next Stage, logger zerolog.Logger) {
	prev := run.Stage
	if !prev.CanTransition(next) {
		logger.Error().Str("from", string(prev)).Str("to", string(next)).Msg("Illegal stage transition")
		return
	}
	now := time.Now()
	if n := len(run.History); n > 0 && c.opts.Metrics != nil {
		c.opts.Metrics.RecordStage(prev, now.Sub(run.History[n-1].At))
	}
	run.Stage = next
	run.History = append(run.History, StageTransition{Stage: next, At: now})

	logger.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("Stage changed")
	c.publish(ctx, run, EventTypeStageChanged, "info", fmt.Sprintf("Stage %s -> %s", prev, next),
		map[string]interface{}{"from": string(prev), "to": string(next)})
}

func (c *Coordinator) cleanup(ctx context.Context, run *WAPRun, lifecycle *BranchLifecycle, logger zerolog.Logger) {
	ctx, span := c.tracer.Start(ctx, "wap.cleanup")
	err := lifecycle.Cleanup(ctx)
	endSpan(span, err)
	run.BranchState = lifecycle.State()
	if err != nil {
		run.AddWarning(StageCleaned, err.Error())
		if c.opts.Metrics != nil {
			c.opts.Metrics.RecordCleanupWarning()
		}
		c.publish(ctx, run, EventTypeCleanupWarning, "warning", err.Error(), nil)
	} else if lifecycle.Branch() != nil {
		c.publish(ctx, run, EventTypeBranchDeleted, "info", "Deleted ingestion branch "+run.Branch.Name, nil)
	}
	c.advance(ctx, run, StageCleaned, logger)
}

func (c *Coordinator) finish(ctx context.Context, run *WAPRun, logger zerolog.Logger) {
	if run.Disposition != DispositionMerged {
		if target, err := c.catalog.GetBranch(ctx, run.TargetBranch); err == nil {
			run.TargetHeadAfter = target.Head
		}
	}

	c.advance(ctx, run, StageDone, logger)
	run.CompletedAt = time.Now()

	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordRun(run.Disposition, run.TargetBranch, run.Duration())
	}

	if c.opts.Recorder != nil {
		if err := c.opts.Recorder.SaveRun(ctx, run); err != nil {
			logger.Error().Err(err).Msg("Failed to record run")
		}
	}

	logger.Info().
		Str("disposition", string(run.Disposition)).
		Str("branch", run.Branch.Name).
		Int("imports", len(run.Imports)).
		Int("expectations", len(run.Expectations)).
		Int("merge_attempts", len(run.MergeAttempts)).
		Int("warnings", len(run.Warnings)).
		Dur("duration", run.Duration()).
		Msg("Run completed")

	c.publish(ctx, run, EventTypeRunCompleted, levelFor(run.Disposition != DispositionFailed),
		fmt.Sprintf("Run completed: %s", run.Disposition),
		map[string]interface{}{"disposition": string(run.Disposition)})
}

func (c *Coordinator) publish(
	ctx context.Context,
	run *WAPRun,
	eventType EventType,
	level, message string,
	data map[string]interface{},
) {
	if c.opts.Publisher == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     run.ID,
		Stage:     run.Stage,
		Message:   message,
		Level:     level,
		Data:      data,
	}
	if err := c.opts.Publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}

func levelFor(ok bool) string {
	if ok {
		return "info"
	}
	return "warning"
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
