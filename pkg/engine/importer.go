package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultNamespace is the table namespace used when a run does not set one.
const DefaultNamespace = "public"

// ImportOptions configures one ImportAll call.
type ImportOptions struct {
	// Mode selects fail-fast or continue-on-error handling.
	Mode ImportMode

	// Workers bounds concurrent imports.
	Workers int

	// BestEffort accepts partial imports and asks the catalog to skip bad files.
	BestEffort bool

	// Namespace is used for sources that do not set their own.
	Namespace string
}

// Importer drives import operations onto an ingestion branch.
// It advances the branch head and never merges.
type Importer struct {
	catalog CatalogClient
	retry   RetryPolicy
	metrics MetricsRecorder
	logger  zerolog.Logger
}

// NewImporter creates a new importer. metrics may be nil.
func NewImporter(catalog CatalogClient, retry RetryPolicy, metrics MetricsRecorder, logger zerolog.Logger) *Importer {
	return &Importer{
		catalog: catalog,
		retry:   retry,
		metrics: metrics,
		logger:  logger.With().Str("component", "importer").Logger(),
	}
}

type tableKey struct {
	namespace string
	table     string
}

// ImportAll imports every source onto branch.
// Jobs in the report are in source order. The report succeeds iff every job
// succeeded (partial jobs count as successful only under BestEffort).
func (im *Importer) ImportAll(ctx context.Context, branch string, sources []ImportSpec, opts ImportOptions) *ImportReport {
	if opts.Mode == "" {
		opts.Mode = ImportModeFailFast
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	jobs := make([]ImportJob, len(sources))
	for i, src := range sources {
		jobs[i] = ImportJob{
			Name:      src.DisplayName(),
			SourceURI: src.SourceURI,
			Table:     src.Table,
			Branch:    branch,
			Namespace: im.namespaceFor(src, opts),
			Status:    ImportStatusSkipped,
		}
	}

	report := &ImportReport{Jobs: jobs}
	if len(sources) == 0 {
		report.Err = NewValidationError("no import sources", nil)
		return report
	}

	// Tables are prepared serially so that sources sharing a table do not race.
	tableErrs := im.prepareTables(ctx, branch, sources, opts)
	if opts.Mode == ImportModeFailFast {
		for i, src := range sources {
			if err := tableErrs[tableKey{jobs[i].Namespace, src.Table}]; err != nil {
				im.failJob(&jobs[i], err, 0)
				report.Err = err
				return report
			}
		}
	}

	var (
		mu       sync.Mutex
		firstErr error
	)

	g := &errgroup.Group{}
	gctx := ctx
	if opts.Mode == ImportModeFailFast {
		g, gctx = errgroup.WithContext(ctx)
	}
	g.SetLimit(workers)

	for i := range sources {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			var job ImportJob
			var err error
			if tErr := tableErrs[tableKey{jobs[i].Namespace, sources[i].Table}]; tErr != nil {
				job = jobs[i]
				im.failJob(&job, tErr, 0)
				err = tErr
			} else {
				job, err = im.importOne(gctx, branch, sources[i], jobs[i], opts)
			}

			// A job interrupted by another job's failure is reported as skipped.
			if err != nil && opts.Mode == ImportModeFailFast && ctx.Err() == nil &&
				errors.Is(err, context.Canceled) {
				job.Status = ImportStatusSkipped
				job.Error = "canceled after an earlier import failed"
				err = nil
			}

			mu.Lock()
			jobs[i] = job
			if err != nil && firstErr == nil {
				firstErr = err
			}
			mu.Unlock()

			if err != nil && opts.Mode == ImportModeFailFast {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Err = firstErr
	if report.Err == nil && ctx.Err() != nil {
		report.Err = ctx.Err()
	}
	report.Succeeded = report.Err == nil
	for _, job := range jobs {
		if !im.jobAccepted(job, opts) {
			report.Succeeded = false
		}
	}
	if !report.Succeeded && report.Err == nil {
		report.Err = NewFatalError("not all sources were imported", nil).WithCode(ErrCodePartialImport)
	}

	im.logger.Info().
		Str("branch", branch).
		Int("sources", len(sources)).
		Bool("succeeded", report.Succeeded).
		Msg("Import finished")

	return report
}

func (im *Importer) namespaceFor(src ImportSpec, opts ImportOptions) string {
	if src.Namespace != "" {
		return src.Namespace
	}
	return opts.Namespace
}

func (im *Importer) jobAccepted(job ImportJob, opts ImportOptions) bool {
	switch job.Status {
	case ImportStatusSuccess:
		return true
	case ImportStatusPartial:
		return opts.BestEffort
	default:
		return false
	}
}

// prepareTables creates each distinct target table once.
// A table is replaced if any of its sources asks for it.
func (im *Importer) prepareTables(ctx context.Context, branch string, sources []ImportSpec, opts ImportOptions) map[tableKey]error {
	order := make([]tableKey, 0, len(sources))
	reqs := make(map[tableKey]*CreateTableRequest)
	for _, src := range sources {
		key := tableKey{im.namespaceFor(src, opts), src.Table}
		req, ok := reqs[key]
		if !ok {
			req = &CreateTableRequest{
				Table:     src.Table,
				Namespace: key.namespace,
				Branch:    branch,
				SearchURI: src.SourceURI,
			}
			reqs[key] = req
			order = append(order, key)
		}
		req.Replace = req.Replace || src.Replace
	}

	errs := make(map[tableKey]error)
	for _, key := range order {
		req := *reqs[key]
		_, err := im.retry.Do(ctx, IsRetryable, im.logRetry(req.Table, "create_table"), func(ctx context.Context, _ Attempt) error {
			return im.catalog.CreateTable(ctx, req)
		})
		if err != nil {
			im.logger.Error().Err(err).
				Str("table", key.namespace+"."+key.table).
				Msg("Failed to create table")
			errs[key] = err
			if opts.Mode == ImportModeFailFast {
				break
			}
		}
	}
	return errs
}

// importOne imports a single source with retries.
func (im *Importer) importOne(ctx context.Context, branch string, src ImportSpec, job ImportJob, opts ImportOptions) (ImportJob, error) {
	job.StartedAt = time.Now()
	req := ImportRequest{
		Table:           src.Table,
		SourceURI:       src.SourceURI,
		Branch:          branch,
		Namespace:       job.Namespace,
		ContinueOnError: opts.Mode == ImportModeContinueOnError,
		BestEffort:      opts.BestEffort,
	}

	var (
		outcome  *ImportOutcome
		existing map[string]bool
		timedOut bool
	)
	attempts, err := im.retry.Do(ctx, IsRetryable, im.logRetry(src.Table, "import_data"), func(ctx context.Context, a Attempt) error {
		// Sibling imports advance the same branch, so a timed-out import is
		// reconciled against this table's files rather than the branch head.
		if existing == nil {
			files, err := im.catalog.TableFiles(ctx, branch, job.Namespace, src.Table)
			if err != nil {
				return err
			}
			existing = make(map[string]bool, len(files))
			for _, uri := range files {
				existing[uri] = true
			}
		}
		if IsTimeout(a.LastErr) {
			timedOut = true
		}

		out, err := im.catalog.ImportData(ctx, req)
		if err != nil {
			if timedOut && HasCode(err, ErrCodeDuplicateFile) {
				landed, rerr := im.reconcile(ctx, branch, job.Namespace, src.Table, existing, err)
				if rerr != nil {
					return rerr
				}
				if landed != nil {
					outcome = landed
					return nil
				}
			}
			return err
		}
		outcome = out
		return nil
	})
	job.Attempts = attempts
	job.CompletedAt = time.Now()

	if err != nil {
		im.failJob(&job, err, attempts)
		return job, err
	}

	job.Files = outcome.Files
	job.RowsImported = outcome.RowsImported
	job.Status = ImportStatusSuccess
	if failed := countFailedFiles(outcome.Files); failed > 0 || outcome.Error != "" {
		job.Status = ImportStatusPartial
		if failed == len(outcome.Files) {
			job.Status = ImportStatusFailed
		}
		job.Error = outcome.Error
		if job.Error == "" {
			job.Error = fmt.Sprintf("%d of %d files failed", failed, len(outcome.Files))
		}
		job.ErrorCode = ErrCodePartialImport
	}

	im.record(job)

	if !im.jobAccepted(job, opts) {
		return job, NewFatalError(job.Error, nil).
			WithCode(ErrCodePartialImport).
			WithResource(src.SourceURI).
			WithOperation("import_data")
	}
	return job, nil
}

// reconcile decides whether a DUPLICATE_FILE after a timeout is the
// timed-out attempt's own import. It is when the duplicate file was absent
// from the table before the first attempt and is present now. A nil outcome
// means the duplicate is genuine.
func (im *Importer) reconcile(ctx context.Context, branch, namespace, table string, existing map[string]bool, dupErr error) (*ImportOutcome, error) {
	ee, ok := AsEngineError(dupErr)
	if !ok || ee.Resource == "" || existing[ee.Resource] {
		return nil, nil
	}
	files, err := im.catalog.TableFiles(ctx, branch, namespace, table)
	if err != nil {
		return nil, err
	}
	outcome := &ImportOutcome{}
	for _, uri := range files {
		if existing[uri] {
			continue
		}
		outcome.Files = append(outcome.Files, FileOutcome{URI: uri, Status: ImportStatusSuccess})
	}
	found := false
	for _, f := range outcome.Files {
		if f.URI == ee.Resource {
			found = true
		}
	}
	if !found {
		return nil, nil
	}

	im.logger.Info().
		Str("table", table).
		Str("file", ee.Resource).
		Int("files", len(outcome.Files)).
		Msg("Reconciled timed-out import: files already present in table")
	return outcome, nil
}

func (im *Importer) failJob(job *ImportJob, err error, attempts int) {
	job.Status = ImportStatusFailed
	job.Attempts = attempts
	job.Error = err.Error()
	job.ErrorCode = CodeOf(err)
	if job.CompletedAt.IsZero() {
		job.CompletedAt = time.Now()
	}
	im.record(*job)
}

func (im *Importer) record(job ImportJob) {
	event := im.logger.Info()
	if job.Status != ImportStatusSuccess {
		event = im.logger.Warn()
	}
	event.Str("table", job.Table).
		Str("source", job.SourceURI).
		Str("status", string(job.Status)).
		Int("attempts", job.Attempts).
		Int64("rows", job.RowsImported).
		Msg("Import job finished")

	if im.metrics != nil {
		im.metrics.RecordImport(job.Status, job.Attempts)
	}
}

func (im *Importer) logRetry(table, op string) func(error, time.Duration) {
	return func(err error, next time.Duration) {
		im.logger.Warn().Err(err).
			Str("table", table).
			Str("operation", op).
			Dur("backoff", next).
			Msg("Retrying transient import failure")
	}
}

func countFailedFiles(files []FileOutcome) int {
	n := 0
	for _, f := range files {
		if f.Status == ImportStatusFailed {
			n++
		}
	}
	return n
}
