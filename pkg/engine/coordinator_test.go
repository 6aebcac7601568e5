package engine

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

type harness struct {
	catalog   *fakeCatalog
	publisher *recordingPublisher
	recorder  *recordingRecorder
	metrics   *countingMetrics
	builder   *stubBuilder
	opts      Options
}

func newHarness() *harness {
	h := &harness{
		catalog:   newFakeCatalog(),
		publisher: &recordingPublisher{},
		recorder:  &recordingRecorder{},
		metrics:   newCountingMetrics(),
		builder:   &stubBuilder{extra: map[string]Check{}},
	}
	h.opts = DefaultOptions()
	h.opts.Owner = "etl"
	h.opts.Checks = h.builder
	h.opts.Publisher = h.publisher
	h.opts.Recorder = h.recorder
	h.opts.Runs = h.recorder
	h.opts.Metrics = h.metrics
	h.opts.CatalogRetry = fastRetry(3)
	h.opts.ImportRetry = fastRetry(3)
	h.opts.QueryRetry = fastRetry(3)
	h.opts.MergeRetry = fastRetry(3)
	h.opts.CleanupTimeout = 5 * time.Second
	return h
}

func (h *harness) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(h.catalog, h.opts)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func runSpec(runID string, expectations ...string) RunSpec {
	spec := RunSpec{
		RunID:        runID,
		TargetBranch: "main",
		Imports: []ImportSpec{
			{Table: "orders", SourceURI: "s3://landing/orders/*.parquet"},
			{Table: "customers", SourceURI: "s3://landing/customers/*.parquet"},
		},
	}
	for _, e := range expectations {
		spec.Expectations = append(spec.Expectations, ExpectationSpec{Expr: e})
	}
	return spec
}

func stages(run *WAPRun) []Stage {
	out := make([]Stage, len(run.History))
	for i, h := range run.History {
		out[i] = h.Stage
	}
	return out
}

func assertStages(t *testing.T, run *WAPRun, want ...Stage) {
	t.Helper()
	if got := stages(run); !reflect.DeepEqual(got, want) {
		t.Errorf("stages = %v, want %v", got, want)
	}
}

// assertCleaned checks the invariants every finished run must satisfy.
func assertCleaned(t *testing.T, h *harness, run *WAPRun) {
	t.Helper()
	if run.Stage != StageDone {
		t.Errorf("stage = %s, want DONE", run.Stage)
	}
	if run.BranchState != BranchStateCleaned {
		t.Errorf("branch state = %s, want CLEANED", run.BranchState)
	}
	if run.Branch.Name != "" && h.catalog.has(run.Branch.Name) && len(run.Warnings) == 0 {
		t.Errorf("ingestion branch %s leaked", run.Branch.Name)
	}
	if run.CompletedAt.IsZero() {
		t.Error("completion time not set")
	}
}

func TestCoordinator_Merged(t *testing.T) {
	h := newHarness()
	run, err := h.coordinator(t).Run(context.Background(), runSpec("r1", "pass", "query"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if run.Disposition != DispositionMerged {
		t.Fatalf("disposition = %s (%s)", run.Disposition, run.Error)
	}
	assertStages(t, run, StageStart, StageBranched, StageImported, StageValidated, StageMerged, StageCleaned, StageDone)
	assertCleaned(t, h, run)

	if run.Branch.Name != "etl.wap-r1" {
		t.Errorf("branch = %s", run.Branch.Name)
	}
	if run.Branch.BaseRef != "c0" {
		t.Errorf("branch base = %s, want the target head", run.Branch.BaseRef)
	}
	if run.TargetHeadBefore != "c0" || run.TargetHeadAfter != h.catalog.head("main") || run.TargetHeadAfter == "c0" {
		t.Errorf("target heads = %s -> %s (catalog %s)", run.TargetHeadBefore, run.TargetHeadAfter, h.catalog.head("main"))
	}
	if len(run.Imports) != 2 || len(run.Expectations) != 2 {
		t.Errorf("imports = %d, expectations = %d", len(run.Imports), len(run.Expectations))
	}
	if len(run.MergeAttempts) != 1 || run.MergeAttempts[0].Status != MergeStatusMerged {
		t.Errorf("merge attempts = %+v", run.MergeAttempts)
	}
	if run.MergeAttempts[0].ExpectedHead != "c0" {
		t.Errorf("merge expected head = %s", run.MergeAttempts[0].ExpectedHead)
	}
	if len(h.recorder.runs) != 1 || h.recorder.runs[0] != run {
		t.Errorf("recorder runs = %d", len(h.recorder.runs))
	}
	if h.metrics.runs[DispositionMerged] != 1 {
		t.Errorf("run metrics = %v", h.metrics.runs)
	}
}

func TestCoordinator_EventOrder(t *testing.T) {
	h := newHarness()
	run, err := h.coordinator(t).Run(context.Background(), runSpec("r1", "pass"))
	if err != nil {
		t.Fatal(err)
	}

	want := []EventType{
		EventTypeRunStarted,
		EventTypeBranchCreated,
		EventTypeStageChanged, // BRANCHED
		EventTypeImportCompleted,
		EventTypeImportCompleted,
		EventTypeStageChanged, // IMPORTED
		EventTypeCheckCompleted,
		EventTypeStageChanged, // VALIDATED
		EventTypeMergeAttempted,
		EventTypeStageChanged, // MERGED
		EventTypeBranchDeleted,
		EventTypeStageChanged, // CLEANED
		EventTypeStageChanged, // DONE
		EventTypeRunCompleted,
	}
	if got := h.publisher.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("events =\n%v\nwant\n%v", got, want)
	}
	for _, e := range h.publisher.events {
		if e.RunID != run.ID {
			t.Errorf("event %s has run id %s", e.Type, e.RunID)
		}
	}
}

func TestCoordinator_Rejected(t *testing.T) {
	h := newHarness()
	run, err := h.coordinator(t).Run(context.Background(), runSpec("r1", "pass", "fail", "error"))
	if err != nil {
		t.Fatal(err)
	}

	if run.Disposition != DispositionRejected {
		t.Fatalf("disposition = %s", run.Disposition)
	}
	assertStages(t, run, StageStart, StageBranched, StageImported, StageRejected, StageCleaned, StageDone)
	assertCleaned(t, h, run)

	if h.catalog.head("main") != "c0" {
		t.Error("rejected run changed the target")
	}
	if run.TargetHeadAfter != "c0" {
		t.Errorf("target head after = %s", run.TargetHeadAfter)
	}
	if n := h.catalog.count("merge_branch"); n != 0 {
		t.Errorf("merge called %d times", n)
	}
	if len(run.Expectations) != 3 {
		t.Errorf("every check must be evaluated, got %d results", len(run.Expectations))
	}
	if run.Error != "" || run.ErrorClass != "" {
		t.Errorf("rejection is not an error: %s", run.Error)
	}
}

func TestCoordinator_ImportFailure(t *testing.T) {
	h := newHarness()
	h.catalog.on("import_data", failFirst(1, NewFatalError("schema mismatch", nil).WithCode(ErrCodeSchemaMismatch)))
	spec := runSpec("r1", "pass")
	spec.Policy.ImportWorkers = 1

	run, err := h.coordinator(t).Run(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}

	if run.Disposition != DispositionFailed {
		t.Fatalf("disposition = %s", run.Disposition)
	}
	assertStages(t, run, StageStart, StageBranched, StageFailed, StageCleaned, StageDone)
	assertCleaned(t, h, run)

	if run.ErrorCode != ErrCodeSchemaMismatch || run.ErrorClass != ErrorClassFatal {
		t.Errorf("error = %s/%s", run.ErrorClass, run.ErrorCode)
	}
	if len(run.Expectations) != 0 {
		t.Error("expectations ran after a failed import")
	}
	if h.catalog.head("main") != "c0" {
		t.Error("failed run changed the target")
	}
}

func TestCoordinator_BranchExists(t *testing.T) {
	h := newHarness()
	h.catalog.addBranch("etl.wap-r1", "c0")

	run, err := h.coordinator(t).Run(context.Background(), runSpec("r1", "pass"))
	if err != nil {
		t.Fatal(err)
	}
	if run.Disposition != DispositionFailed || run.ErrorCode != ErrCodeBranchExists {
		t.Fatalf("run = %s/%s", run.Disposition, run.ErrorCode)
	}
	if run.ErrorClass != ErrorClassContentConflict {
		t.Errorf("error class = %s", run.ErrorClass)
	}
	assertStages(t, run, StageStart, StageFailed, StageCleaned, StageDone)
	if !h.catalog.has("etl.wap-r1") {
		t.Error("pre-existing branch was deleted")
	}
	if n := h.catalog.count("delete_branch"); n != 0 {
		t.Errorf("delete called %d times", n)
	}
}

func TestCoordinator_TargetMissing(t *testing.T) {
	h := newHarness()
	spec := runSpec("r1", "pass")
	spec.TargetBranch = "nope"

	run, err := h.coordinator(t).Run(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if run.Disposition != DispositionFailed || run.ErrorCode != ErrCodeRefNotFound {
		t.Fatalf("run = %s/%s", run.Disposition, run.ErrorCode)
	}
	if n := h.catalog.count("create_branch"); n != 0 {
		t.Errorf("branch created for a missing target")
	}
}

func TestCoordinator_HeadConflictRetried(t *testing.T) {
	h := newHarness()
	h.catalog.on("merge_branch", func(call int) error {
		if call == 1 {
			h.catalog.moveHead("main")
		}
		return nil
	})

	run, err := h.coordinator(t).Run(context.Background(), runSpec("r1", "pass"))
	if err != nil {
		t.Fatal(err)
	}
	if run.Disposition != DispositionMerged {
		t.Fatalf("disposition = %s (%s)", run.Disposition, run.Error)
	}
	if len(run.MergeAttempts) != 2 {
		t.Fatalf("merge attempts = %+v", run.MergeAttempts)
	}
	first, second := run.MergeAttempts[0], run.MergeAttempts[1]
	if first.Status != MergeStatusHeadChanged || second.Status != MergeStatusMerged {
		t.Errorf("statuses = %s, %s", first.Status, second.Status)
	}
	if first.ExpectedHead == second.ExpectedHead {
		t.Error("retry did not refresh the expected head")
	}
	if h.metrics.merges[MergeStatusHeadChanged] != 1 || h.metrics.merges[MergeStatusMerged] != 1 {
		t.Errorf("merge metrics = %v", h.metrics.merges)
	}
}

func TestCoordinator_HeadConflictExhausted(t *testing.T) {
	h := newHarness()
	h.catalog.on("merge_branch", func(int) error {
		h.catalog.moveHead("main")
		return nil
	})
	spec := runSpec("r1", "pass")
	spec.Policy.MaxMergeAttempts = 2

	run, err := h.coordinator(t).Run(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if run.Disposition != DispositionFailed {
		t.Fatalf("disposition = %s", run.Disposition)
	}
	if run.ErrorClass != ErrorClassHeadConflict || run.ErrorCode != ErrCodeHeadChanged {
		t.Errorf("error = %s/%s", run.ErrorClass, run.ErrorCode)
	}
	if len(run.MergeAttempts) != 2 {
		t.Errorf("merge attempts = %d, want 2", len(run.MergeAttempts))
	}
	assertStages(t, run, StageStart, StageBranched, StageImported, StageValidated, StageFailed, StageCleaned, StageDone)
	assertCleaned(t, h, run)
}

func TestCoordinator_ContentConflict(t *testing.T) {
	h := newHarness()
	h.catalog.on("merge_branch", failFirst(10, ErrMergeConflict("etl.wap-r1", "main", []string{"public.orders"})))

	run, err := h.coordinator(t).Run(context.Background(), runSpec("r1", "pass"))
	if err != nil {
		t.Fatal(err)
	}
	if run.Disposition != DispositionFailed || run.ErrorCode != ErrCodeMergeConflict {
		t.Fatalf("run = %s/%s", run.Disposition, run.ErrorCode)
	}
	if len(run.MergeAttempts) != 1 || run.MergeAttempts[0].Status != MergeStatusConflict {
		t.Errorf("merge attempts = %+v", run.MergeAttempts)
	}
}

func TestCoordinator_TransientMergeNotLanded(t *testing.T) {
	h := newHarness()
	h.catalog.on("merge_branch", failFirst(1, NewTransientError("connection reset", nil)))

	run, err := h.coordinator(t).Run(context.Background(), runSpec("r1", "pass"))
	if err != nil {
		t.Fatal(err)
	}
	if run.Disposition != DispositionMerged {
		t.Fatalf("disposition = %s (%s)", run.Disposition, run.Error)
	}
	if len(run.MergeAttempts) != 2 || run.MergeAttempts[0].Status != MergeStatusError {
		t.Errorf("merge attempts = %+v", run.MergeAttempts)
	}
}

func TestCoordinator_UnknownMergeOutcome(t *testing.T) {
	h := newHarness()
	h.catalog.mergeLands = true
	h.catalog.on("merge_branch", failFirst(1, NewTransientError("gateway timeout", nil).WithCode(ErrCodeTimeout)))

	run, err := h.coordinator(t).Run(context.Background(), runSpec("r1", "pass"))
	if err != nil {
		t.Fatal(err)
	}
	if run.Disposition != DispositionFailed {
		t.Fatalf("disposition = %s, an unconfirmed merge must not be reported as merged", run.Disposition)
	}
	if run.ErrorCode != ErrCodeUnknownOutcome {
		t.Errorf("code = %s", run.ErrorCode)
	}
	if len(run.MergeAttempts) != 1 || run.MergeAttempts[0].Status != MergeStatusUnknownOutcome {
		t.Errorf("merge attempts = %+v", run.MergeAttempts)
	}
	if n := h.catalog.count("merge_branch"); n != 1 {
		t.Errorf("merge called %d times after the target moved", n)
	}
	assertCleaned(t, h, run)
}

func TestCoordinator_CanceledDuringMerge(t *testing.T) {
	tests := []struct {
		name       string
		lands      bool
		wantCode   string
		wantStatus MergeStatus
	}{
		{name: "merge landed", lands: true, wantCode: ErrCodeUnknownOutcome, wantStatus: MergeStatusUnknownOutcome},
		{name: "merge did not land", lands: false, wantCode: ErrCodeCanceled, wantStatus: MergeStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.catalog.mergeLands = tt.lands
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			h.catalog.on("merge_branch", func(int) error {
				cancel()
				return context.Canceled
			})

			run, err := h.coordinator(t).Run(ctx, runSpec("r1", "pass"))
			if err != nil {
				t.Fatal(err)
			}
			if run.Disposition != DispositionFailed {
				t.Fatalf("disposition = %s", run.Disposition)
			}
			if run.ErrorCode != tt.wantCode {
				t.Errorf("code = %s, want %s", run.ErrorCode, tt.wantCode)
			}
			if len(run.MergeAttempts) != 1 || run.MergeAttempts[0].Status != tt.wantStatus {
				t.Errorf("merge attempts = %+v", run.MergeAttempts)
			}
			moved := run.TargetHeadAfter != run.TargetHeadBefore
			if moved != tt.lands {
				t.Errorf("target head %s -> %s, landed = %v", run.TargetHeadBefore, run.TargetHeadAfter, tt.lands)
			}
			if n := h.catalog.count("merge_branch"); n != 1 {
				t.Errorf("merge called %d times after cancellation", n)
			}
			assertCleaned(t, h, run)
		})
	}
}

func TestCoordinator_CanceledDuringAudit(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.builder.extra["cancel"] = &funcCheck{name: "cancel", fn: func(context.Context, Querier, string) (bool, string, error) {
		cancel()
		return true, "", nil
	}}
	spec := runSpec("r1", "cancel")

	run, err := h.coordinator(t).Run(ctx, spec)
	if err != nil {
		t.Fatal(err)
	}
	if run.Disposition != DispositionFailed || run.ErrorCode != ErrCodeCanceled {
		t.Fatalf("run = %s/%s", run.Disposition, run.ErrorCode)
	}
	assertCleaned(t, h, run)
	if h.catalog.has("etl.wap-r1") {
		t.Error("branch leaked after cancellation")
	}
	if n := h.catalog.count("merge_branch"); n != 0 {
		t.Errorf("merge called %d times after cancellation", n)
	}
}

func TestCoordinator_CleanupWarning(t *testing.T) {
	h := newHarness()
	h.catalog.on("delete_branch", failFirst(10, NewFatalError("forbidden", nil).WithCode(ErrCodeForbidden)))

	run, err := h.coordinator(t).Run(context.Background(), runSpec("r1", "pass"))
	if err != nil {
		t.Fatal(err)
	}
	if run.Disposition != DispositionMerged {
		t.Fatalf("cleanup failure changed disposition to %s", run.Disposition)
	}
	if len(run.Warnings) != 1 || run.Warnings[0].Stage != StageCleaned {
		t.Errorf("warnings = %+v", run.Warnings)
	}
	if run.BranchState != BranchStateCleaned {
		t.Errorf("branch state = %s", run.BranchState)
	}
	if h.metrics.cleanup != 1 {
		t.Errorf("cleanup warnings = %d", h.metrics.cleanup)
	}

	found := false
	for _, typ := range h.publisher.types() {
		if typ == EventTypeCleanupWarning {
			found = true
		}
	}
	if !found {
		t.Error("no cleanup.warning event")
	}
}

func TestCoordinator_ValidationTouchesNothing(t *testing.T) {
	h := newHarness()
	spec := runSpec("r1", "pass")
	spec.Imports = nil

	run, err := h.coordinator(t).Run(context.Background(), spec)
	if run != nil || !HasCode(err, ErrCodeValidation) {
		t.Fatalf("Run() = %v, %v", run, err)
	}
	if len(h.catalog.log) != 0 {
		t.Errorf("catalog calls = %v", h.catalog.log)
	}
	if len(h.recorder.runs) != 0 {
		t.Error("rejected spec was recorded")
	}
}

func TestCoordinator_InvalidExpectation(t *testing.T) {
	h := newHarness()
	_, err := h.coordinator(t).Run(context.Background(), runSpec("r1", "unknown"))
	if !HasCode(err, ErrCodeValidation) || !strings.Contains(err.Error(), "invalid expectation 0") {
		t.Fatalf("err = %v", err)
	}
	if len(h.catalog.log) != 0 {
		t.Errorf("catalog calls = %v", h.catalog.log)
	}
}

func TestCoordinator_RunIDReused(t *testing.T) {
	h := newHarness()
	c := h.coordinator(t)

	first, err := c.Run(context.Background(), runSpec("r1", "pass"))
	if err != nil || first.Disposition != DispositionMerged {
		t.Fatalf("first run = %v, %v", first, err)
	}
	calls := len(h.catalog.log)
	head := h.catalog.head("main")

	run, err := c.Run(context.Background(), runSpec("r1", "pass"))
	if run != nil || !HasCode(err, ErrCodeRunExists) || !IsContentConflict(err) {
		t.Fatalf("Run() = %v, %v", run, err)
	}
	if len(h.catalog.log) != calls {
		t.Errorf("catalog calls after rejection = %v", h.catalog.log[calls:])
	}
	if got := h.catalog.head("main"); got != head {
		t.Errorf("target head moved %s -> %s", head, got)
	}
	if len(h.recorder.runs) != 1 || h.recorder.runs[0] != first {
		t.Errorf("recorded runs = %d, want the first run only", len(h.recorder.runs))
	}
}

func TestCoordinator_RunLookupFails(t *testing.T) {
	h := newHarness()
	h.recorder.lookupErr = fmt.Errorf("database is locked")

	_, err := h.coordinator(t).Run(context.Background(), runSpec("r1", "pass"))
	if !IsTransient(err) || !strings.Contains(err.Error(), "database is locked") {
		t.Fatalf("err = %v", err)
	}
	if len(h.catalog.log) != 0 {
		t.Errorf("catalog calls = %v", h.catalog.log)
	}
}

type denyAll struct{ reason string }

func (d denyAll) Admit(ctx context.Context, spec *RunSpec) error {
	return NewFatalError("run denied by policy: "+d.reason, nil).WithCode(ErrCodePolicyDenied)
}

func TestCoordinator_AdmissionDenied(t *testing.T) {
	h := newHarness()
	h.opts.Admitter = denyAll{reason: "no s3 imports on fridays"}

	_, err := h.coordinator(t).Run(context.Background(), runSpec("r1", "pass"))
	if !HasCode(err, ErrCodePolicyDenied) {
		t.Fatalf("err = %v", err)
	}
	if len(h.catalog.log) != 0 {
		t.Errorf("catalog calls = %v", h.catalog.log)
	}
	if got := h.publisher.types(); !reflect.DeepEqual(got, []EventType{EventTypeAdmissionDenied}) {
		t.Errorf("events = %v", got)
	}
}

func TestCoordinator_Defaults(t *testing.T) {
	h := newHarness()
	h.opts.NewRunID = func() string { return "Generated-ID" }
	c := h.coordinator(t)

	spec := runSpec("", "pass")
	spec.Owner = "Loader"
	if _, err := c.Prepare(context.Background(), &spec); err != nil {
		t.Fatal(err)
	}
	if spec.RunID != "Generated-ID" || spec.Owner != "loader" || spec.BaseRef != "main" {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Namespace != DefaultNamespace || spec.Policy.ImportMode != ImportModeFailFast {
		t.Errorf("policy defaults = %+v", spec.Policy)
	}
	if spec.Policy.MaxMergeAttempts != 3 {
		t.Errorf("max merge attempts = %d", spec.Policy.MaxMergeAttempts)
	}

	run, err := c.Run(context.Background(), runSpec("", "pass"))
	if err != nil {
		t.Fatal(err)
	}
	if run.Branch.Name != "etl.wap-generated-id" {
		t.Errorf("branch = %s", run.Branch.Name)
	}
}

func TestNewCoordinator_Errors(t *testing.T) {
	if _, err := NewCoordinator(nil, Options{Checks: &stubBuilder{}}); err == nil {
		t.Error("nil catalog accepted")
	}
	if _, err := NewCoordinator(newFakeCatalog(), Options{}); err == nil {
		t.Error("nil check builder accepted")
	}
	if _, err := NewCoordinator(newFakeCatalog(), Options{Checks: &stubBuilder{}, Owner: "a.b"}); err == nil {
		t.Error("invalid owner accepted")
	}
}

func TestCoordinator_ConcurrentRuns(t *testing.T) {
	tests := []struct {
		name  string
		runID func(i int) string
	}{
		{name: "distinct run ids", runID: func(i int) string { return fmt.Sprintf("r%d", i) }},
		{name: "generated run ids", runID: func(int) string { return "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			c := h.coordinator(t)

			const n = 4
			runs := make([]*WAPRun, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					spec := runSpec(tt.runID(i), "pass")
					spec.Policy.MaxMergeAttempts = n + 1
					run, err := c.Run(context.Background(), spec)
					if err != nil {
						t.Error(err)
						return
					}
					runs[i] = run
				}(i)
			}
			wg.Wait()

			ids := map[string]bool{}
			branches := map[string]bool{}
			for i, run := range runs {
				if run == nil {
					continue
				}
				if run.Disposition != DispositionMerged {
					t.Errorf("run %d = %s (%s)", i, run.Disposition, run.Error)
				}
				if ids[run.ID] {
					t.Errorf("run ID %s shared between runs", run.ID)
				}
				ids[run.ID] = true
				if branches[run.Branch.Name] {
					t.Errorf("branch %s shared between runs", run.Branch.Name)
				}
				branches[run.Branch.Name] = true
				assertCleaned(t, h, run)
			}
			if merges := h.catalog.count("merge_branch"); merges < len(runs) {
				t.Errorf("merge called %d times for %d runs", merges, len(runs))
			}
			left, _ := h.catalog.ListBranches(context.Background(), IngestionPrefix("etl"))
			if len(left) != 0 {
				t.Errorf("leaked branches: %v", left)
			}
		})
	}
}
