package engine_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/lakegate/lakegate/pkg/catalog/memory"
	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/expect"
)

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return "file://" + filepath.ToSlash(path)
}

func newMemoryCoordinator(t *testing.T) (*engine.Coordinator, *memory.Catalog) {
	t.Helper()
	cat, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}

	opts := engine.DefaultOptions()
	opts.Owner = "etl"
	opts.Checks = expect.NewBuilder()
	c, err := engine.NewCoordinator(cat, opts)
	if err != nil {
		t.Fatal(err)
	}
	return c, cat
}

func rowCount(t *testing.T, cat *memory.Catalog, ref, table string) (int, bool) {
	t.Helper()
	stats, err := cat.Stats(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}
	n, ok := stats[table]
	return n, ok
}

func targetLog(t *testing.T, cat *memory.Catalog, ref string) []memory.Commit {
	t.Helper()
	log, err := cat.Log(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func assertNoIngestionBranches(t *testing.T, cat *memory.Catalog) {
	t.Helper()
	left, err := cat.ListBranches(context.Background(), engine.IngestionPrefix("etl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("leaked branches: %v", left)
	}
}

func mustMerge(t *testing.T, run *engine.WAPRun, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Disposition != engine.DispositionMerged {
		t.Fatalf("disposition = %s (%s)", run.Disposition, run.Error)
	}
}

func TestWAP_PublishesValidData(t *testing.T) {
	dir := t.TempDir()
	uri := writeSource(t, dir, "orders/day1.json",
		`[{"id": 1, "amount": 10.5}, {"id": 2, "amount": 3}, {"id": 3, "amount": 7.25}]`)
	c, cat := newMemoryCoordinator(t)
	before := targetLog(t, cat, memory.DefaultBranch)

	run, err := c.Run(context.Background(), engine.RunSpec{
		TargetBranch: memory.DefaultBranch,
		Imports:      []engine.ImportSpec{{Table: "orders", SourceURI: uri}},
		Expectations: []engine.ExpectationSpec{
			{Expr: "no_nulls(col=id)"},
			{Expr: "unique(id)"},
			{Expr: "min_rows(n=3)"},
			{Expr: "range(col=amount, min=0, max=100)"},
		},
	})
	mustMerge(t, run, err)

	for _, res := range run.Expectations {
		if !res.Passed {
			t.Errorf("%s failed: %s", res.Name, res.Message)
		}
	}
	if n, ok := rowCount(t, cat, memory.DefaultBranch, "public.orders"); !ok || n != 3 {
		t.Errorf("public.orders rows = %d (present %t), want 3", n, ok)
	}
	if got := run.Imports[0].RowsImported; got != 3 {
		t.Errorf("rows imported = %d", got)
	}
	assertNoIngestionBranches(t, cat)

	// The target advanced by exactly one merge commit whose parents are the
	// previous target head and the audited ingestion head.
	after := targetLog(t, cat, memory.DefaultBranch)
	if len(after) != len(before)+1 {
		t.Fatalf("target history grew by %d commits, want 1", len(after)-len(before))
	}
	merge := after[0]
	if merge.ID != run.TargetHeadAfter || after[1].ID != run.TargetHeadBefore {
		t.Errorf("target history = %s, %s; run heads = %s -> %s", merge.ID, after[1].ID, run.TargetHeadBefore, run.TargetHeadAfter)
	}
	if len(merge.Parents) != 2 || merge.Parents[0] != run.TargetHeadBefore {
		t.Fatalf("merge parents = %v, want [%s <ingestion head>]", merge.Parents, run.TargetHeadBefore)
	}
	ingestion := targetLog(t, cat, merge.Parents[1])
	if !strings.HasPrefix(ingestion[0].Message, "import ") {
		t.Errorf("ingestion head = %q, want the import commit", ingestion[0].Message)
	}
	forked := false
	for _, cm := range ingestion {
		if cm.ID == run.TargetHeadBefore {
			forked = true
		}
	}
	if !forked {
		t.Errorf("ingestion history does not reach the target head %s", run.TargetHeadBefore)
	}
}

func TestWAP_RejectsBadData(t *testing.T) {
	dir := t.TempDir()
	uri := writeSource(t, dir, "orders/bad.json", `[{"id": 1, "name": "a"}, {"id": null, "name": "b"}]`)
	c, cat := newMemoryCoordinator(t)

	before, err := cat.GetBranch(context.Background(), memory.DefaultBranch)
	if err != nil {
		t.Fatal(err)
	}

	run, err := c.Run(context.Background(), engine.RunSpec{
		TargetBranch: memory.DefaultBranch,
		Imports:      []engine.ImportSpec{{Table: "orders", SourceURI: uri}},
		Expectations: []engine.ExpectationSpec{
			{Expr: "no_nulls(col=id)"},
			{Expr: "min_rows(n=1)"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.Disposition != engine.DispositionRejected {
		t.Fatalf("disposition = %s (%s)", run.Disposition, run.Error)
	}
	if len(run.Expectations) != 2 {
		t.Fatalf("expectations = %+v", run.Expectations)
	}
	if res := run.Expectations[0]; res.Passed || !strings.Contains(res.Message, "null values in id: 1") {
		t.Errorf("no_nulls = %+v", res)
	}
	if !run.Expectations[1].Passed {
		t.Errorf("min_rows = %+v", run.Expectations[1])
	}

	after, err := cat.GetBranch(context.Background(), memory.DefaultBranch)
	if err != nil {
		t.Fatal(err)
	}
	if before.Head != after.Head {
		t.Errorf("rejected data reached the target: %s -> %s", before.Head, after.Head)
	}
	if _, ok := rowCount(t, cat, memory.DefaultBranch, "public.orders"); ok {
		t.Error("public.orders exists on the target")
	}
	assertNoIngestionBranches(t, cat)
}

func TestWAP_SchemaMismatchFails(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "in/a.json", `[{"id": 1}]`)
	writeSource(t, dir, "in/b.json", `[{"id": "x"}]`)
	c, cat := newMemoryCoordinator(t)

	run, err := c.Run(context.Background(), engine.RunSpec{
		TargetBranch: memory.DefaultBranch,
		Imports:      []engine.ImportSpec{{Table: "events", SourceURI: "file://" + filepath.ToSlash(dir) + "/in/*.json"}},
		Expectations: []engine.ExpectationSpec{{Expr: "min_rows(n=1)"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.Disposition != engine.DispositionFailed || run.ErrorCode != engine.ErrCodeSchemaMismatch {
		t.Errorf("run = %s/%s", run.Disposition, run.ErrorCode)
	}
	if len(run.Expectations) != 0 {
		t.Errorf("expectations ran after a failed import: %+v", run.Expectations)
	}
	assertNoIngestionBranches(t, cat)
}

func TestWAP_BestEffortSkipsMismatchedFiles(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "in/a.json", `[{"id": 1}]`)
	writeSource(t, dir, "in/b.json", `[{"id": "x"}]`)
	writeSource(t, dir, "in/c.json", `[{"id": 3}]`)
	c, cat := newMemoryCoordinator(t)

	run, err := c.Run(context.Background(), engine.RunSpec{
		TargetBranch: memory.DefaultBranch,
		Imports:      []engine.ImportSpec{{Table: "events", SourceURI: "file://" + filepath.ToSlash(dir) + "/in/*.json"}},
		Expectations: []engine.ExpectationSpec{{Expr: "min_rows(n=2)"}},
		Policy:       engine.RunPolicy{BestEffort: true},
	})
	mustMerge(t, run, err)
	if got := run.Imports[0].Status; got != engine.ImportStatusPartial {
		t.Errorf("import status = %s", got)
	}
	if n, _ := rowCount(t, cat, memory.DefaultBranch, "public.events"); n != 2 {
		t.Errorf("public.events rows = %d, want 2", n)
	}
}

func TestWAP_AppendsAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	day1 := writeSource(t, dir, "day1.json", `[{"id": 1, "name": "a"}, {"id": 2, "name": "b"}]`)
	day2 := writeSource(t, dir, "day2.json", `[{"id": 3, "name": "c"}]`)
	c, cat := newMemoryCoordinator(t)

	for _, uri := range []string{day1, day2} {
		run, err := c.Run(context.Background(), engine.RunSpec{
			TargetBranch: memory.DefaultBranch,
			Imports:      []engine.ImportSpec{{Table: "customers", SourceURI: uri}},
			Expectations: []engine.ExpectationSpec{{Expr: "unique(id)"}},
		})
		mustMerge(t, run, err)
	}

	if n, _ := rowCount(t, cat, memory.DefaultBranch, "public.customers"); n != 3 {
		t.Errorf("public.customers rows = %d, want 3", n)
	}

	// Importing the same file again is refused by the catalog.
	run, err := c.Run(context.Background(), engine.RunSpec{
		TargetBranch: memory.DefaultBranch,
		Imports:      []engine.ImportSpec{{Table: "customers", SourceURI: day1}},
		Expectations: []engine.ExpectationSpec{{Expr: "unique(id)"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.Disposition != engine.DispositionFailed || run.ErrorCode != engine.ErrCodeDuplicateFile {
		t.Errorf("run = %s/%s", run.Disposition, run.ErrorCode)
	}
}

func TestWAP_ConcurrentRunsOnOneTarget(t *testing.T) {
	dir := t.TempDir()
	c, cat := newMemoryCoordinator(t)

	tables := []string{"orders", "customers", "items"}
	runs := make([]*engine.WAPRun, len(tables))
	var wg sync.WaitGroup
	for i, table := range tables {
		uri := writeSource(t, dir, table+".json", fmt.Sprintf(`[{"id": %d}]`, i))
		wg.Add(1)
		go func(i int, table, uri string) {
			defer wg.Done()
			run, err := c.Run(context.Background(), engine.RunSpec{
				TargetBranch: memory.DefaultBranch,
				Imports:      []engine.ImportSpec{{Table: table, SourceURI: uri}},
				Expectations: []engine.ExpectationSpec{{Expr: "min_rows(n=1)"}},
				Policy:       engine.RunPolicy{MaxMergeAttempts: len(tables) + 1},
			})
			if err != nil {
				t.Error(err)
				return
			}
			runs[i] = run
		}(i, table, uri)
	}
	wg.Wait()

	for i, run := range runs {
		if run == nil {
			continue
		}
		if run.Disposition != engine.DispositionMerged {
			t.Errorf("%s = %s (%s)", tables[i], run.Disposition, run.Error)
		}
		if n, ok := rowCount(t, cat, memory.DefaultBranch, "public."+tables[i]); !ok || n != 1 {
			t.Errorf("public.%s rows = %d (present %t), want 1", tables[i], n, ok)
		}
	}
	assertNoIngestionBranches(t, cat)
}

func TestWAP_ConcurrentIdenticalSpecs(t *testing.T) {
	dir := t.TempDir()
	seed := writeSource(t, dir, "seed.json", `[{"id": 1}]`)
	day := writeSource(t, dir, "day.json", `[{"id": 2}, {"id": 3}]`)
	c, cat := newMemoryCoordinator(t)

	run, err := c.Run(context.Background(), engine.RunSpec{
		TargetBranch: memory.DefaultBranch,
		Imports:      []engine.ImportSpec{{Table: "events", SourceURI: seed}},
		Expectations: []engine.ExpectationSpec{{Expr: "min_rows(n=1)"}},
	})
	mustMerge(t, run, err)

	// Both specs leave RunID empty and load the same file into the same table.
	spec := engine.RunSpec{
		TargetBranch: memory.DefaultBranch,
		Imports:      []engine.ImportSpec{{Table: "events", SourceURI: day}},
		Expectations: []engine.ExpectationSpec{{Expr: "min_rows(n=1)"}},
		Policy:       engine.RunPolicy{MaxMergeAttempts: 3},
	}
	runs := make([]*engine.WAPRun, 2)
	var wg sync.WaitGroup
	for i := range runs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := c.Run(context.Background(), spec)
			if err != nil {
				t.Error(err)
				return
			}
			runs[i] = run
		}(i)
	}
	wg.Wait()
	if runs[0] == nil || runs[1] == nil {
		t.FailNow()
	}

	if runs[0].ID == runs[1].ID || runs[0].Branch.Name == runs[1].Branch.Name {
		t.Errorf("runs share identity: %s/%s and %s/%s", runs[0].ID, runs[0].Branch.Name, runs[1].ID, runs[1].Branch.Name)
	}
	var got []engine.Disposition
	for _, run := range runs {
		if run.Stage != engine.StageDone || run.BranchState != engine.BranchStateCleaned {
			t.Errorf("run %s = %s/%s", run.ID, run.Stage, run.BranchState)
		}
		got = append(got, run.Disposition)
		if run.Disposition == engine.DispositionFailed &&
			run.ErrorCode != engine.ErrCodeMergeConflict && run.ErrorCode != engine.ErrCodeDuplicateFile {
			t.Errorf("run %s failed with %s: %s", run.ID, run.ErrorCode, run.Error)
		}
	}
	// The file is published once: one run merges, the other is refused.
	if !reflect.DeepEqual(got, []engine.Disposition{engine.DispositionMerged, engine.DispositionFailed}) &&
		!reflect.DeepEqual(got, []engine.Disposition{engine.DispositionFailed, engine.DispositionMerged}) {
		t.Errorf("dispositions = %v", got)
	}
	if n, _ := rowCount(t, cat, memory.DefaultBranch, "public.events"); n != 3 {
		t.Errorf("public.events rows = %d, want 3", n)
	}
	assertNoIngestionBranches(t, cat)
}

func TestWAP_CanceledRunLeavesNoBranch(t *testing.T) {
	dir := t.TempDir()
	uri := writeSource(t, dir, "orders.json", `[{"id": 1}]`)
	c, cat := newMemoryCoordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := c.Run(ctx, engine.RunSpec{
		TargetBranch: memory.DefaultBranch,
		Imports:      []engine.ImportSpec{{Table: "orders", SourceURI: uri}},
		Expectations: []engine.ExpectationSpec{{Expr: "min_rows(n=1)"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.Disposition != engine.DispositionFailed || run.Stage != engine.StageDone {
		t.Errorf("run = %s/%s", run.Disposition, run.Stage)
	}
	assertNoIngestionBranches(t, cat)

	if _, ok := rowCount(t, cat, memory.DefaultBranch, "public.orders"); ok {
		t.Error("public.orders exists on the target")
	}
}
