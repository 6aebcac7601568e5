package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeCatalog is an in-memory CatalogClient with scriptable failures.
// Heads are opaque strings "c0", "c1", ... and every write advances one.
type fakeCatalog struct {
	mu       sync.Mutex
	branches map[string]*Branch
	seq      int
	calls    map[string]int
	log      []string

	// hooks run before the default behaviour of an operation.
	// A non-nil error is returned instead of performing it.
	hooks map[string]func(call int) error

	// mergeLands applies a merge even when its hook fails.
	mergeLands bool

	// files holds the imported URIs per branch and table.
	files map[string][]string

	// imports run before ImportData for one table, numbered per table.
	imports     map[string]func(req ImportRequest, call int) error
	importCalls map[string]int

	rows *Rows
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		branches:    map[string]*Branch{"main": {Name: "main", Head: "c0"}},
		calls:       make(map[string]int),
		hooks:       make(map[string]func(int) error),
		files:       make(map[string][]string),
		imports:     make(map[string]func(ImportRequest, int) error),
		importCalls: make(map[string]int),
		rows:        &Rows{Columns: []string{"n"}, Values: [][]interface{}{{int64(0)}}},
	}
}

func (f *fakeCatalog) on(op string, hook func(call int) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[op] = hook
}

// call records op and runs its hook outside the lock.
func (f *fakeCatalog) call(op string) error {
	f.mu.Lock()
	f.calls[op]++
	n := f.calls[op]
	f.log = append(f.log, op)
	hook := f.hooks[op]
	f.mu.Unlock()

	if hook != nil {
		return hook(n)
	}
	return nil
}

// onImport sets a hook for imports into table.
func (f *fakeCatalog) onImport(table string, hook func(req ImportRequest, call int) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imports[table] = hook
}

func filesKey(branch, table string) string { return branch + "/" + table }

// landFile records uri in table as if an import committed it.
func (f *fakeCatalog) landFile(branch, table, uri string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.landLocked(branch, table, uri)
}

func (f *fakeCatalog) landLocked(branch, table, uri string) string {
	key := filesKey(branch, table)
	f.files[key] = append(f.files[key], uri)
	return f.advanceLocked(branch)
}

func (f *fakeCatalog) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeCatalog) head(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.branches[name]; ok {
		return b.Head
	}
	return ""
}

func (f *fakeCatalog) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.branches[name]
	return ok
}

// moveHead simulates a concurrent writer on name.
func (f *fakeCatalog) moveHead(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advanceLocked(name)
}

func (f *fakeCatalog) addBranch(name, head string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[name] = &Branch{Name: name, Head: head}
}

func (f *fakeCatalog) advanceLocked(name string) string {
	f.seq++
	head := fmt.Sprintf("c%d", f.seq)
	f.branches[name].Head = head
	return head
}

func (f *fakeCatalog) BranchExists(ctx context.Context, name string) (bool, error) {
	if err := f.call("branch_exists"); err != nil {
		return false, err
	}
	return f.has(name), nil
}

func (f *fakeCatalog) GetBranch(ctx context.Context, name string) (*Branch, error) {
	if err := f.call("get_branch"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.branches[name]
	if !ok {
		return nil, ErrRefNotFound(name)
	}
	cp := *b
	return &cp, nil
}

func (f *fakeCatalog) CreateBranch(ctx context.Context, name, fromRef string) (*Branch, error) {
	if err := f.call("create_branch"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.branches[name]; ok {
		return nil, ErrBranchExists(name)
	}
	head := fromRef
	if b, ok := f.branches[fromRef]; ok {
		head = b.Head
	}
	b := &Branch{Name: name, BaseRef: fromRef, Head: head}
	f.branches[name] = b
	cp := *b
	return &cp, nil
}

func (f *fakeCatalog) DeleteBranch(ctx context.Context, name string) (bool, error) {
	if err := f.call("delete_branch"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.branches[name]; !ok {
		return false, nil
	}
	delete(f.branches, name)
	return true, nil
}

func (f *fakeCatalog) ListBranches(ctx context.Context, prefix string) ([]Branch, error) {
	if err := f.call("list_branches"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Branch
	for name, b := range f.branches {
		if strings.HasPrefix(name, prefix) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeCatalog) CreateTable(ctx context.Context, req CreateTableRequest) error {
	return f.call("create_table")
}

func (f *fakeCatalog) TableFiles(ctx context.Context, ref, namespace, table string) ([]string, error) {
	if err := f.call("table_files"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.branches[ref]; !ok {
		return nil, ErrRefNotFound(ref)
	}
	return append([]string(nil), f.files[filesKey(ref, table)]...), nil
}

func (f *fakeCatalog) ImportData(ctx context.Context, req ImportRequest) (*ImportOutcome, error) {
	if err := f.call("import_data"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.importCalls[req.Table]++
	n := f.importCalls[req.Table]
	hook := f.imports[req.Table]
	f.mu.Unlock()
	if hook != nil {
		if err := hook(req, n); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.branches[req.Branch]; !ok {
		return nil, ErrRefNotFound(req.Branch)
	}
	for _, uri := range f.files[filesKey(req.Branch, req.Table)] {
		if uri == req.SourceURI {
			return nil, NewFatalError("file already imported", nil).
				WithCode(ErrCodeDuplicateFile).WithResource(uri)
		}
	}
	head := f.landLocked(req.Branch, req.Table, req.SourceURI)
	return &ImportOutcome{
		Files:        []FileOutcome{{URI: req.SourceURI, Rows: 10, Status: ImportStatusSuccess}},
		RowsImported: 10,
		Head:         head,
	}, nil
}

func (f *fakeCatalog) MergeBranch(ctx context.Context, req MergeRequest) (*MergeOutcome, error) {
	if err := f.call("merge_branch"); err != nil {
		if f.mergeLands {
			f.moveHead(req.Target)
		}
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dst, ok := f.branches[req.Target]
	if !ok {
		return nil, ErrRefNotFound(req.Target)
	}
	if _, ok := f.branches[req.Source]; !ok {
		return nil, ErrRefNotFound(req.Source)
	}
	if req.ExpectedHead != "" && dst.Head != req.ExpectedHead {
		return nil, ErrHeadChanged(req.Target, req.ExpectedHead, dst.Head)
	}
	return &MergeOutcome{Head: f.advanceLocked(req.Target)}, nil
}

func (f *fakeCatalog) Query(ctx context.Context, sql, ref string) (*Rows, error) {
	if err := f.call("query"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.branches[ref]; !ok {
		return nil, ErrRefNotFound(ref)
	}
	return f.rows, nil
}

// failFirst returns a hook failing the first n calls with err.
func failFirst(n int, err error) func(int) error {
	return func(call int) error {
		if call <= n {
			return err
		}
		return nil
	}
}

// funcCheck is a Check backed by a function.
type funcCheck struct {
	name string
	fn   func(ctx context.Context, q Querier, ref string) (bool, string, error)
}

func (c *funcCheck) Name() string { return c.name }

func (c *funcCheck) Evaluate(ctx context.Context, q Querier, ref string) (bool, string, error) {
	return c.fn(ctx, q, ref)
}

// stubBuilder builds checks from expressions:
// "pass", "fail", "error", "panic" and "query" (runs a query and passes).
type stubBuilder struct {
	extra map[string]Check
}

func (b *stubBuilder) Build(spec ExpectationSpec, defaults CheckDefaults) (Check, error) {
	if c, ok := b.extra[spec.Expr]; ok {
		return c, nil
	}
	name := spec.Name
	if name == "" {
		name = spec.Expr
	}
	var fn func(ctx context.Context, q Querier, ref string) (bool, string, error)
	switch spec.Expr {
	case "pass":
		fn = func(context.Context, Querier, string) (bool, string, error) { return true, "", nil }
	case "fail":
		fn = func(context.Context, Querier, string) (bool, string, error) { return false, "too few rows", nil }
	case "error":
		fn = func(context.Context, Querier, string) (bool, string, error) {
			return false, "", fmt.Errorf("boom")
		}
	case "panic":
		fn = func(context.Context, Querier, string) (bool, string, error) { panic("kaboom") }
	case "query":
		fn = func(ctx context.Context, q Querier, ref string) (bool, string, error) {
			_, err := q.Query(ctx, "SELECT 1", ref)
			return err == nil, "", err
		}
	default:
		return nil, fmt.Errorf("unknown check %q", spec.Expr)
	}
	return &funcCheck{name: name, fn: fn}, nil
}

// recordingPublisher keeps published events in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type recordingRecorder struct {
	mu        sync.Mutex
	runs      []*WAPRun
	lookupErr error
}

func (r *recordingRecorder) RunExists(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return false, r.lookupErr
	}
	for _, run := range r.runs {
		if run.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (r *recordingRecorder) SaveRun(ctx context.Context, run *WAPRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

type countingMetrics struct {
	mu           sync.Mutex
	runs         map[Disposition]int
	stages       int
	imports      map[ImportStatus]int
	expectations map[bool]int
	merges       map[MergeStatus]int
	cleanup      int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		runs:         make(map[Disposition]int),
		imports:      make(map[ImportStatus]int),
		expectations: make(map[bool]int),
		merges:       make(map[MergeStatus]int),
	}
}

func (m *countingMetrics) RecordRun(d Disposition, _ string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[d]++
}

func (m *countingMetrics) RecordStage(Stage, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages++
}

func (m *countingMetrics) RecordImport(s ImportStatus, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imports[s]++
}

func (m *countingMetrics) RecordExpectation(passed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expectations[passed]++
}

func (m *countingMetrics) RecordMergeAttempt(s MergeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merges[s]++
}

func (m *countingMetrics) RecordCleanupWarning() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup++
}

// fastRetry keeps test backoff in the millisecond range.
func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		MaxInterval:     5 * time.Millisecond,
	}
}
