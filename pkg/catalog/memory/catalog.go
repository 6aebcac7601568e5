package memory

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/source"
)

// DefaultBranch is created with the catalog and protected from deletion.
const DefaultBranch = "main"

type tableFile struct {
	URI  string          `json:"uri"`
	Rows [][]interface{} `json:"rows"`
}

// tableState is an immutable table version. Commits share unchanged tables.
type tableState struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`

	// Generation changes when the table is created or replaced.
	Generation string `json:"generation"`

	// Version is the commit that last modified the table.
	Version string `json:"version"`

	Columns []source.Column `json:"columns"`
	Files   []tableFile     `json:"files"`
}

func (t *tableState) key() string { return tableKey(t.Namespace, t.Name) }

func (t *tableState) schema() string {
	ds := source.Dataset{Columns: t.Columns}
	return ds.Schema()
}

func (t *tableState) hasFile(uri string) bool {
	for _, f := range t.Files {
		if f.URI == uri {
			return true
		}
	}
	return false
}

func (t *tableState) rowCount() int {
	n := 0
	for _, f := range t.Files {
		n += len(f.Rows)
	}
	return n
}

func tableKey(namespace, name string) string {
	return strings.ToLower(namespace) + "." + strings.ToLower(name)
}

type commit struct {
	ID        string                 `json:"id"`
	Parents   []string               `json:"parents,omitempty"`
	Message   string                 `json:"message"`
	CreatedAt time.Time              `json:"created_at"`
	Tables    map[string]*tableState `json:"tables"`
}

type branch struct {
	Name string `json:"name"`
	Head string `json:"head"`

	// Base is the commit the branch was forked from, the merge base for
	// merging it back.
	Base string `json:"base"`

	// From is the ref the branch was created from.
	From string `json:"from,omitempty"`
}

// Catalog is an in-process versioned table catalog.
//
// Branches point at immutable commits. Imports and table changes add a commit
// to one branch; merges add a merge commit to the target. Queries run against
// a SQLite snapshot of a commit. Catalog implements engine.CatalogClient.
type Catalog struct {
	mu        sync.RWMutex
	commits   map[string]*commit
	branches  map[string]*branch
	protected map[string]bool
	seq       uint64

	reader       *source.Reader
	snapshotPath string
	logger       zerolog.Logger
	now          func() time.Time
}

var _ engine.CatalogClient = (*Catalog)(nil)

// Option configures a Catalog.
type Option func(*Catalog)

// WithReader sets the reader used to resolve and decode import sources.
func WithReader(r *source.Reader) Option {
	return func(c *Catalog) { c.reader = r }
}

// WithSnapshot persists the catalog as JSON at path after every change and
// loads it on creation.
func WithSnapshot(path string) Option {
	return func(c *Catalog) { c.snapshotPath = path }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Catalog) { c.logger = logger }
}

// WithProtectedBranches marks branches that cannot be deleted.
func WithProtectedBranches(names ...string) Option {
	return func(c *Catalog) {
		for _, n := range names {
			c.protected[n] = true
		}
	}
}

// New creates a catalog with an empty default branch.
func New(opts ...Option) (*Catalog, error) {
	c := &Catalog{
		commits:   make(map[string]*commit),
		branches:  make(map[string]*branch),
		protected: map[string]bool{DefaultBranch: true},
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reader == nil {
		c.reader = source.NewReader()
	}
	c.logger = c.logger.With().Str("component", "memory-catalog").Logger()

	if c.snapshotPath != "" {
		loaded, err := c.load()
		if err != nil {
			return nil, err
		}
		if loaded {
			return c, nil
		}
	}

	root := c.newCommit(nil, "initial commit", map[string]*tableState{})
	c.branches[DefaultBranch] = &branch{Name: DefaultBranch, Head: root.ID, Base: root.ID}
	if err := c.persist(); err != nil {
		return nil, err
	}
	return c, nil
}

// newCommit records a commit. Callers hold c.mu.
func (c *Catalog) newCommit(parents []string, message string, tables map[string]*tableState) *commit {
	c.seq++
	h := blake3.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d", strings.Join(parents, ","), message, c.seq, c.now().UnixNano())
	id := hex.EncodeToString(h.Sum(nil)[:16])

	cm := &commit{
		ID:        id,
		Parents:   parents,
		Message:   message,
		CreatedAt: c.now(),
		Tables:    tables,
	}
	c.commits[id] = cm
	return cm
}

// resolve returns the commit a branch name or commit ID points at. Callers hold c.mu.
func (c *Catalog) resolve(ref string) (*commit, error) {
	if b, ok := c.branches[ref]; ok {
		return c.commits[b.Head], nil
	}
	if cm, ok := c.commits[ref]; ok {
		return cm, nil
	}
	return nil, engine.ErrRefNotFound(ref)
}

func (c *Catalog) branchInfo(b *branch) *engine.Branch {
	return &engine.Branch{Name: b.Name, BaseRef: b.From, Head: b.Head}
}

// BranchExists reports whether the branch exists.
func (c *Catalog) BranchExists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.branches[name]
	return ok, nil
}

// GetBranch returns the branch and its head.
func (c *Catalog) GetBranch(ctx context.Context, name string) (*engine.Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.branches[name]
	if !ok {
		return nil, engine.ErrRefNotFound(name).WithOperation("get_branch")
	}
	return c.branchInfo(b), nil
}

// CreateBranch creates name pointing at the commit fromRef resolves to.
func (c *Catalog) CreateBranch(ctx context.Context, name, fromRef string) (*engine.Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t\n/") {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid branch name %q", name), nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.branches[name]; ok {
		return nil, engine.ErrBranchExists(name).WithOperation("create_branch")
	}
	from, err := c.resolve(fromRef)
	if err != nil {
		return nil, err
	}

	b := &branch{Name: name, Head: from.ID, Base: from.ID, From: fromRef}
	c.branches[name] = b
	if err := c.persist(); err != nil {
		delete(c.branches, name)
		return nil, err
	}

	c.logger.Debug().Str("branch", name).Str("from", fromRef).Str("head", from.ID).Msg("branch created")
	return c.branchInfo(b), nil
}

// DeleteBranch deletes the branch. Commits stay reachable by ID.
func (c *Catalog) DeleteBranch(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.branches[name]
	if !ok {
		return false, nil
	}
	if c.protected[name] {
		return false, engine.NewFatalError("branch is protected", nil).
			WithCode(engine.ErrCodeNotWritable).WithResource(name).WithOperation("delete_branch")
	}

	delete(c.branches, name)
	if err := c.persist(); err != nil {
		c.branches[name] = b
		return false, err
	}
	c.logger.Debug().Str("branch", name).Msg("branch deleted")
	return true, nil
}

// ListBranches returns the branches whose names start with prefix, sorted by name.
func (c *Catalog) ListBranches(ctx context.Context, prefix string) ([]engine.Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]engine.Branch, 0, len(c.branches))
	for name, b := range c.branches {
		if strings.HasPrefix(name, prefix) {
			out = append(out, *c.branchInfo(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateTable creates a table on a branch with the schema of the first file
// matching SearchURI. An existing table is left alone unless Replace is set.
func (c *Catalog) CreateTable(ctx context.Context, req engine.CreateTableRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateTableRef(req.Namespace, req.Table); err != nil {
		return err
	}

	if !req.Replace {
		c.mu.RLock()
		b, ok := c.branches[req.Branch]
		exists := ok && c.commits[b.Head].Tables[tableKey(req.Namespace, req.Table)] != nil
		c.mu.RUnlock()
		if !ok {
			return engine.ErrRefNotFound(req.Branch).WithOperation("create_table")
		}
		if exists {
			return nil
		}
	}

	objects, err := c.reader.Resolve(ctx, req.SearchURI)
	if err != nil {
		return err
	}
	sample, err := c.reader.Read(ctx, objects[0].URI)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.branches[req.Branch]
	if !ok {
		return engine.ErrRefNotFound(req.Branch).WithOperation("create_table")
	}
	head := c.commits[b.Head]
	key := tableKey(req.Namespace, req.Table)
	if head.Tables[key] != nil && !req.Replace {
		return nil
	}

	tables := copyTables(head.Tables)
	cm := c.newCommit([]string{head.ID}, fmt.Sprintf("create table %s.%s", req.Namespace, req.Table), tables)
	tables[key] = &tableState{
		Namespace:  req.Namespace,
		Name:       req.Table,
		Generation: cm.ID,
		Version:    cm.ID,
		Columns:    sample.Columns,
	}
	return c.advance(b, cm)
}

// TableFiles lists the source URIs imported into a table at ref, in import order.
func (c *Catalog) TableFiles(ctx context.Context, ref, namespace, table string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	cm, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}
	key := tableKey(namespace, table)
	t := cm.Tables[key]
	if t == nil {
		return nil, engine.NewFatalError("table not found", nil).
			WithCode(engine.ErrCodeTableNotFound).WithResource(key).WithOperation("table_files")
	}
	out := make([]string, len(t.Files))
	for i, f := range t.Files {
		out[i] = f.URI
	}
	return out, nil
}

// ImportData appends the files matching SourceURI to a table.
//
// Files already in the table fail the request with DUPLICATE_FILE. A file
// whose schema differs from the table fails it with SCHEMA_MISMATCH unless
// BestEffort or ContinueOnError is set, in which case the file is reported as
// failed and the rest are imported. Successful files land in one commit.
func (c *Catalog) ImportData(ctx context.Context, req engine.ImportRequest) (*engine.ImportOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateTableRef(req.Namespace, req.Table); err != nil {
		return nil, err
	}
	key := tableKey(req.Namespace, req.Table)

	table, err := c.table(req.Branch, key)
	if err != nil {
		return nil, err
	}

	objects, err := c.reader.Resolve(ctx, req.SourceURI)
	if err != nil {
		return nil, err
	}
	for _, obj := range objects {
		if table.hasFile(obj.URI) {
			return nil, engine.NewFatalError("file already imported", nil).
				WithCode(engine.ErrCodeDuplicateFile).WithResource(obj.URI).WithOperation("import_data")
		}
	}

	outcome := &engine.ImportOutcome{}
	var landed []tableFile
	var failures []string
	for _, obj := range objects {
		ds, err := c.reader.Read(ctx, obj.URI)
		if err == nil && ds.Schema() != table.schema() {
			err = engine.NewFatalError("schema mismatch", nil).
				WithCode(engine.ErrCodeSchemaMismatch).
				WithResource(obj.URI).
				WithDetail("expected", table.schema()).
				WithDetail("actual", ds.Schema())
		}
		if err != nil {
			tolerated := req.ContinueOnError ||
				(req.BestEffort && engine.HasCode(err, engine.ErrCodeSchemaMismatch))
			if !tolerated || ctx.Err() != nil {
				return nil, err
			}
			outcome.Files = append(outcome.Files, engine.FileOutcome{
				URI: obj.URI, Status: engine.ImportStatusFailed, Error: err.Error(),
			})
			failures = append(failures, obj.URI)
			continue
		}
		landed = append(landed, tableFile{URI: obj.URI, Rows: ds.Rows})
		outcome.Files = append(outcome.Files, engine.FileOutcome{
			URI: obj.URI, Rows: int64(ds.Len()), Status: engine.ImportStatusSuccess,
		})
		outcome.RowsImported += int64(ds.Len())
	}
	if len(failures) > 0 {
		outcome.Error = fmt.Sprintf("%d of %d files failed: %s", len(failures), len(objects), strings.Join(failures, ", "))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.branches[req.Branch]
	if !ok {
		return nil, engine.ErrRefNotFound(req.Branch).WithOperation("import_data")
	}
	head := c.commits[b.Head]
	current := head.Tables[key]
	if current == nil || current.Generation != table.Generation {
		return nil, engine.NewTransientError("table changed during import", nil).
			WithCode(engine.ErrCodeTransientIO).WithResource(key).WithOperation("import_data")
	}
	for _, f := range landed {
		if current.hasFile(f.URI) {
			return nil, engine.NewFatalError("file already imported", nil).
				WithCode(engine.ErrCodeDuplicateFile).WithResource(f.URI).WithOperation("import_data")
		}
	}

	if len(landed) == 0 {
		outcome.Head = head.ID
		return outcome, nil
	}

	tables := copyTables(head.Tables)
	cm := c.newCommit([]string{head.ID}, fmt.Sprintf("import %d files into %s", len(landed), key), tables)
	next := *current
	next.Version = cm.ID
	next.Files = append(append([]tableFile(nil), current.Files...), landed...)
	tables[key] = &next
	if err := c.advance(b, cm); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("branch", req.Branch).
		Str("table", key).
		Int("files", len(landed)).
		Int64("rows", outcome.RowsImported).
		Msg("import committed")

	outcome.Head = cm.ID
	return outcome, nil
}

func (c *Catalog) table(branchName, key string) (*tableState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.branches[branchName]
	if !ok {
		return nil, engine.ErrRefNotFound(branchName).WithOperation("import_data")
	}
	t := c.commits[b.Head].Tables[key]
	if t == nil {
		return nil, engine.NewFatalError("table not found", nil).
			WithCode(engine.ErrCodeTableNotFound).WithResource(key).WithOperation("import_data")
	}
	return t, nil
}

// advance moves b to cm and persists. Callers hold c.mu.
func (c *Catalog) advance(b *branch, cm *commit) error {
	prev := b.Head
	b.Head = cm.ID
	if err := c.persist(); err != nil {
		b.Head = prev
		delete(c.commits, cm.ID)
		return err
	}
	return nil
}

// Commit describes one commit in a branch history.
type Commit struct {
	ID        string    `json:"id"`
	Parents   []string  `json:"parents,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Log returns the first-parent history of ref, newest first.
// A merge commit lists the target head first and the merged head second.
func (c *Catalog) Log(ctx context.Context, ref string) ([]Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	cm, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}
	var out []Commit
	for cm != nil {
		out = append(out, Commit{
			ID:        cm.ID,
			Parents:   append([]string(nil), cm.Parents...),
			Message:   cm.Message,
			CreatedAt: cm.CreatedAt,
		})
		if len(cm.Parents) == 0 {
			break
		}
		cm = c.commits[cm.Parents[0]]
	}
	return out, nil
}

// Stats returns the row count of every table at ref, keyed by namespace.table.
func (c *Catalog) Stats(ctx context.Context, ref string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	cm, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(cm.Tables))
	for key, t := range cm.Tables {
		out[key] = t.rowCount()
	}
	return out, nil
}

func copyTables(in map[string]*tableState) map[string]*tableState {
	out := make(map[string]*tableState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func validateTableRef(namespace, table string) error {
	if !engine.ValidTableName(namespace) {
		return engine.NewValidationError("invalid namespace "+strconv.Quote(namespace), nil)
	}
	if !engine.ValidTableName(table) {
		return engine.NewValidationError("invalid table name "+strconv.Quote(table), nil)
	}
	if strings.EqualFold(namespace, "temp") {
		return engine.NewValidationError("namespace \"temp\" is reserved", nil)
	}
	return nil
}
