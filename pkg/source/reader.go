package source

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/lakegate/lakegate/pkg/engine"
)

// Reader resolves source URI patterns and decodes the files they select.
// It routes each URI to the store registered for its scheme.
type Reader struct {
	mu     sync.RWMutex
	stores map[string]Store

	// TempDir holds downloads from remote stores. Defaults to os.TempDir.
	TempDir string
}

// NewReader creates a reader over stores. A LocalStore is always registered.
func NewReader(stores ...Store) *Reader {
	r := &Reader{stores: map[string]Store{"file": NewLocalStore()}}
	for _, s := range stores {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the store for its scheme.
func (r *Reader) Register(s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[s.Scheme()] = s
}

// Store returns the store for scheme.
func (r *Reader) Store(scheme string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[scheme]
	if !ok {
		return nil, engine.NewFatalError(fmt.Sprintf("no store configured for scheme %q", scheme), nil).
			WithCode(engine.ErrCodeInvalidSource)
	}
	return s, nil
}

func (r *Reader) route(raw string) (Store, *URI, error) {
	u, err := ParseURI(raw)
	if err != nil {
		return nil, nil, engine.NewFatalError("invalid source uri", err).
			WithCode(engine.ErrCodeInvalidSource).WithResource(raw)
	}
	s, err := r.Store(u.Scheme)
	if err != nil {
		return nil, nil, err
	}
	return s, u, nil
}

// Resolve lists the objects selected by pattern.
// It fails with NO_SOURCE_FILES when nothing matches.
func (r *Reader) Resolve(ctx context.Context, pattern string) ([]Object, error) {
	s, u, err := r.route(pattern)
	if err != nil {
		return nil, err
	}
	objects, err := s.List(ctx, u)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, engine.NewFatalError("no source files match", nil).
			WithCode(engine.ErrCodeNoSourceFiles).WithResource(pattern)
	}
	return objects, nil
}

// Fetch makes the object at uri available as a local file.
// Local files are used in place; cleanup removes any download.
func (r *Reader) Fetch(ctx context.Context, uri string) (string, func(), error) {
	s, u, err := r.route(uri)
	if err != nil {
		return "", nil, err
	}
	if u.Scheme == "file" {
		return filepath.FromSlash(u.Path), func() {}, nil
	}

	dir, err := os.MkdirTemp(r.TempDir, "lakegate-fetch-*")
	if err != nil {
		return "", nil, engine.NewTransientError("failed to create temp dir", err).
			WithCode(engine.ErrCodeTransientIO)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	dst := filepath.Join(dir, path.Base(u.Path))
	if err := s.Fetch(ctx, u, dst); err != nil {
		cleanup()
		return "", nil, err
	}
	return dst, cleanup, nil
}

// Read fetches and decodes the file at uri.
func (r *Reader) Read(ctx context.Context, uri string) (*Dataset, error) {
	format, err := FormatOf(uri)
	if err != nil {
		return nil, engine.NewFatalError(err.Error(), nil).
			WithCode(engine.ErrCodeInvalidSource).WithResource(uri)
	}

	local, cleanup, err := r.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	ds, err := ReadFile(local, format)
	if err != nil {
		return nil, engine.NewFatalError(fmt.Sprintf("failed to decode %s", uri), err).
			WithCode(engine.ErrCodeInvalidSource).WithResource(uri)
	}
	return ds, nil
}

// ReadFile decodes a local file in the given format.
func ReadFile(p string, format Format) (*Dataset, error) {
	if format == FormatParquet {
		return ReadParquetFile(p)
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if format == FormatJSONL {
		return ReadJSONL(f)
	}
	return ReadJSON(f)
}
