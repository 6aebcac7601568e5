package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lakegate/lakegate/pkg/engine"
)

// LocalStore serves file:// URIs and plain paths.
// Object metadata is kept in a hidden sidecar file next to the object.
type LocalStore struct{}

// NewLocalStore creates a local file store.
func NewLocalStore() *LocalStore {
	return &LocalStore{}
}

// Scheme returns "file".
func (s *LocalStore) Scheme() string { return "file" }

// List returns the files matching u.
func (s *LocalStore) List(ctx context.Context, u *URI) ([]Object, error) {
	if !u.HasGlob() && !u.IsDir() {
		info, err := os.Stat(u.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, classifyLocalError("stat", u.Path, err)
		}
		if !info.IsDir() {
			return []Object{localObject(u.Path, info)}, nil
		}
		u = u.WithPath(u.Path + "/")
	}

	root := u.ListDir()
	if root == "" {
		root = "."
	}

	var objects []Object
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return filepath.SkipDir
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if strings.HasPrefix(d.Name(), ".") && p != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !u.Match(filepath.ToSlash(p)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, localObject(p, info))
		return nil
	})
	if err != nil {
		return nil, classifyLocalError("list", root, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].URI < objects[j].URI })
	return objects, nil
}

// Fetch copies the file at u to dst.
func (s *LocalStore) Fetch(ctx context.Context, u *URI, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return copyFile(u.Path, dst)
}

// Put copies src to u and writes its metadata sidecar.
func (s *LocalStore) Put(ctx context.Context, src string, u *URI, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(u.Path), 0o755); err != nil {
		return classifyLocalError("mkdir", u.Path, err)
	}
	if err := copyFile(src, u.Path); err != nil {
		return err
	}
	if len(metadata) == 0 {
		return nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(sidecarPath(u.Path), data, 0o644); err != nil {
		return classifyLocalError("write", sidecarPath(u.Path), err)
	}
	return nil
}

// Stat returns the file at u with its sidecar metadata.
func (s *LocalStore) Stat(ctx context.Context, u *URI) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(u.Path)
	if err != nil {
		return nil, classifyLocalError("stat", u.Path, err)
	}
	obj := localObject(u.Path, info)
	if data, err := os.ReadFile(sidecarPath(u.Path)); err == nil {
		var meta map[string]string
		if err := json.Unmarshal(data, &meta); err == nil {
			obj.Metadata = meta
		}
	}
	return &obj, nil
}

func localObject(p string, info fs.FileInfo) Object {
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = p
	}
	return Object{
		URI:     (&URI{Scheme: "file", Path: filepath.ToSlash(abs)}).String(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}

func sidecarPath(p string) string {
	return filepath.Join(filepath.Dir(p), "."+filepath.Base(p)+".meta.json")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return classifyLocalError("open", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return classifyLocalError("create", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return classifyLocalError("copy", dst, err)
	}
	if err := out.Close(); err != nil {
		return classifyLocalError("close", dst, err)
	}
	return nil
}

func classifyLocalError(op, p string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, fs.ErrNotExist):
		return engine.ErrRefNotFound(p).WithOperation(op)
	case errors.Is(err, fs.ErrPermission):
		return engine.NewFatalError("permission denied", err).
			WithCode(engine.ErrCodeForbidden).WithResource(p).WithOperation(op)
	default:
		return engine.NewTransientError(fmt.Sprintf("%s %s failed", op, p), err).
			WithCode(engine.ErrCodeTransientIO).WithResource(p).WithOperation(op)
	}
}
