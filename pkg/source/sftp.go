package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/transports/sftp"
)

// SFTPStore serves sftp:// URIs. Sessions are opened per host on first use
// and kept until Close.
type SFTPStore struct {
	base sftp.Config

	mu      sync.Mutex
	clients map[string]*sftp.Client
}

// NewSFTPStore creates a store whose connections start from base.
// The URI host overrides the user, host and port of base.
func NewSFTPStore(base sftp.Config) *SFTPStore {
	return &SFTPStore{base: base, clients: make(map[string]*sftp.Client)}
}

// Register installs an established client for host.
func (s *SFTPStore) Register(host string, client *sftp.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[host] = client
}

// Scheme returns "sftp".
func (s *SFTPStore) Scheme() string { return "sftp" }

func (s *SFTPStore) client(ctx context.Context, host string) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[host]; ok {
		return c, nil
	}

	cfg, err := s.base.ForHost(host)
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid sftp host %q", host), err)
	}
	c, err := sftp.NewClient(cfg)
	if err != nil {
		return nil, engine.NewValidationError("invalid sftp configuration", err)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, classifySFTPError("connect", host, err)
	}
	s.clients[host] = c
	return c, nil
}

// List returns the files matching u.
func (s *SFTPStore) List(ctx context.Context, u *URI) ([]Object, error) {
	c, err := s.client(ctx, u.Host)
	if err != nil {
		return nil, err
	}

	root := u.ListDir()
	if root == "" {
		root = "/"
	}
	if !u.HasGlob() && !u.IsDir() {
		if info, err := c.Stat(ctx, u.Path); err == nil {
			return []Object{{URI: u.String(), Size: info.Size, ModTime: info.ModTime}}, nil
		} else if !sftp.IsNotExist(err) {
			return nil, classifySFTPError("stat", u.String(), err)
		}
		return nil, nil
	}

	files, err := c.Walk(ctx, root, u.Match)
	if err != nil {
		return nil, classifySFTPError("list", u.String(), err)
	}
	objects := make([]Object, 0, len(files))
	for _, f := range files {
		objects = append(objects, Object{URI: u.WithPath(f.Path).String(), Size: f.Size, ModTime: f.ModTime})
	}
	return objects, nil
}

// Fetch downloads the file at u to dst.
func (s *SFTPStore) Fetch(ctx context.Context, u *URI, dst string) error {
	c, err := s.client(ctx, u.Host)
	if err != nil {
		return err
	}
	if err := c.Download(ctx, u.Path, dst); err != nil {
		return classifySFTPError("download", u.String(), err)
	}
	return nil
}

// Put uploads src to u and writes a metadata sidecar next to it.
func (s *SFTPStore) Put(ctx context.Context, src string, u *URI, metadata map[string]string) error {
	c, err := s.client(ctx, u.Host)
	if err != nil {
		return err
	}
	if err := c.Upload(ctx, src, u.Path); err != nil {
		return classifySFTPError("upload", u.String(), err)
	}
	if len(metadata) == 0 {
		return nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := c.WriteFile(ctx, remoteSidecar(u.Path), data); err != nil {
		return classifySFTPError("upload", u.String(), err)
	}
	return nil
}

// Stat returns the file at u with its sidecar metadata.
func (s *SFTPStore) Stat(ctx context.Context, u *URI) (*Object, error) {
	c, err := s.client(ctx, u.Host)
	if err != nil {
		return nil, err
	}
	info, err := c.Stat(ctx, u.Path)
	if err != nil {
		return nil, classifySFTPError("stat", u.String(), err)
	}
	obj := &Object{URI: u.String(), Size: info.Size, ModTime: info.ModTime}
	if data, err := c.ReadFile(ctx, remoteSidecar(u.Path)); err == nil {
		var meta map[string]string
		if json.Unmarshal(data, &meta) == nil {
			obj.Metadata = meta
		}
	}
	return obj, nil
}

// Close closes every open session.
func (s *SFTPStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for host, c := range s.clients {
		errs = append(errs, c.Close())
		delete(s.clients, host)
	}
	return errors.Join(errs...)
}

func remoteSidecar(p string) string {
	return path.Join(path.Dir(p), "."+path.Base(p)+".meta.json")
}

func classifySFTPError(op, resource string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if sftp.IsNotExist(err) {
		return engine.ErrRefNotFound(resource).WithOperation(op)
	}
	var terr *sftp.TransportError
	if errors.As(err, &terr) {
		if terr.IsAuthError {
			return engine.NewFatalError("sftp authentication failed", err).
				WithCode(engine.ErrCodeForbidden).WithResource(resource).WithOperation(op)
		}
		if !terr.Temporary() {
			return engine.NewFatalError(fmt.Sprintf("%s %s failed", op, resource), err).
				WithResource(resource).WithOperation(op)
		}
	}
	return engine.NewTransientError(fmt.Sprintf("%s %s failed", op, resource), err).
		WithCode(engine.ErrCodeTransientIO).WithResource(resource).WithOperation(op)
}
