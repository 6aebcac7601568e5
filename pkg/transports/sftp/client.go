// Package sftp provides SFTP file access for sftp:// source URIs.
package sftp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// FileInfo describes a remote file.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "list", "download")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsNotExist reports whether err means the remote file does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Client is an SFTP session over one SSH connection.
type Client struct {
	config *Config

	mu   sync.Mutex
	ssh  *ssh.Client
	sftp *sftp.Client
}

// NewClient creates an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// NewClientFromSFTP wraps an established SFTP session.
func NewClientFromSFTP(c *sftp.Client) *Client {
	return &Client{sftp: c}
}

// Connect dials the server and opens the SFTP subsystem.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftp != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		done <- dialResult{client, err}
	}()

	var sshClient *ssh.Client
	select {
	case <-ctx.Done():
		go func() {
			if res := <-done; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case res := <-done:
		if res.err != nil {
			return &TransportError{Op: "connect", Err: res.err, IsTemporary: true}
		}
		sshClient = res.client
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	c.ssh = sshClient
	c.sftp = sftpClient
	log.Info().Str("address", address).Msg("SFTP session established")
	return nil
}

// Close ends the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
		c.sftp = nil
	}
	if c.ssh != nil {
		errs = append(errs, c.ssh.Close())
		c.ssh = nil
	}
	return errors.Join(errs...)
}

func (c *Client) session(op string) (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp == nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("not connected")}
	}
	return c.sftp, nil
}

// Walk returns the regular files below root accepted by match, sorted by path.
// Hidden entries are skipped.
func (c *Client) Walk(ctx context.Context, root string, match func(string) bool) ([]FileInfo, error) {
	s, err := c.session("list")
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	walker := s.Walk(root)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := walker.Err(); err != nil {
			if IsNotExist(err) && walker.Path() == root {
				return nil, nil
			}
			return nil, &TransportError{Op: "list", Err: err, IsTemporary: !IsNotExist(err)}
		}
		p, info := walker.Path(), walker.Stat()
		if p != root && len(info.Name()) > 0 && info.Name()[0] == '.' {
			if info.IsDir() {
				walker.SkipDir()
			}
			continue
		}
		if info.IsDir() || !match(p) {
			continue
		}
		files = append(files, FileInfo{Path: p, Size: info.Size(), ModTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Stat returns the remote file at p.
func (c *Client) Stat(ctx context.Context, p string) (*FileInfo, error) {
	s, err := c.session("stat")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := s.Stat(p)
	if err != nil {
		return nil, &TransportError{Op: "stat", Err: err, IsTemporary: !IsNotExist(err)}
	}
	return &FileInfo{Path: p, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Download copies the remote file to localPath.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	s, err := c.session("download")
	if err != nil {
		return err
	}
	startTime := time.Now()

	remoteFile, err := s.Open(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to open remote file: %w", err),
			IsTemporary: !IsNotExist(err),
		}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local directory: %w", err)}
	}
	localFile, err := os.Create(localPath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local file: %w", err)}
	}
	defer localFile.Close()

	n, err := copyWithContext(ctx, localFile, remoteFile)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	log.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", n).
		Dur("duration", time.Since(startTime)).
		Msg("file downloaded")
	return nil
}

// Upload copies localPath to the remote path, creating parent directories.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	s, err := c.session("upload")
	if err != nil {
		return err
	}

	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	return c.write(ctx, s, remotePath, localFile)
}

// WriteFile writes data to the remote path.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	s, err := c.session("upload")
	if err != nil {
		return err
	}
	return c.write(ctx, s, remotePath, bytes.NewReader(data))
}

// ReadFile reads the remote file at p.
func (c *Client) ReadFile(ctx context.Context, p string) ([]byte, error) {
	s, err := c.session("read")
	if err != nil {
		return nil, err
	}
	f, err := s.Open(p)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err, IsTemporary: !IsNotExist(err)}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, &TransportError{Op: "read", Err: err, IsTemporary: true}
	}
	return buf.Bytes(), nil
}

func (c *Client) write(ctx context.Context, s *sftp.Client, remotePath string, src io.Reader) error {
	if err := s.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}
	remoteFile, err := s.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer remoteFile.Close()

	if _, err := copyWithContext(ctx, remoteFile, src); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}
	return nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
