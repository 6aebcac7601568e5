package source

import (
	"fmt"
	"path"
	"strings"
)

// URI is a parsed source location such as s3://bucket/dt=2024-01-01/*.parquet.
// Path may contain glob metacharacters, which match within one path segment.
type URI struct {
	Scheme string
	// Host is the bucket for s3 and [user@]host[:port] for sftp.
	Host string
	// Path is the object key for s3 and an absolute path otherwise.
	Path string
}

// ParseURI parses raw. Plain paths are file URIs.
func ParseURI(raw string) (*URI, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty source uri")
	}

	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return &URI{Scheme: "file", Path: cleanPath(raw)}, nil
	}
	scheme = strings.ToLower(scheme)

	host, p, _ := strings.Cut(rest, "/")
	switch scheme {
	case "s3":
		if host == "" {
			return nil, fmt.Errorf("source uri %q: missing bucket", raw)
		}
		return &URI{Scheme: scheme, Host: host, Path: p}, nil
	case "file":
		if host != "" && host != "localhost" {
			return nil, fmt.Errorf("source uri %q: file uris must not name a host", raw)
		}
		return &URI{Scheme: scheme, Path: cleanPath("/" + p)}, nil
	case "sftp":
		if host == "" {
			return nil, fmt.Errorf("source uri %q: missing host", raw)
		}
		return &URI{Scheme: scheme, Host: host, Path: "/" + p}, nil
	default:
		return nil, fmt.Errorf("source uri %q: unsupported scheme %q", raw, scheme)
	}
}

func cleanPath(p string) string {
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// String formats the URI.
func (u *URI) String() string {
	switch u.Scheme {
	case "s3":
		return "s3://" + u.Host + "/" + u.Path
	case "sftp":
		return "sftp://" + u.Host + u.Path
	default:
		if strings.HasPrefix(u.Path, "/") {
			return "file://" + u.Path
		}
		return u.Path
	}
}

// WithPath returns a copy of u pointing at p.
func (u *URI) WithPath(p string) *URI {
	c := *u
	c.Path = p
	return &c
}

// Join returns a copy of u with elem appended to its path.
func (u *URI) Join(elem string) *URI {
	if u.Path == "" {
		return u.WithPath(elem)
	}
	return u.WithPath(strings.TrimSuffix(u.Path, "/") + "/" + elem)
}

// HasGlob reports whether the path contains glob metacharacters.
func (u *URI) HasGlob() bool {
	return strings.ContainsAny(u.Path, "*?[")
}

// IsDir reports whether the URI names a directory (a trailing slash).
func (u *URI) IsDir() bool {
	return u.Path == "" || strings.HasSuffix(u.Path, "/")
}

// ListPrefix returns the literal path prefix before the first glob metacharacter.
func (u *URI) ListPrefix() string {
	if i := strings.IndexAny(u.Path, "*?["); i >= 0 {
		return u.Path[:i]
	}
	return u.Path
}

// ListDir returns the deepest literal directory that can contain matches.
func (u *URI) ListDir() string {
	prefix := u.ListPrefix()
	if u.IsDir() && !u.HasGlob() {
		return strings.TrimSuffix(prefix, "/")
	}
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		return prefix[:i]
	}
	return ""
}

// Match reports whether key is selected by the URI.
// A directory URI selects the files directly inside it.
func (u *URI) Match(key string) bool {
	if u.HasGlob() {
		ok, err := path.Match(u.Path, key)
		return err == nil && ok
	}
	if u.IsDir() {
		if !strings.HasPrefix(key, u.Path) {
			return false
		}
		rest := key[len(u.Path):]
		return rest != "" && !strings.Contains(rest, "/")
	}
	return key == u.Path
}
