package source

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

// ColumnType is the logical type of a dataset column.
type ColumnType string

const (
	TypeInt64   ColumnType = "int64"
	TypeDouble  ColumnType = "double"
	TypeBoolean ColumnType = "boolean"
	TypeString  ColumnType = "string"
)

// Column is a named, typed dataset column.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Dataset is a decoded source file: columns plus rows in column order.
// Values are int64, float64, bool, string or nil.
type Dataset struct {
	Columns []Column        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// Schema returns a canonical signature such as "id:int64,name:string".
// Two datasets with the same signature can be appended to the same table.
// Column names compare case-insensitively, like SQL identifiers.
func (d *Dataset) Schema() string {
	parts := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		parts[i] = strings.ToLower(c.Name) + ":" + string(c.Type)
	}
	return strings.Join(parts, ",")
}

// ColumnNames returns the column names in order.
func (d *Dataset) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Format is a source file encoding.
type Format string

const (
	FormatParquet Format = "parquet"
	FormatJSON    Format = "json"
	FormatJSONL   Format = "jsonl"
)

// FormatOf derives the format from a file name.
func FormatOf(name string) (Format, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".parquet", ".pq":
		return FormatParquet, nil
	case ".json":
		return FormatJSON, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("unsupported file format: %s", name)
	}
}

// Object is a file found in a store.
type Object struct {
	URI      string            `json:"uri"`
	Size     int64             `json:"size"`
	ModTime  time.Time         `json:"mod_time"`
	ETag     string            `json:"etag,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Store is an object store addressed by one URI scheme.
type Store interface {
	// Scheme returns the URI scheme the store serves.
	Scheme() string

	// List returns the objects matching u, sorted by URI.
	List(ctx context.Context, u *URI) ([]Object, error)

	// Fetch downloads the object at u to the local file dst.
	Fetch(ctx context.Context, u *URI, dst string) error

	// Put uploads the local file src to u with the given metadata.
	Put(ctx context.Context, src string, u *URI, metadata map[string]string) error

	// Stat returns the object at u. Fails with REF_NOT_FOUND when absent.
	Stat(ctx context.Context, u *URI) (*Object, error)
}
