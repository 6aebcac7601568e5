package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/source"
)

type snapshot struct {
	Seq      uint64             `json:"seq"`
	Commits  map[string]*commit `json:"commits"`
	Branches map[string]*branch `json:"branches"`
}

// persist writes the catalog to the snapshot file. Callers hold c.mu.
func (c *Catalog) persist() error {
	if c.snapshotPath == "" {
		return nil
	}

	data, err := json.Marshal(snapshot{Seq: c.seq, Commits: c.commits, Branches: c.branches})
	if err != nil {
		return engine.NewFatalError("failed to encode catalog snapshot", err).WithCode(engine.ErrCodeInternal)
	}

	dir := filepath.Dir(c.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return engine.NewTransientError("failed to create snapshot directory", err).WithCode(engine.ErrCodeTransientIO)
	}
	tmp, err := os.CreateTemp(dir, ".catalog-*.json")
	if err != nil {
		return engine.NewTransientError("failed to write catalog snapshot", err).WithCode(engine.ErrCodeTransientIO)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return engine.NewTransientError("failed to write catalog snapshot", err).WithCode(engine.ErrCodeTransientIO)
	}
	if err := tmp.Close(); err != nil {
		return engine.NewTransientError("failed to write catalog snapshot", err).WithCode(engine.ErrCodeTransientIO)
	}
	if err := os.Rename(tmp.Name(), c.snapshotPath); err != nil {
		return engine.NewTransientError("failed to replace catalog snapshot", err).WithCode(engine.ErrCodeTransientIO)
	}
	return nil
}

// load reads the snapshot file. It returns false if there is none.
func (c *Catalog) load() (bool, error) {
	data, err := os.ReadFile(c.snapshotPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read catalog snapshot: %w", err)
	}

	var snap snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&snap); err != nil {
		return false, fmt.Errorf("failed to decode catalog snapshot %s: %w", c.snapshotPath, err)
	}
	if _, ok := snap.Branches[DefaultBranch]; !ok {
		return false, fmt.Errorf("catalog snapshot %s has no %s branch", c.snapshotPath, DefaultBranch)
	}

	// Tables shared between commits decode into separate values; restore the
	// typed row values of each.
	for _, cm := range snap.Commits {
		if cm.Tables == nil {
			cm.Tables = map[string]*tableState{}
		}
		for _, t := range cm.Tables {
			if err := restoreRows(t); err != nil {
				return false, fmt.Errorf("failed to restore table %s at %s: %w", t.key(), cm.ID, err)
			}
		}
	}

	for name, b := range snap.Branches {
		if _, ok := snap.Commits[b.Head]; !ok {
			return false, fmt.Errorf("branch %s points at unknown commit %s", name, b.Head)
		}
		if _, ok := snap.Commits[b.Base]; !ok {
			b.Base = b.Head
		}
	}

	c.seq = snap.Seq
	c.commits = snap.Commits
	c.branches = snap.Branches
	c.logger.Info().
		Str("path", c.snapshotPath).
		Int("commits", len(c.commits)).
		Int("branches", len(c.branches)).
		Msg("catalog snapshot loaded")
	return true, nil
}

func restoreRows(t *tableState) error {
	for _, f := range t.Files {
		for _, row := range f.Rows {
			for i, v := range row {
				if i >= len(t.Columns) {
					return fmt.Errorf("row in %s has %d values for %d columns", f.URI, len(row), len(t.Columns))
				}
				val, err := restoreValue(v, t.Columns[i].Type)
				if err != nil {
					return fmt.Errorf("column %s in %s: %w", t.Columns[i].Name, f.URI, err)
				}
				row[i] = val
			}
		}
	}
	return nil
}

func restoreValue(v interface{}, typ source.ColumnType) (interface{}, error) {
	n, ok := v.(json.Number)
	if !ok {
		return v, nil
	}
	switch typ {
	case source.TypeInt64:
		return n.Int64()
	case source.TypeDouble:
		return n.Float64()
	default:
		return n.String(), nil
	}
}
