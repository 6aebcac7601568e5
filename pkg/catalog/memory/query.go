package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/source"
)

// Query runs sql against an in-memory SQLite copy of the tables at ref.
// Each namespace is attached as a schema, so both "ns.table" and unqualified
// names resolve.
func (c *Catalog) Query(ctx context.Context, query, ref string) (*engine.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	cm, err := c.resolve(ref)
	var tables []*tableState
	if err == nil {
		for _, t := range cm.Tables {
			tables = append(tables, t)
		}
	}
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].key() < tables[j].key() })

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, queryError("open snapshot", err)
	}
	defer db.Close()
	// An in-memory database lives on a single connection.
	db.SetMaxOpenConns(1)

	if err := loadTables(ctx, db, tables); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, queryError("query failed", err).WithDetail("sql", query)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, queryError("read columns", err)
	}

	out := &engine.Rows{Columns: cols}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, queryError("scan row", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Values = append(out.Values, values)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError("query failed", err).WithDetail("sql", query)
	}
	return out, nil
}

func loadTables(ctx context.Context, db *sql.DB, tables []*tableState) error {
	attached := map[string]bool{"main": true}
	for _, t := range tables {
		ns := strings.ToLower(t.Namespace)
		if !attached[ns] {
			if _, err := db.ExecContext(ctx, fmt.Sprintf("ATTACH DATABASE ':memory:' AS %s", quoteIdent(ns))); err != nil {
				return queryError("attach namespace", err).WithResource(ns)
			}
			attached[ns] = true
		}
		if err := loadTable(ctx, db, t); err != nil {
			return err
		}
	}
	return nil
}

func loadTable(ctx context.Context, db *sql.DB, t *tableState) error {
	qualified := quoteIdent(strings.ToLower(t.Namespace)) + "." + quoteIdent(strings.ToLower(t.Name))

	defs := make([]string, len(t.Columns))
	marks := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		defs[i] = quoteIdent(col.Name) + " " + sqliteType(col.Type)
		marks[i] = "?"
	}
	if len(defs) == 0 {
		return queryError("table has no columns", nil).WithResource(t.key())
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", qualified, strings.Join(defs, ", "))); err != nil {
		return queryError("create table", err).WithResource(t.key())
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return queryError("begin load", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", qualified, strings.Join(marks, ", ")))
	if err != nil {
		return queryError("prepare load", err).WithResource(t.key())
	}
	defer stmt.Close()

	args := make([]interface{}, len(t.Columns))
	for _, f := range t.Files {
		for _, row := range f.Rows {
			for i := range args {
				args[i] = nil
				if i < len(row) {
					args[i] = sqliteValue(row[i])
				}
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return queryError("load row", err).WithResource(f.URI)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return queryError("commit load", err)
	}
	return nil
}

func sqliteType(t source.ColumnType) string {
	switch t {
	case source.TypeInt64, source.TypeBoolean:
		return "INTEGER"
	case source.TypeDouble:
		return "REAL"
	default:
		return "TEXT"
	}
}

func sqliteValue(v interface{}) interface{} {
	if b, ok := v.(bool); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func queryError(message string, err error) *engine.EngineError {
	return engine.NewFatalError(message, err).WithCode(engine.ErrCodeQuery).WithOperation("query")
}
