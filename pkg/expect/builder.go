package expect

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lakegate/lakegate/pkg/config"
	"github.com/lakegate/lakegate/pkg/engine"
)

// Supported expectation kinds.
const (
	KindNoNulls        = "no_nulls"
	KindNotNull        = "not_null"
	KindRange          = "range"
	KindUnique         = "unique"
	KindMinRows        = "min_rows"
	KindMeanBetween    = "mean_between"
	KindAcceptedValues = "accepted_values"
	KindSQL            = "sql"
	KindScript         = "script"
)

// Kinds lists the supported expectation kinds.
func Kinds() []string {
	return []string{
		KindNoNulls, KindNotNull, KindRange, KindUnique, KindMinRows,
		KindMeanBetween, KindAcceptedValues, KindSQL, KindScript,
	}
}

// DefaultScriptRowLimit bounds the rows handed to script checks.
const DefaultScriptRowLimit = 10000

// Builder builds engine checks from expectation specs.
type Builder struct {
	scripts        *config.StarlarkEvaluator
	scriptRowLimit int
}

// Option configures a Builder.
type Option func(*Builder)

// WithScriptEvaluator sets the evaluator used by script checks.
func WithScriptEvaluator(ev *config.StarlarkEvaluator) Option {
	return func(b *Builder) { b.scripts = ev }
}

// WithScriptRowLimit bounds the rows loaded for script checks.
func WithScriptRowLimit(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.scriptRowLimit = n
		}
	}
}

// NewBuilder creates a builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{scriptRowLimit: DefaultScriptRowLimit}
	for _, opt := range opts {
		opt(b)
	}
	if b.scripts == nil {
		b.scripts = config.NewStarlarkEvaluator(30 * time.Second)
	}
	return b
}

// resolved merges the structured fields of a spec with its expression.
type resolved struct {
	kind   string
	name   string
	table  string
	column string
	params map[string]string
	sql    string
	script string
}

func (b *Builder) resolve(spec engine.ExpectationSpec, defaults engine.CheckDefaults) (*resolved, error) {
	r := &resolved{
		kind:   spec.Kind,
		params: make(map[string]string),
		sql:    spec.SQL,
		script: spec.Script,
	}
	for k, v := range spec.Params {
		r.params[k] = paramString(v)
	}

	if spec.Expr != "" {
		expr, err := Parse(spec.Expr)
		if err != nil {
			return nil, err
		}
		if r.kind != "" && r.kind != expr.Kind {
			return nil, fmt.Errorf("kind %q conflicts with expression kind %q", r.kind, expr.Kind)
		}
		r.kind = expr.Kind
		for k, v := range expr.Params {
			r.params[k] = v
		}
		r.name = expr.String()
	}
	if spec.Name != "" {
		r.name = spec.Name
	}

	r.column = firstNonEmpty(spec.Column, r.params["col"], r.params["column"])
	r.table = firstNonEmpty(spec.Table, r.params["table"], defaults.Table)
	if r.sql == "" {
		r.sql = r.params["query"]
	}

	if r.name == "" {
		parts := []string{r.kind}
		if r.column != "" {
			parts = append(parts, r.column)
		}
		r.name = strings.Join(parts, ":")
	}
	return r, nil
}

// Build turns spec into a check.
func (b *Builder) Build(spec engine.ExpectationSpec, defaults engine.CheckDefaults) (engine.Check, error) {
	r, err := b.resolve(spec, defaults)
	if err != nil {
		return nil, err
	}

	if r.kind == KindSQL {
		if strings.TrimSpace(r.sql) == "" {
			return nil, fmt.Errorf("%s: sql check needs a query", r.name)
		}
		return &sqlCheck{name: r.name, query: r.sql, judge: queryHolds}, nil
	}

	table, err := tableRef(r.table, defaults.Namespace)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}

	switch r.kind {
	case KindNoNulls, KindNotNull:
		col, err := requireColumn(r)
		if err != nil {
			return nil, err
		}
		return &sqlCheck{
			name:  r.name,
			query: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NULL", table, col),
			judge: countIsZero("null values in " + r.column),
		}, nil

	case KindRange:
		col, err := requireColumn(r)
		if err != nil {
			return nil, err
		}
		lo, hi, err := bounds(r)
		if err != nil {
			return nil, err
		}
		var conds []string
		if lo != nil {
			conds = append(conds, fmt.Sprintf("%s < %s", col, formatNumber(*lo)))
		}
		if hi != nil {
			conds = append(conds, fmt.Sprintf("%s > %s", col, formatNumber(*hi)))
		}
		return &sqlCheck{
			name:  r.name,
			query: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, strings.Join(conds, " OR ")),
			judge: countIsZero(fmt.Sprintf("values of %s outside %s", r.column, boundsString(lo, hi))),
		}, nil

	case KindUnique:
		col, err := requireColumn(r)
		if err != nil {
			return nil, err
		}
		return &sqlCheck{
			name:  r.name,
			query: fmt.Sprintf("SELECT COUNT(%s) - COUNT(DISTINCT %s) FROM %s", col, col, table),
			judge: countIsZero("duplicate values in " + r.column),
		}, nil

	case KindMinRows:
		raw := firstNonEmpty(r.params["n"], r.params["min"], r.params["count"])
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%s: min_rows needs a non-negative n", r.name)
		}
		return &sqlCheck{
			name:  r.name,
			query: fmt.Sprintf("SELECT COUNT(*) FROM %s", table),
			judge: atLeast(n),
		}, nil

	case KindMeanBetween:
		col, err := requireColumn(r)
		if err != nil {
			return nil, err
		}
		lo, hi, err := bounds(r)
		if err != nil {
			return nil, err
		}
		return &sqlCheck{
			name:  r.name,
			query: fmt.Sprintf("SELECT AVG(%s) FROM %s", col, table),
			judge: between(lo, hi, "mean of "+r.column),
		}, nil

	case KindAcceptedValues:
		col, err := requireColumn(r)
		if err != nil {
			return nil, err
		}
		values := splitValues(r.params["values"])
		if len(values) == 0 {
			return nil, fmt.Errorf("%s: accepted_values needs values", r.name)
		}
		literals := make([]string, len(values))
		for i, v := range values {
			literals[i] = quoteLiteral(v)
		}
		return &sqlCheck{
			name: r.name,
			query: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NOT NULL AND %s NOT IN (%s)",
				table, col, col, strings.Join(literals, ", ")),
			judge: countIsZero("unexpected values in " + r.column),
		}, nil

	case KindScript:
		if strings.TrimSpace(r.script) == "" {
			return nil, fmt.Errorf("%s: script check needs a script", r.name)
		}
		query := r.sql
		if query == "" {
			query = fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, b.scriptRowLimit)
		}
		return &scriptCheck{
			name:      r.name,
			query:     query,
			script:    r.script,
			params:    r.params,
			evaluator: b.scripts,
		}, nil

	default:
		return nil, fmt.Errorf("unknown expectation kind %q", r.kind)
	}
}

// tableRef returns the quoted, namespace-qualified table reference.
func tableRef(table, namespace string) (string, error) {
	if table == "" {
		return "", fmt.Errorf("no table")
	}
	ns, name, qualified := strings.Cut(table, ".")
	if !qualified {
		ns, name = namespace, table
	}
	if ns == "" {
		ns = engine.DefaultNamespace
	}
	if !engine.ValidTableName(ns) || !engine.ValidTableName(name) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return quoteIdent(ns) + "." + quoteIdent(name), nil
}

func requireColumn(r *resolved) (string, error) {
	if r.column == "" {
		return "", fmt.Errorf("%s: %s needs a column", r.name, r.kind)
	}
	if !engine.ValidTableName(r.column) {
		return "", fmt.Errorf("%s: invalid column name %q", r.name, r.column)
	}
	return quoteIdent(r.column), nil
}

func bounds(r *resolved) (*float64, *float64, error) {
	var lo, hi *float64
	for key, dst := range map[string]**float64{"min": &lo, "max": &hi} {
		raw, ok := r.params[key]
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %s must be a number", r.name, key)
		}
		*dst = &v
	}
	if lo == nil && hi == nil {
		return nil, nil, fmt.Errorf("%s: %s needs min or max", r.name, r.kind)
	}
	if lo != nil && hi != nil && *lo > *hi {
		return nil, nil, fmt.Errorf("%s: min greater than max", r.name)
	}
	return lo, hi, nil
}

func splitValues(s string) []string {
	var out []string
	for _, v := range strings.Split(s, "|") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func paramString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = paramString(item)
		}
		return strings.Join(parts, "|")
	case []string:
		return strings.Join(t, "|")
	case float64:
		return formatNumber(t)
	default:
		return fmt.Sprint(v)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
