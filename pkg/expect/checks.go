package expect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lakegate/lakegate/pkg/config"
	"github.com/lakegate/lakegate/pkg/engine"
)

// sqlCheck runs one query and judges its result.
type sqlCheck struct {
	name  string
	query string
	judge func(rows *engine.Rows) (bool, string, error)
}

func (c *sqlCheck) Name() string { return c.name }

// Query returns the SQL the check runs.
func (c *sqlCheck) Query() string { return c.query }

func (c *sqlCheck) Evaluate(ctx context.Context, q engine.Querier, ref string) (bool, string, error) {
	rows, err := q.Query(ctx, c.query, ref)
	if err != nil {
		return false, "", err
	}
	return c.judge(rows)
}

// scriptCheck passes a sample of rows to a Starlark script.
// The script must set passed (bool) and may set message (string).
type scriptCheck struct {
	name      string
	query     string
	script    string
	params    map[string]string
	evaluator *config.StarlarkEvaluator
}

func (c *scriptCheck) Name() string { return c.name }

func (c *scriptCheck) Evaluate(ctx context.Context, q engine.Querier, ref string) (bool, string, error) {
	rows, err := q.Query(ctx, c.query, ref)
	if err != nil {
		return false, "", err
	}

	records := rows.Maps()
	list := make([]interface{}, 0, len(records))
	for _, rec := range records {
		list = append(list, map[string]interface{}(rec))
	}
	params := make(map[string]interface{}, len(c.params))
	for k, v := range c.params {
		params[k] = v
	}

	result, err := c.evaluator.Evaluate(ctx, c.script, map[string]interface{}{
		"rows":    list,
		"columns": stringsToInterfaces(rows.Columns),
		"params":  params,
	})
	if err != nil {
		return false, "", fmt.Errorf("script failed: %w", err)
	}

	passed, ok := result.Output["passed"].(bool)
	if !ok {
		return false, "", fmt.Errorf("script did not set passed to a bool")
	}
	msg, _ := result.Output["message"].(string)
	return passed, msg, nil
}

// countIsZero passes when the single count value is zero.
func countIsZero(what string) func(*engine.Rows) (bool, string, error) {
	return func(rows *engine.Rows) (bool, string, error) {
		n, err := scalarFloat(rows)
		if err != nil {
			return false, "", err
		}
		if n == 0 {
			return true, "", nil
		}
		return false, fmt.Sprintf("%s: %s", what, formatNumber(n)), nil
	}
}

func atLeast(lo float64) func(*engine.Rows) (bool, string, error) {
	return func(rows *engine.Rows) (bool, string, error) {
		n, err := scalarFloat(rows)
		if err != nil {
			return false, "", err
		}
		if n >= lo {
			return true, fmt.Sprintf("%s rows", formatNumber(n)), nil
		}
		return false, fmt.Sprintf("expected at least %s rows, found %s", formatNumber(lo), formatNumber(n)), nil
	}
}

func between(lo, hi *float64, what string) func(*engine.Rows) (bool, string, error) {
	return func(rows *engine.Rows) (bool, string, error) {
		v, err := rows.Scalar()
		if err != nil {
			return false, "", err
		}
		if v == nil {
			return false, what + " is null", nil
		}
		n, ok := toFloat(v)
		if !ok {
			return false, "", fmt.Errorf("%s is not numeric: %v", what, v)
		}
		if (lo != nil && n < *lo) || (hi != nil && n > *hi) {
			return false, fmt.Sprintf("%s %s outside %s", what, formatNumber(n), boundsString(lo, hi)), nil
		}
		return true, fmt.Sprintf("%s %s", what, formatNumber(n)), nil
	}
}

// queryHolds passes when the query returns no rows or a single truthy value.
func queryHolds(rows *engine.Rows) (bool, string, error) {
	switch {
	case rows.Len() == 0:
		return true, "", nil
	case rows.Len() == 1 && len(rows.Columns) == 1:
		v := rows.Values[0][0]
		if truthy(v) {
			return true, "", nil
		}
		return false, fmt.Sprintf("query returned %v", v), nil
	default:
		return false, fmt.Sprintf("query returned %d offending rows", rows.Len()), nil
	}
}

func scalarFloat(rows *engine.Rows) (float64, error) {
	v, err := rows.Scalar()
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	n, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
	return n, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		return err == nil && parsed
	default:
		n, ok := toFloat(v)
		return ok && n != 0
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func boundsString(lo, hi *float64) string {
	low, high := "-inf", "+inf"
	if lo != nil {
		low = formatNumber(*lo)
	}
	if hi != nil {
		high = formatNumber(*hi)
	}
	return "[" + low + ", " + high + "]"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func stringsToInterfaces(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
