package expect

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakegate/lakegate/pkg/catalog/memory"
	"github.com/lakegate/lakegate/pkg/config"
	"github.com/lakegate/lakegate/pkg/engine"
)

var ordersDefaults = engine.CheckDefaults{Table: "orders", Namespace: "public"}

func TestBuildQueries(t *testing.T) {
	tests := []struct {
		name  string
		spec  engine.ExpectationSpec
		check string
		query string
	}{
		{
			name:  "no nulls",
			spec:  engine.ExpectationSpec{Expr: "no_nulls(col=id)"},
			check: "no_nulls(col=id)",
			query: `SELECT COUNT(*) FROM "public"."orders" WHERE "id" IS NULL`,
		},
		{
			name:  "range with both bounds",
			spec:  engine.ExpectationSpec{Expr: "range(col=amount, min=0, max=99.5)"},
			check: "range(col=amount, max=99.5, min=0)",
			query: `SELECT COUNT(*) FROM "public"."orders" WHERE "amount" < 0 OR "amount" > 99.5`,
		},
		{
			name:  "range lower bound only",
			spec:  engine.ExpectationSpec{Kind: KindRange, Column: "amount", Params: map[string]interface{}{"min": float64(1)}},
			check: "range:amount",
			query: `SELECT COUNT(*) FROM "public"."orders" WHERE "amount" < 1`,
		},
		{
			name:  "unique on qualified table",
			spec:  engine.ExpectationSpec{Expr: "unique(id, table=staging.orders)"},
			check: "unique(col=id, table=staging.orders)",
			query: `SELECT COUNT("id") - COUNT(DISTINCT "id") FROM "staging"."orders"`,
		},
		{
			name:  "min rows",
			spec:  engine.ExpectationSpec{Expr: "min_rows(n=5)"},
			check: "min_rows(n=5)",
			query: `SELECT COUNT(*) FROM "public"."orders"`,
		},
		{
			name:  "mean between",
			spec:  engine.ExpectationSpec{Expr: "mean_between(col=amount, min=1, max=2)"},
			check: "mean_between(col=amount, max=2, min=1)",
			query: `SELECT AVG("amount") FROM "public"."orders"`,
		},
		{
			name:  "accepted values",
			spec:  engine.ExpectationSpec{Name: "status_ok", Expr: "accepted_values(col=status, values='new|o\\'hara|7')"},
			check: "status_ok",
			query: `SELECT COUNT(*) FROM "public"."orders" WHERE "status" IS NOT NULL AND "status" NOT IN ('new', 'o''hara', 7)`,
		},
		{
			name:  "accepted values from list param",
			spec:  engine.ExpectationSpec{Kind: KindAcceptedValues, Column: "status", Params: map[string]interface{}{"values": []interface{}{"a", "b"}}},
			check: "accepted_values:status",
			query: `SELECT COUNT(*) FROM "public"."orders" WHERE "status" IS NOT NULL AND "status" NOT IN ('a', 'b')`,
		},
		{
			name:  "raw sql",
			spec:  engine.ExpectationSpec{Name: "no_future", Kind: KindSQL, SQL: "SELECT COUNT(*) = 0 FROM orders WHERE ts > now()"},
			check: "no_future",
			query: "SELECT COUNT(*) = 0 FROM orders WHERE ts > now()",
		},
	}

	b := NewBuilder()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check, err := b.Build(tt.spec, ordersDefaults)
			require.NoError(t, err)
			assert.Equal(t, tt.check, check.Name())

			sc, ok := check.(*sqlCheck)
			require.True(t, ok, "got %T", check)
			assert.Equal(t, tt.query, sc.Query())
		})
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name     string
		spec     engine.ExpectationSpec
		defaults engine.CheckDefaults
		errText  string
	}{
		{name: "missing column", spec: engine.ExpectationSpec{Expr: "no_nulls"}, defaults: ordersDefaults, errText: "needs a column"},
		{name: "bad column", spec: engine.ExpectationSpec{Expr: "unique(col='a b')"}, defaults: ordersDefaults, errText: "invalid column name"},
		{name: "no bounds", spec: engine.ExpectationSpec{Expr: "range(col=a)"}, defaults: ordersDefaults, errText: "needs min or max"},
		{name: "non-numeric bound", spec: engine.ExpectationSpec{Expr: "range(col=a, min=x)"}, defaults: ordersDefaults, errText: "must be a number"},
		{name: "inverted bounds", spec: engine.ExpectationSpec{Expr: "mean_between(col=a, min=3, max=1)"}, defaults: ordersDefaults, errText: "min greater than max"},
		{name: "negative min rows", spec: engine.ExpectationSpec{Expr: "min_rows(n=-1)"}, defaults: ordersDefaults, errText: "non-negative"},
		{name: "no accepted values", spec: engine.ExpectationSpec{Expr: "accepted_values(col=a, values='|')"}, defaults: ordersDefaults, errText: "needs values"},
		{name: "unknown kind", spec: engine.ExpectationSpec{Expr: "looks_fine(col=a)"}, defaults: ordersDefaults, errText: "unknown expectation kind"},
		{name: "conflicting kind", spec: engine.ExpectationSpec{Kind: KindUnique, Expr: "no_nulls(col=a)"}, defaults: ordersDefaults, errText: "conflicts"},
		{name: "empty sql", spec: engine.ExpectationSpec{Kind: KindSQL}, defaults: ordersDefaults, errText: "needs a query"},
		{name: "empty script", spec: engine.ExpectationSpec{Kind: KindScript}, defaults: ordersDefaults, errText: "needs a script"},
		{name: "no table", spec: engine.ExpectationSpec{Expr: "min_rows(n=1)"}, errText: "no table"},
		{name: "bad table", spec: engine.ExpectationSpec{Expr: "min_rows(n=1, table='a;b')"}, errText: "invalid table name"},
		{name: "parse error", spec: engine.ExpectationSpec{Expr: "range(col=a"}, defaults: ordersDefaults, errText: "missing closing parenthesis"},
	}

	b := NewBuilder()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build(tt.spec, tt.defaults)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestKindsAreBuildable(t *testing.T) {
	b := NewBuilder()
	for _, kind := range Kinds() {
		spec := engine.ExpectationSpec{
			Kind:   kind,
			Column: "id",
			Params: map[string]interface{}{"min": "0", "max": "10", "n": "1", "values": "1|2"},
			SQL:    "SELECT 1",
			Script: "passed = True",
		}
		_, err := b.Build(spec, ordersDefaults)
		assert.NoError(t, err, kind)
	}
}

// seedOrders loads a small orders table into a fresh memory catalog.
func seedOrders(t *testing.T, content string) *memory.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cat, err := memory.New()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, cat.CreateTable(ctx, engine.CreateTableRequest{
		Table: "orders", Namespace: "public", Branch: memory.DefaultBranch, SearchURI: path,
	}))
	_, err = cat.ImportData(ctx, engine.ImportRequest{
		Table: "orders", Namespace: "public", Branch: memory.DefaultBranch, SourceURI: path,
	})
	require.NoError(t, err)
	return cat
}

const ordersJSON = `[
	{"id": 1, "amount": 10, "status": "new"},
	{"id": 2, "amount": 20, "status": "shipped"},
	{"id": 2, "amount": null, "status": "lost"}
]`

func TestEvaluateAgainstCatalog(t *testing.T) {
	cat := seedOrders(t, ordersJSON)
	b := NewBuilder()

	tests := []struct {
		expr    string
		passed  bool
		message string
	}{
		{expr: "no_nulls(col=id)", passed: true},
		{expr: "no_nulls(col=amount)", passed: false, message: "null values in amount: 1"},
		{expr: "unique(id)", passed: false, message: "duplicate values in id: 1"},
		{expr: "min_rows(n=3)", passed: true, message: "3 rows"},
		{expr: "min_rows(n=4)", passed: false, message: "expected at least 4 rows, found 3"},
		{expr: "range(col=amount, min=0, max=15)", passed: false, message: "values of amount outside [0, 15]: 1"},
		{expr: "range(col=amount, min=0)", passed: true},
		{expr: "mean_between(col=amount, min=10, max=20)", passed: true, message: "mean of amount 15"},
		{expr: "mean_between(col=amount, max=12)", passed: false, message: "mean of amount 15 outside [-inf, 12]"},
		{expr: "accepted_values(col=status, values='new|shipped')", passed: false, message: "unexpected values in status: 1"},
		{expr: "accepted_values(col=status, values='new|shipped|lost')", passed: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			check, err := b.Build(engine.ExpectationSpec{Expr: tt.expr}, ordersDefaults)
			require.NoError(t, err)

			passed, msg, err := check.Evaluate(context.Background(), cat, memory.DefaultBranch)
			require.NoError(t, err)
			assert.Equal(t, tt.passed, passed)
			assert.Equal(t, tt.message, msg)
		})
	}
}

func TestSQLCheckAgainstCatalog(t *testing.T) {
	cat := seedOrders(t, ordersJSON)
	b := NewBuilder()
	ctx := context.Background()

	tests := []struct {
		name    string
		query   string
		passed  bool
		message string
	}{
		{name: "no offending rows", query: "SELECT id FROM public.orders WHERE amount > 100", passed: true},
		{name: "truthy scalar", query: "SELECT COUNT(*) = 3 FROM public.orders", passed: true},
		{name: "falsy scalar", query: "SELECT COUNT(*) = 0 FROM public.orders", passed: false, message: "query returned 0"},
		{name: "offending rows", query: "SELECT id FROM public.orders WHERE status <> 'new'", passed: false, message: "query returned 2 offending rows"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check, err := b.Build(engine.ExpectationSpec{Kind: KindSQL, SQL: tt.query}, engine.CheckDefaults{})
			require.NoError(t, err)
			passed, msg, err := check.Evaluate(ctx, cat, memory.DefaultBranch)
			require.NoError(t, err)
			assert.Equal(t, tt.passed, passed)
			assert.Equal(t, tt.message, msg)
		})
	}

	check, err := b.Build(engine.ExpectationSpec{Kind: KindSQL, SQL: "SELECT nope FROM public.orders"}, engine.CheckDefaults{})
	require.NoError(t, err)
	_, _, err = check.Evaluate(ctx, cat, memory.DefaultBranch)
	assert.Equal(t, engine.ErrCodeQuery, engine.CodeOf(err))
}

func TestScriptCheck(t *testing.T) {
	cat := seedOrders(t, ordersJSON)
	b := NewBuilder(WithScriptEvaluator(config.NewStarlarkEvaluator(5*time.Second)), WithScriptRowLimit(100))
	ctx := context.Background()

	tests := []struct {
		name    string
		script  string
		params  map[string]interface{}
		passed  bool
		message string
		errText string
	}{
		{
			name:   "passes",
			script: `passed = nulls(column(rows, "id")) == 0 and len(columns) == 3`,
			passed: true,
		},
		{
			name: "fails with message",
			script: `
_missing = nulls(column(rows, "amount"))
passed = _missing == 0
message = "%d rows without amount" % _missing
`,
			passed:  false,
			message: "1 rows without amount",
		},
		{
			name:   "uses params",
			script: `passed = mean(column(rows, "amount")) <= float(params["ceiling"])`,
			params: map[string]interface{}{"ceiling": "15"},
			passed: true,
		},
		{name: "passed not set", script: `ok = True`, errText: "did not set passed"},
		{name: "script error", script: `passed = rows[99]`, errText: "script failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check, err := b.Build(engine.ExpectationSpec{Kind: KindScript, Script: tt.script, Params: tt.params}, ordersDefaults)
			require.NoError(t, err)
			assert.Equal(t, `SELECT * FROM "public"."orders" LIMIT 100`, check.(*scriptCheck).query)

			passed, msg, err := check.Evaluate(ctx, cat, memory.DefaultBranch)
			if tt.errText != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errText)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.passed, passed)
			assert.Equal(t, tt.message, msg)
		})
	}
}
