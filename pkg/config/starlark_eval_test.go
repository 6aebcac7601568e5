package config

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func sampleRows() []interface{} {
	return []interface{}{
		map[string]interface{}{"id": int64(1), "amount": 10.0, "status": "new"},
		map[string]interface{}{"id": int64(2), "amount": 20.0, "status": "shipped"},
		map[string]interface{}{"id": int64(3), "amount": nil, "status": "new"},
	}
}

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name   string
		script string
		input  map[string]interface{}
		want   map[string]interface{}
	}{
		{
			name:   "passed and message",
			script: "passed = len(rows) == 3\nmessage = \"%d rows\" % len(rows)\n",
			input:  map[string]interface{}{"rows": sampleRows()},
			want:   map[string]interface{}{"passed": true, "message": "3 rows"},
		},
		{
			name: "column builtins",
			script: `
amounts = column(rows, "amount")
avg = mean(amounts)
missing = nulls(amounts)
passed = missing == 0
`,
			input: map[string]interface{}{"rows": sampleRows()},
			want: map[string]interface{}{
				"amounts": []interface{}{10.0, 20.0, nil},
				"avg":     15.0,
				"missing": int64(1),
				"passed":  false,
			},
		},
		{
			name:   "missing column reads as None",
			script: `passed = nulls(column(rows, "discount")) == len(rows)`,
			input:  map[string]interface{}{"rows": sampleRows()},
			want:   map[string]interface{}{"passed": true},
		},
		{
			name:   "mean of nothing is None",
			script: `m = mean([None, None])`,
			want:   map[string]interface{}{"m": nil},
		},
		{
			name: "params from json numbers",
			script: `
kinds = [type(params["n"]), type(params["max"])]
passed = params["n"] < params["max"]
`,
			input: map[string]interface{}{
				"params": map[string]interface{}{"n": json.Number("3"), "max": json.Number("4.5")},
			},
			want: map[string]interface{}{"kinds": []interface{}{"int", "float"}, "passed": true},
		},
		{
			name: "helpers and private globals are not output",
			script: `
def _limit():
    return 2

def over(values, lo):
    return [v for v in values if v != None and v > lo]

_threshold = 15
big = over(column(rows, "amount"), _threshold)
passed = len(big) < _limit()
`,
			input: map[string]interface{}{"rows": sampleRows()},
			want:  map[string]interface{}{"big": []interface{}{20.0}, "passed": true},
		},
		{
			name:   "struct and tuple outputs",
			script: "s = struct(table = \"orders\", n = 2)\npair = (1, \"a\")\n",
			want: map[string]interface{}{
				"s":    map[string]interface{}{"table": "orders", "n": int64(2)},
				"pair": []interface{}{int64(1), "a"},
			},
		},
		{
			name:   "time inputs become strings",
			script: `stamp = when`,
			input:  map[string]interface{}{"when": time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
			want:   map[string]interface{}{"stamp": "2024-06-01T12:00:00Z"},
		},
		{
			name:   "print is discarded",
			script: "print(\"noise\")\npassed = True\n",
			want:   map[string]interface{}{"passed": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if !reflect.DeepEqual(result.Output, tt.want) {
				t.Errorf("Output = %#v, want %#v", result.Output, tt.want)
			}
			if result.Error != "" {
				t.Errorf("unexpected result error %q", result.Error)
			}
		})
	}
}

func TestStarlarkEvaluator_Errors(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name    string
		script  string
		input   map[string]interface{}
		wantErr string
	}{
		{
			name:    "syntax error",
			script:  "passed = (",
			wantErr: "starlark execution failed",
		},
		{
			name:    "runtime error",
			script:  `passed = rows[10]`,
			input:   map[string]interface{}{"rows": sampleRows()},
			wantErr: "out of range",
		},
		{
			name:    "load is not available",
			script:  `load("other.star", "x")`,
			wantErr: "starlark execution failed",
		},
		{
			name:    "mean of strings",
			script:  `m = mean(column(rows, "status"))`,
			input:   map[string]interface{}{"rows": sampleRows()},
			wantErr: "is not a number",
		},
		{
			name:    "column over non-dict rows",
			script:  `c = column([1, 2], "id")`,
			wantErr: "row 0 is not a dict",
		},
		{
			name:    "unsupported input",
			script:  `passed = True`,
			input:   map[string]interface{}{"ch": make(chan int)},
			wantErr: "failed to convert input ch",
		},
		{
			name:    "unsupported output",
			script:  `f = len`,
			wantErr: "failed to convert output f",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
			if result == nil || result.Error == "" {
				t.Error("expected the error to be reported in the result")
			}
		})
	}
}

const slowScript = `
def slow():
    total = 0
    for i in range(100000000):
        total = total + i
    return total

passed = slow() > 0
`

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)

	start := time.Now()
	result, err := evaluator.Evaluate(context.Background(), slowScript, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(result.Error, "execution timeout") {
		t.Errorf("result error = %q", result.Error)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("evaluation was not interrupted, took %v", elapsed)
	}
}

func TestStarlarkEvaluator_ContextCanceled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := evaluator.Evaluate(ctx, slowScript, nil); err == nil {
		t.Fatal("expected an error after cancellation")
	}
}

func TestNewStarlarkEvaluator_DefaultTimeout(t *testing.T) {
	if got := NewStarlarkEvaluator(0).timeout; got != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", got)
	}
}
