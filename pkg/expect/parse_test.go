package expect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		expr      string
		kind      string
		params    map[string]string
		canonical string
		wantErr   bool
	}{
		{
			name:      "bare kind",
			expr:      "min_rows",
			kind:      "min_rows",
			params:    map[string]string{},
			canonical: "min_rows",
		},
		{
			name:      "keyword args",
			expr:      "range(col=age, min=0, max=120)",
			kind:      "range",
			params:    map[string]string{"col": "age", "min": "0", "max": "120"},
			canonical: "range(col=age, max=120, min=0)",
		},
		{
			name:      "positional column",
			expr:      "unique(track_uri, table=public.tracks)",
			kind:      "unique",
			params:    map[string]string{"col": "track_uri", "table": "public.tracks"},
			canonical: "unique(col=track_uri, table=public.tracks)",
		},
		{
			name:      "quoted value with separators",
			expr:      "accepted_values(col=status, values='active|paused, maybe')",
			kind:      "accepted_values",
			params:    map[string]string{"col": "status", "values": "active|paused, maybe"},
			canonical: "accepted_values(col=status, values='active|paused, maybe')",
		},
		{
			name:      "whitespace tolerated",
			expr:      "  no_nulls( col = x )  ",
			kind:      "no_nulls",
			params:    map[string]string{"col": "x"},
			canonical: "no_nulls(col=x)",
		},
		{name: "empty", expr: "", wantErr: true},
		{name: "bad kind", expr: "no-nulls(col=x)", wantErr: true},
		{name: "missing paren", expr: "no_nulls(col=x", wantErr: true},
		{name: "positional after keyword", expr: "range(min=1, age)", wantErr: true},
		{name: "duplicate key", expr: "range(col=a, col=b)", wantErr: true},
		{name: "unterminated quote", expr: "accepted_values(values='a|b)", wantErr: true},
		{name: "empty argument", expr: "range(col=a,,min=1)", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.params, got.Params)
			assert.Equal(t, tt.canonical, got.String())

			again, err := Parse(got.String())
			require.NoError(t, err)
			assert.Equal(t, got.Params, again.Params, "canonical form must parse to the same params")
		})
	}
}
