package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "freeze.rego")
	writeFile(t, path, freezeRego)

	loader := NewLoader(zerolog.Nop())
	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("loadFromFile() error: %v", err)
	}

	if policy.Name != "freeze" {
		t.Errorf("name = %s, want freeze", policy.Name)
	}
	if policy.Severity != SeverityError {
		t.Errorf("severity = %s, want error", policy.Severity)
	}
	if !policy.Enabled {
		t.Error("file policies are enabled by default")
	}
	if policy.Source != path {
		t.Errorf("source = %s, want %s", policy.Source, path)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.json")
	writeFile(t, path, `{
		"name": "quota",
		"description": "Caps imports per run",
		"severity": "warning",
		"rego": "package quota\n\nimport rego.v1\n\ndeny contains \"too many imports\" if { count(input.sources) > 10 }\n"
	}`)

	loader := NewLoader(zerolog.Nop())
	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("loadFromFile() error: %v", err)
	}
	if policy.Name != "quota" || policy.Severity != SeverityWarning || !policy.Enabled {
		t.Errorf("unexpected policy: %+v", policy)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported type", "policy.txt", "hello"},
		{"invalid json", "bad.json", "{not json"},
		{"json without name", "anon.json", `{"rego": "package x"}`},
	}

	loader := NewLoader(zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			if _, err := loader.loadFromFile(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), freezeRego)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), freezeRego)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("loaded %d policies, want 2", len(policies))
	}
}

func TestLoadFromPaths_Duplicates(t *testing.T) {
	a := filepath.Join(t.TempDir(), "freeze.rego")
	b := filepath.Join(t.TempDir(), "freeze.rego")
	writeFile(t, a, freezeRego)
	writeFile(t, b, freezeRego)

	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{a, b}); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/policies"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"single line", "# Blocks main.\npackage x", "Blocks main."},
		{"multi line", "# First.\n# Second.\n\npackage x", "First. Second."},
		{"none", "package x\n# trailing", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDescription(tt.content); got != tt.want {
				t.Errorf("extractDescription() = %q, want %q", got, tt.want)
			}
		})
	}
}
