package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"

	"github.com/lakegate/lakegate/pkg/engine"
)

// SpecParser parses run specs written in CUE, YAML or JSON.
//
// Every document is unified with the built-in #RunSpec schema before it is
// decoded, so unknown fields, malformed identifiers and empty import lists
// are reported with their file positions.
type SpecParser struct {
	// cue.Context is not safe for concurrent use.
	mu             sync.Mutex
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
}

// NewSpecParser creates a new run spec parser.
func NewSpecParser() *SpecParser {
	ctx := cuecontext.New()
	return &SpecParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
	}
}

// LoadRunSpec parses the spec at path and returns it, or a fatal
// VALIDATION_ERROR listing every problem found.
func (sp *SpecParser) LoadRunSpec(ctx context.Context, path string) (*engine.RunSpec, error) {
	parsed, err := sp.Parse(ctx, path)
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("cannot load run spec %s", path), err)
	}
	if len(parsed.Errors) > 0 {
		return nil, engine.NewValidationError(
			fmt.Sprintf("invalid run spec %s", path), ValidationErrors(parsed.Errors)).
			WithDetail("errors", parsed.Errors)
	}
	return parsed.Spec, nil
}

// Parse parses a run spec from a file or a directory holding one CUE package.
// Syntax and schema errors are reported in ParsedSpec.Errors; the error
// return is reserved for unreadable sources.
func (sp *SpecParser) Parse(ctx context.Context, path string) (*ParsedSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", path, err)
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	if info.IsDir() {
		val, files, errs := sp.loadDirectory(path)
		if len(errs) > 0 {
			return newParsedSpec(files, errs), nil
		}
		return sp.extractSpec(val, files), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var (
		val  cue.Value
		errs []ValidationError
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		val, errs = sp.compileCUE(string(content), path)
	case ".yaml", ".yml":
		val, errs = sp.encodeYAML(content, path)
	case ".json":
		val, errs = sp.encodeJSON(content, path)
	default:
		return nil, fmt.Errorf("unsupported run spec format: %s", path)
	}
	if len(errs) > 0 {
		return newParsedSpec([]string{path}, errs), nil
	}
	return sp.extractSpec(val, []string{path}), nil
}

// ParseInline parses inline CUE content.
func (sp *SpecParser) ParseInline(ctx context.Context, content string) (*ParsedSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	val, errs := sp.compileCUE(content, "inline")
	if len(errs) > 0 {
		return newParsedSpec([]string{"inline"}, errs), nil
	}
	return sp.extractSpec(val, []string{"inline"}), nil
}

func newParsedSpec(files []string, errs []ValidationError) *ParsedSpec {
	return &ParsedSpec{
		SourceFiles: files,
		ParsedAt:    time.Now(),
		Errors:      errs,
	}
}

// loadDirectory loads a directory as a CUE package.
func (sp *SpecParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	val := sp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, files, convertCUEErrors(err)
	}
	return val, files, nil
}

func (sp *SpecParser) compileCUE(content, filename string) (cue.Value, []ValidationError) {
	val := sp.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// encodeYAML decodes YAML into plain Go values and encodes them as CUE so
// YAML specs go through the same schema as CUE ones.
func (sp *SpecParser) encodeYAML(content []byte, filename string) (cue.Value, []ValidationError) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return cue.Value{}, []ValidationError{{
			File:     filename,
			Message:  fmt.Sprintf("failed to parse YAML: %v", err),
			Severity: "error",
		}}
	}
	return sp.encode(doc, filename)
}

func (sp *SpecParser) encodeJSON(content []byte, filename string) (cue.Value, []ValidationError) {
	var doc map[string]interface{}
	if err := json.Unmarshal(content, &doc); err != nil {
		return cue.Value{}, []ValidationError{{
			File:     filename,
			Message:  fmt.Sprintf("failed to parse JSON: %v", err),
			Severity: "error",
		}}
	}
	return sp.encode(doc, filename)
}

func (sp *SpecParser) encode(doc map[string]interface{}, filename string) (cue.Value, []ValidationError) {
	if doc == nil {
		doc = map[string]interface{}{}
	}
	val := sp.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		errs := convertCUEErrors(err)
		for i := range errs {
			errs[i].File = filename
		}
		return cue.Value{}, errs
	}
	return val, nil
}

// extractSpec unifies val with #RunSpec and decodes the result.
func (sp *SpecParser) extractSpec(val cue.Value, files []string) *ParsedSpec {
	parsed := &ParsedSpec{
		SourceFiles: files,
		ParsedAt:    time.Now(),
	}

	schema, err := sp.schemaRegistry.Definition(RunSpecSchema, "#RunSpec")
	if err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{Message: err.Error(), Severity: "error"})
		return parsed
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		parsed.Errors = convertCUEErrors(err)
		return parsed
	}

	var spec engine.RunSpec
	if err := unified.Decode(&spec); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Message:  fmt.Sprintf("failed to decode run spec: %v", err),
			Severity: "error",
		})
		return parsed
	}

	parsed.Spec = &spec
	return parsed
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// ValidationErrors joins several validation errors into one error.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve))
	for _, e := range ve {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}

// String formats the error as file:line:column: message.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(strings.TrimSpace(e.Message))
	return b.String()
}

// ExportJSON renders a parsed spec as indented JSON.
func ExportJSON(spec *engine.RunSpec) ([]byte, error) {
	return json.MarshalIndent(spec, "", "  ")
}
