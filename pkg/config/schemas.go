package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// RunSpecSchema is the name of the built-in run spec schema.
const RunSpecSchema = "runspec"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

// newSchemaRegistry shares ctx so schemas unify with values built by the parser.
func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(RunSpecSchema, builtinRunSpecSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Definition returns the definition def (e.g. "#RunSpec") of a named schema.
func (sr *SchemaRegistry) Definition(schemaName, def string) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	v := schema.LookupPath(cue.ParsePath(def))
	if !v.Exists() {
		return cue.Value{}, fmt.Errorf("schema %s has no definition %s", schemaName, def)
	}
	return v, nil
}

// ValidateAgainstSchema validates data against definition def of a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName, def string, data interface{}) error {
	schema, err := sr.Definition(schemaName, def)
	if err != nil {
		return err
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinRunSpecSchema = `
// Run spec schema for lakegate ingestion runs.
#Identifier: =~"^[A-Za-z_][A-Za-z0-9_]*$"

#Import: {
	// Name labels the import in reports. Defaults to the table.
	name?: string

	// Table is the destination table.
	table: #Identifier

	// Source URI or glob: s3://bucket/prefix/*.parquet, file:///data/*.json, sftp://host/path.
	source_uri: string & !=""

	namespace?: #Identifier

	// Replace recreates the table before importing.
	replace?: bool
}

#Kind: "no_nulls" | "not_null" | "range" | "unique" | "min_rows" |
	"mean_between" | "accepted_values" | "sql" | "script"

#Expectation: {
	name?:   string
	expr?:   string & !=""
	kind?:   #Kind
	table?:  string
	column?: #Identifier
	params?: {[string]: _}
	sql?:    string & !=""
	script?: string & !=""
}

#Policy: {
	import_mode?:        "fail_fast" | "continue_on_error"
	best_effort?:        bool
	import_workers?:     int & >=0 & <=64
	check_workers?:      int & >=0 & <=64
	max_merge_attempts?: int & >=0 & <=10
}

#RunSpec: {
	owner?:  =~"^[A-Za-z0-9][A-Za-z0-9_-]*$"
	run_id?: string

	// Target branch the audited data is published to.
	target_branch: string & !="" & !~"\\.wap-"

	base_ref?:  string
	namespace?: #Identifier

	imports: [#Import, ...#Import]
	expectations: [#Expectation, ...#Expectation]

	policy?: #Policy
	labels?: {[string]: string}
}
`
