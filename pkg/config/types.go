package config

import (
	"time"

	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/source"
	"github.com/lakegate/lakegate/pkg/stores"
	"github.com/lakegate/lakegate/pkg/telemetry"
	"github.com/lakegate/lakegate/pkg/transports/sftp"
)

// AppConfig is the lakegate process configuration, read from YAML.
type AppConfig struct {
	// Log configures the process logger. It overrides telemetry.logging.
	Log telemetry.LoggingConfig `yaml:"log"`

	// Catalog selects and configures the catalog client.
	Catalog CatalogConfig `yaml:"catalog"`

	// S3 configures s3:// sources and staging targets. Optional.
	S3 *source.S3Config `yaml:"s3,omitempty"`

	// SFTP is the base configuration for sftp:// sources. Optional.
	SFTP *sftp.Config `yaml:"sftp,omitempty"`

	// Store configures the run audit store.
	Store stores.Config `yaml:"store"`

	// Policy configures admission policies.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server"`

	// Coordinator configures run execution.
	Coordinator CoordinatorConfig `yaml:"coordinator"`
}

// CatalogConfig selects the catalog implementation.
type CatalogConfig struct {
	// Mode is "memory" for the embedded catalog or "rest" for a remote one.
	Mode string `yaml:"mode" validate:"required,oneof=memory rest"`

	// Endpoint is the REST catalog base URL.
	Endpoint string `yaml:"endpoint" validate:"required_if=Mode rest"`

	// Token is sent as a bearer token.
	Token string `yaml:"token"`

	// RateLimit is the client request rate per second.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`

	// RateBurst is the client burst size.
	RateBurst int `yaml:"rate_burst" validate:"gte=0"`

	// Timeout bounds each catalog call except imports.
	Timeout time.Duration `yaml:"timeout"`

	// ImportTimeout bounds import calls.
	ImportTimeout time.Duration `yaml:"import_timeout"`

	// SnapshotPath persists the embedded catalog as JSON. Empty keeps it in memory.
	SnapshotPath string `yaml:"snapshot_path"`

	// ListenAddress is where "lakegate catalog serve" listens.
	ListenAddress string `yaml:"listen_address"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	// Paths are .rego/.json files or directories loaded next to the built-ins.
	Paths []string `yaml:"paths"`

	// AllowedSchemes are the source URI schemes runs may read.
	AllowedSchemes []string `yaml:"allowed_schemes" validate:"dive,oneof=s3 file sftp"`

	// AllowedTargets restricts target branches. Empty allows any.
	AllowedTargets []string `yaml:"allowed_targets"`

	// Watch reloads Paths on change while serving.
	Watch bool `yaml:"watch"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RunTimeout bounds a synchronous POST /v1/runs.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// CoordinatorConfig configures run execution.
type CoordinatorConfig struct {
	// Owner is the default ingestion branch owner.
	Owner string `yaml:"owner" validate:"required"`

	// Namespace is the default table namespace.
	Namespace string `yaml:"namespace" validate:"required"`

	// ImportWorkers and CheckWorkers bound per-run concurrency.
	ImportWorkers int `yaml:"import_workers" validate:"gte=1,lte=64"`
	CheckWorkers  int `yaml:"check_workers" validate:"gte=1,lte=64"`

	// MaxMergeAttempts bounds merge retries after head conflicts.
	MaxMergeAttempts int `yaml:"max_merge_attempts" validate:"gte=1,lte=10"`

	// MaxImportAttempts bounds import retries on transient failures.
	MaxImportAttempts int `yaml:"max_import_attempts" validate:"gte=1,lte=10"`

	// Backoff is the base delay between retries; it doubles per attempt.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// CallTimeout bounds each catalog call attempt. Zero disables it.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// CleanupTimeout bounds branch deletion after a run.
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`

	// ScriptTimeout bounds Starlark expectation scripts.
	ScriptTimeout time.Duration `yaml:"script_timeout"`
}

// ParsedSpec is the result of parsing a run spec file.
type ParsedSpec struct {
	// Spec is the decoded run spec. Nil when Errors is non-empty.
	Spec *engine.RunSpec `json:"spec,omitempty"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the spec was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists schema and syntax errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path to the error (e.g., "imports.0.table").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}
