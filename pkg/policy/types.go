package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is reported but does not block a run.
	SeverityWarning Severity = "warning"

	// SeverityError denies admission.
	SeverityError Severity = "error"
)

// Policy is a Rego module contributing to the admission decision.
// Its package must define a deny set whose members are either strings or
// objects with "message" and optional "field" and "severity" keys.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with lakegate. Reloads keep them.
	Builtin bool `json:"-"`

	// Source is the file the policy was loaded from.
	Source string `json:"-"`
}

// Violation is one deny entry.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Field    string   `json:"field,omitempty"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against a run spec.
type Result struct {
	// Allowed is false when any violation has error severity.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	// Spec is the run spec in its JSON form.
	Spec map[string]interface{} `json:"spec"`

	// Sources lists each import with its parsed URI scheme.
	Sources []SourceInput `json:"sources"`

	// Config carries engine settings such as the allowed schemes.
	Config ConfigInput `json:"config"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// SourceInput describes one import for policies.
type SourceInput struct {
	Name      string `json:"name"`
	Table     string `json:"table"`
	Namespace string `json:"namespace,omitempty"`
	URI       string `json:"uri"`
	Scheme    string `json:"scheme"`
}

// ConfigInput exposes engine options to policies.
type ConfigInput struct {
	AllowedSchemes []string `json:"allowed_schemes"`
	AllowedTargets []string `json:"allowed_targets"`
}
