package policy

// AdmissionPackage is the Rego package built-in policies are written in.
// File policies may use any package that defines a deny set.
const AdmissionPackage = "lakegate.admission"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		targetBranchPolicy(),
		expectationsRequiredPolicy(),
		sourceSchemePolicy(),
		tableNamingPolicy(),
	}
}

// targetBranchPolicy keeps runs from publishing into another run's ingestion
// branch and, when configured, restricts the set of targets.
func targetBranchPolicy() Policy {
	return Policy{
		Name:        "target-branch",
		Description: "Ingestion branches may not be targets; targets must be allowed when a list is configured",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package lakegate.admission

import rego.v1

deny contains violation if {
	regex.match("^[a-z0-9][a-z0-9_-]*\\.wap-.+$", input.spec.target_branch)
	violation := {
		"message": sprintf("ingestion branches may not be targets: %s", [input.spec.target_branch]),
		"field": "target_branch",
	}
}

deny contains violation if {
	count(input.config.allowed_targets) > 0
	not target_allowed
	violation := {
		"message": sprintf("target branch %s is not in the allowed targets", [input.spec.target_branch]),
		"field": "target_branch",
	}
}

target_allowed if {
	some target in input.config.allowed_targets
	target == input.spec.target_branch
}
`,
	}
}

// expectationsRequiredPolicy refuses unaudited publishes.
func expectationsRequiredPolicy() Policy {
	return Policy{
		Name:        "expectations-required",
		Description: "A run must declare at least one expectation",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package lakegate.admission

import rego.v1

has_expectations if {
	count(input.spec.expectations) > 0
}

deny contains violation if {
	not has_expectations
	violation := {
		"message": "a run must declare at least one expectation",
		"field": "expectations",
	}
}
`,
	}
}

// sourceSchemePolicy restricts where data may be imported from.
func sourceSchemePolicy() Policy {
	return Policy{
		Name:        "source-schemes",
		Description: "Sources must use an allowed URI scheme",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package lakegate.admission

import rego.v1

deny contains violation if {
	some src in input.sources
	not src.scheme in input.config.allowed_schemes
	violation := {
		"message": sprintf("source %s uses scheme '%s' which is not allowed", [src.name, src.scheme]),
		"field": "imports",
	}
}
`,
	}
}

// tableNamingPolicy warns about table names that need quoting in most engines.
func tableNamingPolicy() Policy {
	return Policy{
		Name:        "table-naming",
		Description: "Table names should be lowercase snake_case",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package lakegate.admission

import rego.v1

deny contains violation if {
	some src in input.sources
	not regex.match("^[a-z_][a-z0-9_]*$", src.table)
	violation := {
		"message": sprintf("table name '%s' should be lowercase snake_case", [src.table]),
		"field": "imports",
		"severity": "warning",
	}
}
`,
	}
}
