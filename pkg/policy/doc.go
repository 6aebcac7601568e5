// Package policy provides Open Policy Agent (OPA) admission control for lakegate.
//
// Before a run allocates an ingestion branch, the coordinator passes its spec
// to Engine.Admit. Every enabled policy is a Rego module whose package defines
// a deny set; each member denies the run (severity error) or is logged as a
// warning. Denials fail the run with POLICY_DENIED.
//
// # Built-in Policies
//
//   - target-branch: ingestion branches may not be targets; with
//     WithAllowedTargets only the listed targets are accepted
//   - expectations-required: at least one expectation
//   - source-schemes: sources must use an allowed scheme (s3, file, sftp by default)
//   - table-naming: warns on table names that are not lowercase snake_case
//
// # Input
//
// Policies see:
//
//	input.spec      the run spec as JSON (target_branch, imports, expectations, ...)
//	input.sources   [{name, table, namespace, uri, scheme}]
//	input.config    {allowed_schemes, allowed_targets}
//	input.timestamp evaluation time
//
// # Custom Policies
//
// .rego files are named after the file and take their description from the
// leading comment block. .json files carry {"name", "description", "rego",
// "severity", "enabled"}:
//
//	# Blocks publishing to main on Fridays.
//	package custom.freeze
//
//	import rego.v1
//
//	deny contains "main is frozen on Fridays" if {
//	    input.spec.target_branch == "main"
//	    time.weekday(time.parse_rfc3339_ns(input.timestamp)) == "Friday"
//	}
//
// LoadPolicies replaces all file policies at once; Watch does the same on
// every change under the watched paths using fsnotify. Built-in policies
// cannot be shadowed by file policies.
package policy
