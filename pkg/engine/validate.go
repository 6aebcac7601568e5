package engine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	specValidatorOnce sync.Once
	specValidator     *validator.Validate
)

// ValidTableName reports whether name is a safe table identifier.
func ValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

func getValidator() *validator.Validate {
	specValidatorOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("table_name", func(fl validator.FieldLevel) bool {
			return ValidTableName(fl.Field().String())
		})
		_ = v.RegisterValidation("branch_segment", func(fl validator.FieldLevel) bool {
			return ValidBranchSegment(strings.ToLower(fl.Field().String()))
		})
		specValidator = v
	})
	return specValidator
}

// ValidateSpec checks the structure of a run spec.
// Errors are fatal with code VALIDATION_ERROR.
func ValidateSpec(spec *RunSpec) error {
	if spec == nil {
		return NewValidationError("run spec is nil", nil)
	}
	if err := getValidator().Struct(spec); err != nil {
		return NewValidationError("invalid run spec", err)
	}
	if spec.Policy.ImportMode != "" {
		if err := spec.Policy.ImportMode.Validate(); err != nil {
			return NewValidationError("invalid run policy", err)
		}
	}
	if IsIngestionBranch(spec.TargetBranch) {
		return NewValidationError(
			fmt.Sprintf("target %q is an ingestion branch", spec.TargetBranch), nil).
			WithResource(spec.TargetBranch)
	}
	for i, exp := range spec.Expectations {
		if exp.Expr == "" && exp.Kind == "" {
			return NewValidationError(fmt.Sprintf("expectation %d has neither expr nor kind", i), nil)
		}
	}
	seen := make(map[string]bool, len(spec.Imports))
	for _, imp := range spec.Imports {
		key := imp.Table + "\x00" + imp.SourceURI
		if seen[key] {
			return NewValidationError(
				fmt.Sprintf("source %s is imported into %s twice", imp.SourceURI, imp.Table), nil)
		}
		seen[key] = true
	}
	return nil
}
