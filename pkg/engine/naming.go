package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// IngestionMarker separates the owner from the run slug in ingestion branch names.
const IngestionMarker = ".wap-"

const maxBranchNameLength = 128

var (
	segmentPattern      = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	slugUnsafeCharacter = regexp.MustCompile(`[^a-z0-9_-]+`)
)

// ValidBranchSegment reports whether s may be used as an owner segment.
func ValidBranchSegment(s string) bool {
	return segmentPattern.MatchString(s)
}

// BranchName derives the ingestion branch name for a run.
// The result has the form "owner.wap-<slug>" where slug is the lowercased run ID
// with unsafe characters replaced by '-'.
func BranchName(owner, runID string) (string, error) {
	owner = strings.ToLower(strings.TrimSpace(owner))
	if !ValidBranchSegment(owner) {
		return "", NewValidationError(fmt.Sprintf("invalid branch owner %q", owner), nil)
	}

	slug := slugUnsafeCharacter.ReplaceAllString(strings.ToLower(strings.TrimSpace(runID)), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "", NewValidationError(fmt.Sprintf("invalid run id %q", runID), nil)
	}

	name := owner + IngestionMarker + slug
	if len(name) > maxBranchNameLength {
		return "", NewValidationError(
			fmt.Sprintf("branch name exceeds %d characters", maxBranchNameLength), nil).
			WithResource(name)
	}
	return name, nil
}

// IsIngestionBranch reports whether name was produced by BranchName.
func IsIngestionBranch(name string) bool {
	owner, slug, ok := strings.Cut(name, IngestionMarker)
	return ok && ValidBranchSegment(owner) && slug != ""
}

// IngestionPrefix returns the name prefix shared by all ingestion branches of owner.
func IngestionPrefix(owner string) string {
	return strings.ToLower(owner) + IngestionMarker
}
