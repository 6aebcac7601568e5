package engine

import (
	"fmt"
)

// Disposition is the final outcome of a WAP run.
type Disposition string

const (
	// DispositionMerged indicates all checks passed and the branch was published.
	DispositionMerged Disposition = "MERGED"

	// DispositionRejected indicates at least one expectation failed.
	// This is an expected outcome, not an infrastructure error.
	DispositionRejected Disposition = "REJECTED"

	// DispositionFailed indicates an infrastructure or conflict error.
	DispositionFailed Disposition = "FAILED"
)

// Validate checks if the disposition is valid.
func (d Disposition) Validate() error {
	switch d {
	case DispositionMerged, DispositionRejected, DispositionFailed:
		return nil
	default:
		return fmt.Errorf("invalid disposition: %s", d)
	}
}

// Stage is a step in the coordinator state machine.
type Stage string

const (
	StageStart     Stage = "START"
	StageBranched  Stage = "BRANCHED"
	StageImported  Stage = "IMPORTED"
	StageValidated Stage = "VALIDATED"
	StageMerged    Stage = "MERGED"
	StageRejected  Stage = "REJECTED"
	StageFailed    Stage = "FAILED"
	StageCleaned   Stage = "CLEANED"
	StageDone      Stage = "DONE"
)

// stageTransitions lists the legal successors of each stage.
// FAILED is reachable from every non-terminal stage and handled separately.
var stageTransitions = map[Stage][]Stage{
	StageStart:     {StageBranched},
	StageBranched:  {StageImported},
	StageImported:  {StageValidated, StageRejected},
	StageValidated: {StageMerged},
	StageMerged:    {StageCleaned},
	StageRejected:  {StageCleaned},
	StageFailed:    {StageCleaned},
	StageCleaned:   {StageDone},
}

// CanTransition reports whether the coordinator may move from s to next.
func (s Stage) CanTransition(next Stage) bool {
	if next == StageFailed {
		return s == StageStart || s == StageBranched || s == StageImported || s == StageValidated
	}
	for _, allowed := range stageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true once the run has finished cleanup.
func (s Stage) IsTerminal() bool {
	return s == StageDone
}

// BranchState tracks the lifecycle of one ingestion branch.
type BranchState string

const (
	BranchStateUncreated BranchState = "UNCREATED"
	BranchStateCreated   BranchState = "CREATED"
	BranchStateMerged    BranchState = "MERGED"
	BranchStateAborted   BranchState = "ABORTED"
	BranchStateCleaned   BranchState = "CLEANED"
)

// CanTransition reports whether a branch may move from s to next.
// Cleanup is allowed from every state so that no exit path leaks a branch.
func (s BranchState) CanTransition(next BranchState) bool {
	switch next {
	case BranchStateCreated:
		return s == BranchStateUncreated
	case BranchStateMerged, BranchStateAborted:
		return s == BranchStateCreated
	case BranchStateCleaned:
		return s != BranchStateCleaned
	default:
		return false
	}
}

// ImportMode selects how the importer reacts to a failed source.
type ImportMode string

const (
	// ImportModeFailFast aborts remaining imports on the first failure.
	ImportModeFailFast ImportMode = "fail_fast"

	// ImportModeContinueOnError imports every source and reports all outcomes.
	ImportModeContinueOnError ImportMode = "continue_on_error"
)

// Validate checks if the import mode is valid.
func (m ImportMode) Validate() error {
	switch m {
	case ImportModeFailFast, ImportModeContinueOnError:
		return nil
	default:
		return fmt.Errorf("invalid import mode: %s", m)
	}
}

// ImportStatus is the outcome of one import job.
type ImportStatus string

const (
	ImportStatusSuccess ImportStatus = "success"
	ImportStatusPartial ImportStatus = "partial"
	ImportStatusFailed  ImportStatus = "failed"

	// ImportStatusSkipped marks a source that never ran because of fail-fast.
	ImportStatusSkipped ImportStatus = "skipped"
)

// MergeStatus is the outcome of one merge attempt.
type MergeStatus string

const (
	MergeStatusMerged         MergeStatus = "merged"
	MergeStatusHeadChanged    MergeStatus = "head_changed"
	MergeStatusConflict       MergeStatus = "conflict"
	MergeStatusError          MergeStatus = "error"
	MergeStatusUnknownOutcome MergeStatus = "unknown_outcome"
)

// EventType represents the type of coordinator event.
type EventType string

const (
	EventTypeRunStarted       EventType = "run.started"
	EventTypeStageChanged     EventType = "stage.changed"
	EventTypeImportCompleted  EventType = "import.completed"
	EventTypeImportRetry      EventType = "import.retry"
	EventTypeCheckCompleted   EventType = "check.completed"
	EventTypeMergeAttempted   EventType = "merge.attempted"
	EventTypeCleanupWarning   EventType = "cleanup.warning"
	EventTypeRunCompleted     EventType = "run.completed"
	EventTypeBranchCreated    EventType = "branch.created"
	EventTypeBranchDeleted    EventType = "branch.deleted"
	EventTypeAdmissionDenied  EventType = "admission.denied"
	EventTypeOutcomeReconcile EventType = "outcome.reconciled"
)
