package model

import "fmt"

// StageID names a pipeline stage or a terminal state of the orchestrator.
type StageID string

const (
	StageStructureParse        StageID = "structure_parse"
	StageEntityRecognition     StageID = "entity_recognition"
	StageNormalization         StageID = "normalization"
	StageRelationExtraction    StageID = "relation_extraction"
	StageRelationNormalization StageID = "relation_normalization"
	StageCoreference           StageID = "coreference"
	StageQualityCheck          StageID = "quality_check"

	StateAccepted        StageID = "accepted"
	StateBudgetExhausted StageID = "budget_exhausted"
	StateCancelled       StageID = "cancelled"
)

// PipelineOrder is the forward execution order of the stages.
var PipelineOrder = []StageID{
	StageStructureParse,
	StageEntityRecognition,
	StageNormalization,
	StageRelationExtraction,
	StageRelationNormalization,
	StageCoreference,
	StageQualityCheck,
}

// BacktrackTargets are the only stages the quality gate may route back to.
var BacktrackTargets = []StageID{
	StageEntityRecognition,
	StageNormalization,
	StageRelationExtraction,
}

// Index returns the position of s in PipelineOrder, or -1 for terminal or
// unknown states.
func (s StageID) Index() int {
	for i, id := range PipelineOrder {
		if id == s {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether s ends a run.
func (s StageID) IsTerminal() bool {
	return s == StateAccepted || s == StateBudgetExhausted || s == StateCancelled
}

// IsBacktrackTarget reports whether the quality gate may route to s.
func (s StageID) IsBacktrackTarget() bool {
	for _, id := range BacktrackTargets {
		if id == s {
			return true
		}
	}
	return false
}

// OutcomeKind classifies how a stage run ended.
type OutcomeKind string

const (
	OutcomeCompleted             OutcomeKind = "completed"
	OutcomeCompletedWithWarnings OutcomeKind = "completed_with_warnings"
	OutcomeFailed                OutcomeKind = "failed"
)

// StageOutcome is returned by every stage alongside the updated state.
type StageOutcome struct {
	Kind   OutcomeKind `json:"kind"`
	Issues []Issue     `json:"issues,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Completed returns a clean outcome.
func Completed() StageOutcome {
	return StageOutcome{Kind: OutcomeCompleted}
}

// CompletedWithWarnings returns a successful outcome carrying issues. With no
// issues it collapses to Completed.
func CompletedWithWarnings(issues ...Issue) StageOutcome {
	if len(issues) == 0 {
		return Completed()
	}
	return StageOutcome{Kind: OutcomeCompletedWithWarnings, Issues: issues}
}

// Failed returns a failed outcome with a human-readable reason.
func Failed(reason string) StageOutcome {
	return StageOutcome{Kind: OutcomeFailed, Reason: reason}
}

// Summary renders the outcome for history entries and logs.
func (o StageOutcome) Summary() string {
	switch o.Kind {
	case OutcomeCompletedWithWarnings:
		return fmt.Sprintf("completed with %d warning(s)", len(o.Issues))
	case OutcomeFailed:
		return "failed: " + o.Reason
	default:
		return "completed"
	}
}
