package model

import "time"

// RunStatus represents the final or current state of a document run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusAccepted  RunStatus = "accepted"
	RunStatusDegraded  RunStatus = "degraded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is the persisted record of one document run.
type Run struct {
	ID          string     `json:"id"`
	DocumentID  string     `json:"document_id"`
	SourcePath  string     `json:"source_path,omitempty"`
	Status      RunStatus  `json:"status"`
	FinalState  StageID    `json:"final_state,omitempty"`
	Score       float64    `json:"score"`
	Passes      int        `json:"passes"`
	Backtracks  int        `json:"backtracks"`
	Entities    int        `json:"entities"`
	Relations   int        `json:"relations"`
	TokenUsage  TokenUsage `json:"token_usage"`
	TotalCost   float64    `json:"total_cost"`
	DurationMs  int64      `json:"duration_ms"`
	Error       string     `json:"error,omitempty"`
	StoredGraph bool       `json:"stored_graph"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Status RunStatus
	Limit  int
	Offset int
}

// RunResult is the caller-facing outcome of one orchestrator run.
type RunResult struct {
	State      *ExtractionState `json:"state"`
	FinalState StageID          `json:"final_state"`
	Success    bool             `json:"success"`
	DurationMs int64            `json:"duration_ms"`
}

// Status maps the terminal state to a run status.
func (r RunResult) Status() RunStatus {
	switch r.FinalState {
	case StateAccepted:
		return RunStatusAccepted
	case StateBudgetExhausted:
		return RunStatusDegraded
	case StateCancelled:
		return RunStatusCancelled
	default:
		return RunStatusFailed
	}
}
