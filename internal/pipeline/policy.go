package pipeline

import (
	"github.com/sells-group/legalkg/internal/config"
	"github.com/sells-group/legalkg/internal/model"
)

// BacktrackPolicy bounds quality-driven re-execution. Both the per-stage and
// the global budget apply; whichever is reached first denies the backtrack.
type BacktrackPolicy struct {
	PerStageMaxAttempts int
	GlobalMaxAttempts   int
}

// NewBacktrackPolicy reads the attempt budgets from cfg.
func NewBacktrackPolicy(cfg config.PipelineConfig) BacktrackPolicy {
	return BacktrackPolicy{
		PerStageMaxAttempts: cfg.PerStageMaxAttempts,
		GlobalMaxAttempts:   cfg.GlobalMaxAttempts,
	}
}

// Admit reports whether one more backtrack to target fits the budgets given
// the counts recorded so far. Only backtrack targets are ever admitted.
func (p BacktrackPolicy) Admit(counts map[model.StageID]int, target model.StageID) bool {
	if !target.IsBacktrackTarget() {
		return false
	}
	if counts[target] >= p.PerStageMaxAttempts {
		return false
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total < p.GlobalMaxAttempts
}

// MaxPasses is the largest number of quality-check passes a run can make
// under this policy.
func (p BacktrackPolicy) MaxPasses() int {
	limit := p.GlobalMaxAttempts
	if perStage := p.PerStageMaxAttempts * len(model.BacktrackTargets); perStage < limit {
		limit = perStage
	}
	if limit < 0 {
		limit = 0
	}
	return 1 + limit
}
