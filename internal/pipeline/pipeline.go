// Package pipeline runs legal documents through the extraction stages and
// the quality gate that can send a document back to an earlier stage.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/legalkg/internal/model"
)

// forward holds the only forward edges. The quality check has none; its
// successor is decided by the gate.
var forward = map[model.StageID]model.StageID{
	model.StageStructureParse:        model.StageEntityRecognition,
	model.StageEntityRecognition:     model.StageNormalization,
	model.StageNormalization:         model.StageRelationExtraction,
	model.StageRelationExtraction:    model.StageRelationNormalization,
	model.StageRelationNormalization: model.StageCoreference,
	model.StageCoreference:           model.StageQualityCheck,
}

// Orchestrator is the state machine driving one document through the
// stages. It holds no per-document state and may serve concurrent runs.
type Orchestrator struct {
	stages map[model.StageID]Stage
	policy BacktrackPolicy
	log    *zap.Logger
}

// NewOrchestrator registers stages by id. Every stage in PipelineOrder must
// be present exactly once.
func NewOrchestrator(stages []Stage, policy BacktrackPolicy, log *zap.Logger) (*Orchestrator, error) {
	if log == nil {
		log = zap.L()
	}
	byID := make(map[model.StageID]Stage, len(stages))
	for _, s := range stages {
		id := s.ID()
		if id.Index() < 0 {
			return nil, eris.Errorf("pipeline: %q is not a pipeline stage", id)
		}
		if _, dup := byID[id]; dup {
			return nil, eris.Errorf("pipeline: stage %q registered twice", id)
		}
		byID[id] = s
	}
	for _, id := range model.PipelineOrder {
		if _, ok := byID[id]; !ok {
			return nil, eris.Errorf("pipeline: missing stage %q", id)
		}
	}
	return &Orchestrator{stages: byID, policy: policy, log: log}, nil
}

// New builds an Orchestrator with the standard stages.
func New(d Deps) *Orchestrator {
	d = d.withDefaults()
	o, err := NewOrchestrator(Stages(d), NewBacktrackPolicy(d.Config), d.Logger)
	if err != nil {
		// Stages always returns the full pipeline.
		panic(err)
	}
	return o
}

// Run executes the pipeline on state until a terminal state is reached.
// Stage failures never end a run early. The only error is a cancelled
// context, which is checked between stages and yields StateCancelled.
func (o *Orchestrator) Run(ctx context.Context, state *model.ExtractionState) (*model.RunResult, error) {
	start := time.Now()
	log := o.log.With(zap.String("document", state.DocumentID))

	entries := make(map[model.StageID]int)
	current := model.StageStructureParse
	for !current.IsTerminal() {
		if err := ctx.Err(); err != nil {
			log.Warn("pipeline: run cancelled", zap.String("stage", string(current)), zap.Error(err))
			return o.result(state, model.StateCancelled, start), eris.Wrap(err, "pipeline: run cancelled")
		}

		entries[current]++
		var outcome model.StageOutcome
		state, outcome = o.runStage(ctx, log, state, current, entries[current])
		current = o.next(log, state, current, outcome)
	}

	res := o.result(state, current, start)
	fields := []zap.Field{
		zap.String("final_state", string(current)),
		zap.Int("passes", state.Passes),
		zap.Int("backtracks", state.TotalBacktracks()),
		zap.Int64("duration_ms", res.DurationMs),
	}
	if state.QualityReport != nil {
		fields = append(fields, zap.Float64("score", state.QualityReport.Score))
	}
	if res.Success {
		log.Info("pipeline: document accepted", fields...)
	} else {
		log.Warn("pipeline: document degraded", fields...)
	}
	return res, nil
}

// runStage executes one stage on a copy of state. A failed stage leaves
// state as it was, apart from the token usage it spent, a stage_failure
// issue and its history entry.
func (o *Orchestrator) runStage(ctx context.Context, log *zap.Logger, state *model.ExtractionState, id model.StageID, attempt int) (*model.ExtractionState, model.StageOutcome) {
	start := time.Now()
	out, outcome := o.stages[id].Run(ctx, state.Clone())
	duration := time.Since(start).Milliseconds()

	if outcome.Kind == model.OutcomeFailed || out == nil {
		if outcome.Kind != model.OutcomeFailed {
			outcome = model.Failed("stage returned no state")
		}
		if out != nil {
			state.Usage = out.Usage
		}
		state.AddIssues(model.Issue{Stage: id, Category: model.IssueStageFailure, Description: outcome.Reason})
		log.Error("pipeline: stage failed",
			zap.String("stage", string(id)),
			zap.Int("attempt", attempt),
			zap.Int64("duration_ms", duration),
			zap.String("reason", outcome.Reason),
		)
	} else {
		state = out
		state.AddIssues(outcome.Issues...)
		log.Info("pipeline: stage complete",
			zap.String("stage", string(id)),
			zap.Int("attempt", attempt),
			zap.Int64("duration_ms", duration),
			zap.Int("issues", len(outcome.Issues)),
		)
	}

	state.AppendHistory(model.HistoryEntry{
		Stage:            id,
		EnteredAtAttempt: attempt,
		OutcomeSummary:   outcome.Summary(),
		DurationMs:       duration,
	})
	return state, outcome
}

// next is the transition function. Every stage but the quality check moves
// forward whatever its outcome. After the quality check the report decides
// between acceptance, an admitted backtrack and budget exhaustion.
func (o *Orchestrator) next(log *zap.Logger, state *model.ExtractionState, current model.StageID, outcome model.StageOutcome) model.StageID {
	if current != model.StageQualityCheck {
		return forward[current]
	}

	report := state.QualityReport
	if outcome.Kind == model.OutcomeFailed || report == nil {
		return model.StateBudgetExhausted
	}
	if report.Passed {
		return model.StateAccepted
	}

	target := report.RecommendedBacktrackTarget
	if target == "" {
		return model.StateBudgetExhausted
	}
	if !o.policy.Admit(state.BacktrackCount, target) {
		log.Warn("pipeline: backtrack denied",
			zap.String("target", string(target)),
			zap.Int("target_count", state.BacktrackCount[target]),
			zap.Int("total", state.TotalBacktracks()),
			zap.Float64("score", report.Score),
		)
		return model.StateBudgetExhausted
	}

	n := state.RecordBacktrack(target)
	log.Info("pipeline: backtracking",
		zap.String("target", string(target)),
		zap.Int("attempt", n),
		zap.Float64("score", report.Score),
	)
	return target
}

func (o *Orchestrator) result(state *model.ExtractionState, final model.StageID, start time.Time) *model.RunResult {
	return &model.RunResult{
		State:      state,
		FinalState: final,
		Success:    final == model.StateAccepted,
		DurationMs: time.Since(start).Milliseconds(),
	}
}
