package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/textgen"
)

func issue(stage model.StageID, cat model.IssueCategory) model.Issue {
	return model.Issue{Stage: stage, Category: cat, Description: string(cat)}
}

func TestOrchestrator_AcceptsFirstPass(t *testing.T) {
	stages, list := fakePipeline(func(_ *model.ExtractionState, _ int) (float64, []model.Issue) {
		return 0.9, nil
	})
	o := newTestOrchestrator(list, defaultPolicy())

	res, err := o.Run(context.Background(), model.NewExtractionState("doc-a", "一段文字"))
	require.NoError(t, err)

	assert.Equal(t, model.StateAccepted, res.FinalState)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.State.Passes)
	assert.Equal(t, 0, res.State.TotalBacktracks())
	for _, id := range model.BacktrackTargets {
		assert.Zero(t, res.State.BacktrackCount[id])
	}
	for _, id := range model.PipelineOrder {
		assert.Equal(t, 1, stages[id].Calls(), id)
	}
	require.Len(t, res.State.History, len(model.PipelineOrder))
	for i, h := range res.State.History {
		assert.Equal(t, model.PipelineOrder[i], h.Stage)
		assert.Equal(t, 1, h.EnteredAtAttempt)
		assert.Equal(t, "completed", h.OutcomeSummary)
	}
}

func TestOrchestrator_BacktracksToNormalization(t *testing.T) {
	stages, list := fakePipeline(func(_ *model.ExtractionState, pass int) (float64, []model.Issue) {
		if pass == 1 {
			return 0.5, []model.Issue{issue(model.StageNormalization, model.IssueDuplicateEntity)}
		}
		return 0.85, nil
	})
	o := newTestOrchestrator(list, defaultPolicy())

	res, err := o.Run(context.Background(), model.NewExtractionState("doc-b", "text"))
	require.NoError(t, err)

	assert.Equal(t, model.StateAccepted, res.FinalState)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.State.BacktrackCount[model.StageNormalization])
	assert.Equal(t, 1, res.State.TotalBacktracks())
	assert.Equal(t, 2, res.State.Passes)

	assert.Equal(t, 1, stages[model.StageStructureParse].Calls())
	assert.Equal(t, 1, stages[model.StageEntityRecognition].Calls())
	assert.Equal(t, 2, stages[model.StageNormalization].Calls())
	assert.Equal(t, 2, stages[model.StageRelationExtraction].Calls())
	assert.Equal(t, 2, stages[model.StageQualityCheck].Calls())

	// Second entry into normalization is recorded as attempt 2.
	var normAttempts []int
	for _, h := range res.State.History {
		if h.Stage == model.StageNormalization {
			normAttempts = append(normAttempts, h.EnteredAtAttempt)
		}
	}
	assert.Equal(t, []int{1, 2}, normAttempts)
}

func TestOrchestrator_BudgetExhausted(t *testing.T) {
	var lastReport *model.QualityReport
	_, list := fakePipeline(func(_ *model.ExtractionState, _ int) (float64, []model.Issue) {
		return 0.4, []model.Issue{issue(model.StageRelationExtraction, model.IssueLowRelationDensity)}
	})
	qc := list[len(list)-1].(*fakeStage)
	inner := qc.run
	qc.run = func(ctx context.Context, state *model.ExtractionState, call int) (*model.ExtractionState, model.StageOutcome) {
		out, outcome := inner(ctx, state, call)
		copied := *out.QualityReport
		copied.Issues = append([]model.Issue(nil), out.QualityReport.Issues...)
		lastReport = &copied
		return out, outcome
	}
	o := newTestOrchestrator(list, defaultPolicy())

	res, err := o.Run(context.Background(), model.NewExtractionState("doc-c", "text"))
	require.NoError(t, err)

	assert.Equal(t, model.StateBudgetExhausted, res.FinalState)
	assert.False(t, res.Success)
	assert.Equal(t, model.RunStatusDegraded, res.Status())
	assert.Equal(t, 3, res.State.BacktrackCount[model.StageRelationExtraction])
	assert.Equal(t, 4, res.State.Passes)
	require.NotNil(t, res.State.QualityReport)
	assert.Equal(t, *lastReport, *res.State.QualityReport)
	assert.Equal(t, model.StageRelationExtraction, res.State.QualityReport.RecommendedBacktrackTarget)
}

func TestOrchestrator_UnroutableEndsRun(t *testing.T) {
	stages, list := fakePipeline(func(_ *model.ExtractionState, _ int) (float64, []model.Issue) {
		return 0.3, []model.Issue{issue(model.StageCoreference, model.IssueMalformedResponse)}
	})
	o := newTestOrchestrator(list, defaultPolicy())

	res, err := o.Run(context.Background(), model.NewExtractionState("doc", "text"))
	require.NoError(t, err)

	assert.Equal(t, model.StateBudgetExhausted, res.FinalState)
	assert.Equal(t, 0, res.State.TotalBacktracks())
	assert.Equal(t, 1, stages[model.StageQualityCheck].Calls())
	last := res.State.QualityReport.Issues[len(res.State.QualityReport.Issues)-1]
	assert.Equal(t, model.IssueUnroutable, last.Category)
}

func TestOrchestrator_FailedStageIsDiscarded(t *testing.T) {
	var seenIssues []model.Issue
	stages, list := fakePipeline(func(state *model.ExtractionState, _ int) (float64, []model.Issue) {
		return 0.9, nil
	})
	stages[model.StageEntityRecognition].run = func(_ context.Context, state *model.ExtractionState, _ int) (*model.ExtractionState, model.StageOutcome) {
		state.UpsertEntity("Party", "张三", model.Mention{Surface: "张三", BlockID: "block_0001"}, nil)
		state.Usage.Add(model.TokenUsage{InputTokens: 40, OutputTokens: 2})
		return state, model.Failed("service unavailable")
	}
	stages[model.StageNormalization].run = func(_ context.Context, state *model.ExtractionState, _ int) (*model.ExtractionState, model.StageOutcome) {
		seenIssues = append([]model.Issue(nil), state.PendingIssues...)
		return state, model.Completed()
	}
	o := newTestOrchestrator(list, defaultPolicy())

	res, err := o.Run(context.Background(), model.NewExtractionState("doc", "text"))
	require.NoError(t, err)

	assert.Empty(t, res.State.Entities)
	assert.Equal(t, 42, res.State.Usage.Total())
	require.Len(t, seenIssues, 1)
	assert.Equal(t, model.IssueStageFailure, seenIssues[0].Category)
	assert.Equal(t, model.StageEntityRecognition, seenIssues[0].Stage)
	assert.Equal(t, "failed: service unavailable", res.State.History[1].OutcomeSummary)
	// The run carried on to the remaining stages.
	assert.Equal(t, 1, stages[model.StageNormalization].Calls())
	assert.Equal(t, model.StateAccepted, res.FinalState)
}

func TestOrchestrator_WarningsBecomePendingIssues(t *testing.T) {
	var reported []model.Issue
	stages, list := fakePipeline(func(state *model.ExtractionState, _ int) (float64, []model.Issue) {
		return 0.9, nil
	})
	stages[model.StageRelationNormalization].run = func(_ context.Context, state *model.ExtractionState, _ int) (*model.ExtractionState, model.StageOutcome) {
		return state, model.CompletedWithWarnings(issue(model.StageRelationNormalization, model.IssueSchemaViolation))
	}
	o := newTestOrchestrator(list, defaultPolicy())

	res, err := o.Run(context.Background(), model.NewExtractionState("doc", "text"))
	require.NoError(t, err)
	reported = res.State.QualityReport.Issues

	require.Len(t, reported, 1)
	assert.Equal(t, model.IssueSchemaViolation, reported[0].Category)
	assert.Empty(t, res.State.PendingIssues)
}

func TestOrchestrator_CancelledBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stages, list := fakePipeline(func(_ *model.ExtractionState, _ int) (float64, []model.Issue) {
		return 0.9, nil
	})
	stages[model.StageNormalization].run = func(_ context.Context, state *model.ExtractionState, _ int) (*model.ExtractionState, model.StageOutcome) {
		cancel()
		return state, model.Completed()
	}
	o := newTestOrchestrator(list, defaultPolicy())

	res, err := o.Run(ctx, model.NewExtractionState("doc", "text"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, model.StateCancelled, res.FinalState)
	assert.False(t, res.Success)
	// The in-flight stage completed and was recorded; nothing ran after it.
	assert.Len(t, res.State.History, 3)
	assert.Zero(t, stages[model.StageRelationExtraction].Calls())
}

func TestOrchestrator_Terminates(t *testing.T) {
	for n := 0; n <= 5; n++ {
		t.Run(fmt.Sprintf("global=%d", n), func(t *testing.T) {
			_, list := fakePipeline(func(_ *model.ExtractionState, _ int) (float64, []model.Issue) {
				return 0.1, []model.Issue{issue(model.StageEntityRecognition, model.IssueMissingEntityType)}
			})
			policy := BacktrackPolicy{PerStageMaxAttempts: 10, GlobalMaxAttempts: n}
			o := newTestOrchestrator(list, policy)

			res, err := o.Run(context.Background(), model.NewExtractionState("doc", "text"))
			require.NoError(t, err)

			assert.Equal(t, model.StateBudgetExhausted, res.FinalState)
			assert.LessOrEqual(t, res.State.Passes, 1+n)
			assert.Equal(t, policy.MaxPasses(), res.State.Passes)
			// The bound counts stage executions: every admitted backtrack to
			// entity recognition re-runs the six stages after structure parse,
			// so the limit is the forward pass plus six per backtrack.
			assert.LessOrEqual(t, len(res.State.History), len(model.PipelineOrder)+6*n)
		})
	}
}

func TestOrchestrator_CountersMonotonic(t *testing.T) {
	targets := []model.IssueCategory{
		model.IssueLowRelationDensity,
		model.IssueDuplicateEntity,
		model.IssueMissingEntityType,
	}
	var snapshots []map[model.StageID]int
	_, list := fakePipeline(func(state *model.ExtractionState, pass int) (float64, []model.Issue) {
		snap := make(map[model.StageID]int)
		for k, v := range state.BacktrackCount {
			snap[k] = v
		}
		snapshots = append(snapshots, snap)
		cat := targets[pass%len(targets)]
		return 0.2, []model.Issue{{Category: cat}}
	})
	policy := BacktrackPolicy{PerStageMaxAttempts: 2, GlobalMaxAttempts: 10}
	o := newTestOrchestrator(list, policy)

	res, err := o.Run(context.Background(), model.NewExtractionState("doc", "text"))
	require.NoError(t, err)
	assert.Equal(t, model.StateBudgetExhausted, res.FinalState)

	for i := 1; i < len(snapshots); i++ {
		for _, id := range model.BacktrackTargets {
			assert.GreaterOrEqual(t, snapshots[i][id], snapshots[i-1][id])
			assert.LessOrEqual(t, snapshots[i][id], policy.PerStageMaxAttempts)
		}
	}
	for _, id := range model.BacktrackTargets {
		assert.Equal(t, 2, res.State.BacktrackCount[id])
	}
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, list := fakePipeline(func(_ *model.ExtractionState, _ int) (float64, []model.Issue) { return 1, nil })

	_, err := NewOrchestrator(list[:6], defaultPolicy(), nil)
	assert.ErrorContains(t, err, "missing stage")

	_, err = NewOrchestrator(append(list, list[0]), defaultPolicy(), nil)
	assert.ErrorContains(t, err, "registered twice")

	_, err = NewOrchestrator(append(list[:6:6], &fakeStage{id: model.StateAccepted}), defaultPolicy(), nil)
	assert.ErrorContains(t, err, "not a pipeline stage")
}

func TestBacktrackPolicy_Admit(t *testing.T) {
	p := BacktrackPolicy{PerStageMaxAttempts: 2, GlobalMaxAttempts: 3}

	assert.True(t, p.Admit(nil, model.StageEntityRecognition))
	assert.False(t, p.Admit(nil, model.StageCoreference))
	assert.False(t, p.Admit(nil, model.StageStructureParse))
	assert.False(t, p.Admit(map[model.StageID]int{model.StageNormalization: 2}, model.StageNormalization))
	assert.True(t, p.Admit(map[model.StageID]int{model.StageNormalization: 2}, model.StageRelationExtraction))
	assert.False(t, p.Admit(map[model.StageID]int{
		model.StageNormalization:      2,
		model.StageRelationExtraction: 1,
	}, model.StageEntityRecognition))

	assert.Equal(t, 4, p.MaxPasses())
	assert.Equal(t, 1, BacktrackPolicy{}.MaxPasses())
}

// observedStage hands every state a stage returns to after.
type observedStage struct {
	Stage
	after func(id model.StageID, state *model.ExtractionState)
}

func (s observedStage) Run(ctx context.Context, state *model.ExtractionState) (*model.ExtractionState, model.StageOutcome) {
	out, outcome := s.Stage.Run(ctx, state)
	s.after(s.ID(), out)
	return out, outcome
}

func TestOrchestrator_RealStagesStableAcrossBacktracks(t *testing.T) {
	gen := newScriptedGenerator(func(req textgen.Request, _ int) (string, error) {
		switch model.StageID(req.Stage) {
		case model.StageEntityRecognition:
			return aliasEntities, nil
		case model.StageRelationExtraction:
			// party_002 and party_004 are merged away on the first pass.
			return `{"relations": [
			  {"subject": "case_000", "predicate": "case_involved_party", "object": "party_000", "confidence": 0.9},
			  {"subject": "case_000", "predicate": "case_involved_party", "object": "party_003", "confidence": 0.9},
			  {"subject": "case_000", "predicate": "case_involved_party", "object": "party_004", "confidence": 0.6},
			  {"subject": "party_000", "predicate": "party_against_party", "object": "party_003", "confidence": 0.8},
			  {"subject": "case_000", "predicate": "case_involved_party", "object": "party_002", "confidence": 0.5}
			]}`, nil
		case model.StageCoreference:
			return `{"entity_id": "party_003"}`, nil
		}
		return "", errors.New("unexpected stage " + req.Stage)
	})

	d := testDeps(gen)
	// No Court is ever recognized, so every pass fails the gate.
	d.Config.QualityScoreThreshold = 0.99

	type counts struct{ entities, relations int }
	var perPass []counts
	var first *model.ExtractionState
	var list []Stage
	for _, st := range Stages(d) {
		list = append(list, observedStage{Stage: st, after: func(id model.StageID, state *model.ExtractionState) {
			assert.Empty(t, state.DanglingRelations(), "after %s", id)
			for _, e := range state.Entities {
				seen := make(map[model.Mention]bool)
				for _, m := range e.Mentions {
					assert.False(t, seen[m], "duplicate mention %v on %s after %s", m, e.ID, id)
					seen[m] = true
				}
			}
			if id == model.StageQualityCheck {
				perPass = append(perPass, counts{len(state.Entities), len(state.Relations)})
				if first == nil {
					first = state.Clone()
				}
			}
		}})
	}
	o, err := NewOrchestrator(list, NewBacktrackPolicy(d.Config), d.Logger)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), model.NewExtractionState("doc", judgmentText))
	require.NoError(t, err)

	assert.Equal(t, model.StateBudgetExhausted, res.FinalState)
	assert.Equal(t, 3, res.State.BacktrackCount[model.StageEntityRecognition])
	assert.Equal(t, 4, res.State.Passes)
	assert.Equal(t, []counts{{3, 3}, {3, 3}, {3, 3}, {3, 3}}, perPass)
	assert.Equal(t, first.Entities, res.State.Entities)
	assert.Equal(t, first.Relations, res.State.Relations)
	assert.Empty(t, res.State.DanglingRelations())

	// The defendant role resolved to 李四 once and stays merged.
	assert.Equal(t, 1, gen.Calls(model.StageCoreference))
	id, ok := res.State.FindEntity("Party", "被告人")
	require.True(t, ok)
	assert.Equal(t, "party_003", id)
}
