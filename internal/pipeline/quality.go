package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/textgen"
)

// QualityCheck scores the state and writes a fresh QualityReport. With
// review enabled the structural score is blended evenly with a model review.
type QualityCheck struct {
	gate   QualityGate
	gen    textgen.Generator
	review bool
	log    *zap.Logger
}

// NewQualityCheck returns the quality-check stage.
func NewQualityCheck(d Deps) *QualityCheck {
	return &QualityCheck{
		gate:   QualityGate{Threshold: d.Config.QualityScoreThreshold, Schema: d.Schema},
		gen:    d.Generator,
		review: d.Config.LLMReview,
		log:    d.Logger,
	}
}

// ID implements Stage.
func (s *QualityCheck) ID() model.StageID { return model.StageQualityCheck }

// Run implements Stage. It never fails: a review that cannot be obtained
// leaves the structural score in place and adds an issue.
func (s *QualityCheck) Run(ctx context.Context, state *model.ExtractionState) (*model.ExtractionState, model.StageOutcome) {
	report := s.gate.Assess(state)
	if s.review {
		s.applyReview(ctx, state, report)
	}
	s.gate.Decide(report)
	state.QualityReport = report
	state.Passes++

	s.log.Info("pipeline: quality evaluated",
		zap.String("document", state.DocumentID),
		zap.Int("pass", state.Passes),
		zap.Float64("score", report.Score),
		zap.Bool("passed", report.Passed),
		zap.String("target", string(report.RecommendedBacktrackTarget)),
		zap.Int("issues", len(report.Issues)),
	)
	return state, model.Completed()
}

func (s *QualityCheck) applyReview(ctx context.Context, state *model.ExtractionState, report *model.QualityReport) {
	var resp reviewResponse
	err := generate(ctx, s.gen, state, textgen.Request{
		Stage:  string(model.StageQualityCheck),
		System: reviewSystem,
		Prompt: reviewPrompt(state, report),
		Schema: reviewSchema,
	}, &resp)
	if err != nil {
		report.Issues = append(report.Issues, model.Issue{
			Stage:       model.StageQualityCheck,
			Category:    model.IssueReview,
			Description: fmt.Sprintf("review unavailable: %v", err),
		})
		return
	}

	report.Signals[SignalReview] = clamp(resp.Score)
	report.Score = 0.5*report.Score + 0.5*clamp(resp.Score)

	suggested := model.StageID(resp.BacktrackStage)
	for _, text := range resp.Issues {
		stage := model.StageQualityCheck
		if suggested.IsBacktrackTarget() {
			stage = suggested
		}
		report.Issues = append(report.Issues, model.Issue{Stage: stage, Category: model.IssueReview, Description: text})
	}
	if len(resp.Issues) == 0 && suggested.IsBacktrackTarget() {
		report.Issues = append(report.Issues, model.Issue{Stage: suggested, Category: model.IssueReview, Description: "reviewer suggested repeating " + string(suggested)})
	}
}
