package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/schema"
	"github.com/sells-group/legalkg/internal/textgen"
)

// defaultConfidence is assigned to proposals that carry no confidence.
const defaultConfidence = 0.5

// RelationExtraction proposes relations between the known entities. It
// iterates until a round adds no new relation key or the round cap is hit.
type RelationExtraction struct {
	gen    textgen.Generator
	schema *schema.Schema
	rounds int
	log    *zap.Logger
}

// NewRelationExtraction returns the relation-extraction stage.
func NewRelationExtraction(d Deps) *RelationExtraction {
	return &RelationExtraction{gen: d.Generator, schema: d.Schema, rounds: d.Config.RelationRounds, log: d.Logger}
}

// ID implements Stage.
func (s *RelationExtraction) ID() model.StageID { return model.StageRelationExtraction }

// Run implements Stage.
func (s *RelationExtraction) Run(ctx context.Context, state *model.ExtractionState) (*model.ExtractionState, model.StageOutcome) {
	if len(state.Entities) < 2 {
		return state, model.Completed()
	}
	hint := feedback(state, model.StageRelationExtraction)

	var issues []model.Issue
	dropped := 0
	round := 1
	for ; round <= s.rounds; round++ {
		var resp relationResponse
		err := generate(ctx, s.gen, state, textgen.Request{
			Stage:  string(model.StageRelationExtraction),
			System: relationSystem,
			Prompt: relationPrompt(s.schema, state, round, hint),
			Schema: relationSchema,
		}, &resp)
		if err != nil {
			if textgen.IsMalformed(err) {
				issues = append(issues, malformedIssue(model.StageRelationExtraction, fmt.Sprintf("round %d", round), err))
				break
			}
			return state, model.Failed(fmt.Sprintf("round %d: %v", round, err))
		}

		added := 0
		for _, p := range resp.Relations {
			conf := p.Confidence
			if conf <= 0 {
				conf = defaultConfidence
			}
			isNew, err := state.AddRelation(model.Relation{
				Subject:    strings.TrimSpace(p.Subject),
				Predicate:  strings.TrimSpace(p.Predicate),
				Object:     strings.TrimSpace(p.Object),
				Evidence:   p.Evidence,
				BlockID:    p.BlockID,
				Confidence: conf,
			})
			if err != nil {
				dropped++
				continue
			}
			if isNew {
				added++
			}
		}

		s.log.Debug("pipeline: relation round",
			zap.String("document", state.DocumentID),
			zap.Int("round", round),
			zap.Int("added", added),
		)
		if added == 0 {
			break
		}
	}

	if dropped > 0 {
		issues = append(issues, model.Issue{
			Stage:       model.StageRelationExtraction,
			Category:    model.IssueDanglingReference,
			Description: fmt.Sprintf("dropped %d proposed relations with unknown entity ids", dropped),
		})
	}
	return state, model.CompletedWithWarnings(issues...)
}
