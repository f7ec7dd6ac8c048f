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

// EntityRecognition asks the generator for the entities of each block.
// Results are merged into existing entities by type and name, so a re-run
// after a backtrack adds mentions instead of duplicates.
type EntityRecognition struct {
	gen    textgen.Generator
	schema *schema.Schema
	log    *zap.Logger
}

// NewEntityRecognition returns the entity-recognition stage.
func NewEntityRecognition(d Deps) *EntityRecognition {
	return &EntityRecognition{gen: d.Generator, schema: d.Schema, log: d.Logger}
}

// ID implements Stage.
func (s *EntityRecognition) ID() model.StageID { return model.StageEntityRecognition }

// Run implements Stage. A malformed response for one block is a warning and
// the stage moves on; any other generator error fails the stage.
func (s *EntityRecognition) Run(ctx context.Context, state *model.ExtractionState) (*model.ExtractionState, model.StageOutcome) {
	hint := feedback(state, model.StageEntityRecognition)
	system := entitySystem + "\nAllowed types: " + strings.Join(s.schema.EntityTypeNames(), ", ")

	var issues []model.Issue
	unknown := make(map[string]int)
	for _, b := range state.Blocks {
		if strings.TrimSpace(b.Content) == "" {
			continue
		}

		var resp entityResponse
		err := generate(ctx, s.gen, state, textgen.Request{
			Stage:  string(model.StageEntityRecognition),
			System: system,
			Prompt: entityPrompt(s.schema, b, hint),
			Schema: entitySchema,
		}, &resp)
		if err != nil {
			if textgen.IsMalformed(err) {
				issues = append(issues, malformedIssue(model.StageEntityRecognition, "block "+b.ID, err))
				continue
			}
			return state, model.Failed(fmt.Sprintf("block %s: %v", b.ID, err))
		}

		for _, raw := range resp.Entities {
			name := strings.TrimSpace(raw.Name)
			if name == "" {
				continue
			}
			typ, ok := s.schema.NormalizeEntityType(raw.Type)
			if !ok {
				unknown[raw.Type]++
				continue
			}
			state.UpsertEntity(typ, name, model.Mention{Surface: name, BlockID: b.ID}, raw.Attributes)
		}
	}

	for _, typ := range sortedKeys(unknown) {
		issues = append(issues, model.Issue{
			Stage:       model.StageEntityRecognition,
			Category:    model.IssueUnsupportedType,
			Description: fmt.Sprintf("dropped %d entities of unsupported type %q", unknown[typ], typ),
		})
	}

	s.log.Debug("pipeline: entities recognized",
		zap.String("document", state.DocumentID),
		zap.Int("entities", len(state.Entities)),
		zap.Int("blocks", len(state.Blocks)),
	)
	return state, model.CompletedWithWarnings(issues...)
}
