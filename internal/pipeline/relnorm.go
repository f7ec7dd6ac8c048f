package pipeline

import (
	"context"
	"fmt"

	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/schema"
)

// RelationNormalization maps predicates onto the schema and drops relations
// the schema does not allow. Drops are issues, never failures.
type RelationNormalization struct {
	schema *schema.Schema
}

// NewRelationNormalization returns the relation-normalization stage.
func NewRelationNormalization(d Deps) *RelationNormalization {
	return &RelationNormalization{schema: d.Schema}
}

// ID implements Stage.
func (s *RelationNormalization) ID() model.StageID { return model.StageRelationNormalization }

// Run implements Stage.
func (s *RelationNormalization) Run(_ context.Context, state *model.ExtractionState) (*model.ExtractionState, model.StageOutcome) {
	var (
		issues []model.Issue
		kept   []model.Relation
	)
	stats := model.SchemaStats{}
	for _, r := range state.SortedRelations() {
		stats.Checked++
		rel := *r

		pred, ok := s.schema.CanonicalPredicate(rel.Predicate)
		if !ok {
			issues = append(issues, violation(rel, fmt.Sprintf("unknown predicate %q", rel.Predicate)))
			continue
		}
		subj, okS := state.Entities[rel.Subject]
		obj, okO := state.Entities[rel.Object]
		if !okS || !okO {
			issues = append(issues, model.Issue{
				Stage:       model.StageRelationNormalization,
				Category:    model.IssueDanglingReference,
				Description: "dropped relation " + rel.Key().String() + " with a missing endpoint",
			})
			continue
		}
		if !s.schema.Allows(pred, subj.Type, obj.Type) {
			issues = append(issues, violation(rel, fmt.Sprintf("%s does not connect %s to %s", pred, subj.Type, obj.Type)))
			continue
		}

		rel.Predicate = pred
		kept = append(kept, rel)
		stats.Passed++
	}

	// Canonicalization can map two raw predicates onto one key.
	state.ReplaceRelations(kept)
	state.SchemaStats = stats
	return state, model.CompletedWithWarnings(issues...)
}

func violation(r model.Relation, why string) model.Issue {
	return model.Issue{
		Stage:       model.StageRelationNormalization,
		Category:    model.IssueSchemaViolation,
		Description: fmt.Sprintf("dropped %s: %s", r.Key(), why),
	}
}
