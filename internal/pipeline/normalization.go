package pipeline

import (
	"context"
	"fmt"

	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/normalize"
)

// Normalization merges aliased entities of the same type and sets each
// survivor's canonical name.
type Normalization struct {
	normalizer *normalize.Normalizer
}

// NewNormalization returns the normalization stage.
func NewNormalization(d Deps) *Normalization {
	return &Normalization{normalizer: d.Normalizer}
}

// ID implements Stage.
func (s *Normalization) ID() model.StageID { return model.StageNormalization }

// Run implements Stage. Each cluster collapses into its smallest id. The
// previous canonical name stays on the entity as a mention so later
// recognition passes still match it.
func (s *Normalization) Run(_ context.Context, state *model.ExtractionState) (*model.ExtractionState, model.StageOutcome) {
	for _, c := range s.normalizer.Cluster(state.Entities) {
		survivor := c.IDs[0]
		for _, id := range c.IDs[1:] {
			if err := state.MergeEntities(survivor, id); err != nil {
				return state, model.Failed(fmt.Sprintf("merge %s into %s: %v", id, survivor, err))
			}
		}
		rename(state.Entities[survivor], c.Canonical)
	}

	var issues []model.Issue
	if dangling := state.DanglingRelations(); len(dangling) > 0 {
		keep := make([]model.Relation, 0, len(state.Relations))
		bad := make(map[model.RelationKey]bool, len(dangling))
		for _, k := range dangling {
			bad[k] = true
			issues = append(issues, model.Issue{
				Stage:       model.StageNormalization,
				Category:    model.IssueDanglingReference,
				Description: "dropped relation " + k.String() + " with a missing endpoint",
			})
		}
		for _, r := range state.SortedRelations() {
			if !bad[r.Key()] {
				keep = append(keep, *r)
			}
		}
		state.ReplaceRelations(keep)
	}
	return state, model.CompletedWithWarnings(issues...)
}

func rename(e *model.Entity, canonical string) {
	if canonical == "" || canonical == e.CanonicalName {
		return
	}
	old := e.CanonicalName
	known := false
	for _, m := range e.Mentions {
		if m.Surface == old {
			known = true
			break
		}
	}
	if !known {
		block := ""
		if len(e.Mentions) > 0 {
			block = e.Mentions[0].BlockID
		}
		e.AddMention(model.Mention{Surface: old, BlockID: block})
	}
	e.CanonicalName = canonical
}
