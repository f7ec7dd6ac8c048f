package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sells-group/legalkg/internal/docparse"
	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/textgen"
)

// StructureParse splits the raw text into typed blocks. It is deterministic
// and never a backtrack target, so it runs once per document.
type StructureParse struct {
	parser docparse.Parser
}

// NewStructureParse returns the structure-parse stage.
func NewStructureParse(d Deps) *StructureParse {
	return &StructureParse{parser: d.Parser}
}

// ID implements Stage.
func (s *StructureParse) ID() model.StageID { return model.StageStructureParse }

// Run implements Stage.
func (s *StructureParse) Run(_ context.Context, state *model.ExtractionState) (*model.ExtractionState, model.StageOutcome) {
	if len(state.Blocks) > 0 {
		return state, model.Completed()
	}
	blocks := s.parser.Parse(state.RawText)
	if len(blocks) == 0 {
		return state, model.Failed("document has no text")
	}
	state.Blocks = blocks
	state.DocumentType = docparse.DocumentType(blocks)
	return state, model.Completed()
}

// generate performs one structured call and decodes the result into out.
// Usage is charged to state even when the response is rejected.
func generate(ctx context.Context, gen textgen.Generator, state *model.ExtractionState, req textgen.Request, out any) error {
	resp, err := gen.Generate(ctx, req)
	state.Usage.Add(resp.Usage)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.JSON, out); err != nil {
		return &textgen.MalformedResponseError{Stage: req.Stage, Reason: err.Error(), Err: err}
	}
	return nil
}

// malformedIssue converts a rejected response into a warning for stage.
func malformedIssue(stage model.StageID, where string, err error) model.Issue {
	return model.Issue{
		Stage:       stage,
		Category:    model.IssueMalformedResponse,
		Description: fmt.Sprintf("%s: %v", where, err),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
