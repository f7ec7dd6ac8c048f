package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/schema"
)

// Response schemas for the model-driven stages.
var (
	entitySchema = json.RawMessage(`{
  "type": "object",
  "required": ["entities"],
  "properties": {
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "name"],
        "properties": {
          "type": {"type": "string"},
          "name": {"type": "string"},
          "attributes": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    }
  }
}`)

	relationSchema = json.RawMessage(`{
  "type": "object",
  "required": ["relations"],
  "properties": {
    "relations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["subject", "predicate", "object"],
        "properties": {
          "subject": {"type": "string"},
          "predicate": {"type": "string"},
          "object": {"type": "string"},
          "evidence": {"type": "string"},
          "block_id": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`)

	corefSchema = json.RawMessage(`{
  "type": "object",
  "required": ["entity_id"],
  "properties": {
    "entity_id": {"type": "string"}
  }
}`)

	reviewSchema = json.RawMessage(`{
  "type": "object",
  "required": ["score"],
  "properties": {
    "score": {"type": "number", "minimum": 0, "maximum": 1},
    "issues": {"type": "array", "items": {"type": "string"}},
    "backtrack_stage": {"type": "string", "enum": ["", "entity_recognition", "normalization", "relation_extraction"]}
  }
}`)
)

type entityResponse struct {
	Entities []struct {
		Type       string            `json:"type"`
		Name       string            `json:"name"`
		Attributes map[string]string `json:"attributes"`
	} `json:"entities"`
}

type relationResponse struct {
	Relations []struct {
		Subject    string  `json:"subject"`
		Predicate  string  `json:"predicate"`
		Object     string  `json:"object"`
		Evidence   string  `json:"evidence"`
		BlockID    string  `json:"block_id"`
		Confidence float64 `json:"confidence"`
	} `json:"relations"`
}

type corefResponse struct {
	EntityID string `json:"entity_id"`
}

type reviewResponse struct {
	Score          float64  `json:"score"`
	Issues         []string `json:"issues"`
	BacktrackStage string   `json:"backtrack_stage"`
}

const entitySystem = `You are a legal named-entity recognition expert. Identify every entity in the given block of a court document. Use only the listed entity types. Copy entity names exactly as they appear in the text.`

const relationSystem = `You are a legal relation extraction expert. Identify relations between the listed entities. Refer to entities only by their ids. Use only the listed predicates and cite the supporting sentence as evidence.`

const corefSystem = `You resolve references in legal documents. Pick the entity the referring expression denotes, or answer with an empty entity_id when none fits.`

const reviewSystem = `You are a knowledge graph quality reviewer. Judge completeness, type accuracy, legal plausibility and consistency of the extraction. Suggest the single stage most worth repeating when quality is poor.`

func entityPrompt(s *schema.Schema, b model.Block, feedback string) string {
	var sb strings.Builder
	sb.WriteString("Entity types:\n")
	for _, t := range s.EntityTypes {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
	}
	fmt.Fprintf(&sb, "\nBlock %s (%s)", b.ID, b.Type)
	if b.Title != "" {
		fmt.Fprintf(&sb, " %s", b.Title)
	}
	sb.WriteString(":\n")
	sb.WriteString(b.Content)
	sb.WriteString("\n")
	sb.WriteString(feedback)
	return sb.String()
}

func relationPrompt(s *schema.Schema, state *model.ExtractionState, round int, feedback string) string {
	var sb strings.Builder
	sb.WriteString("Entities:\n")
	for _, id := range state.EntityIDs() {
		e := state.Entities[id]
		fmt.Fprintf(&sb, "- %s: %s %s\n", id, e.Type, e.CanonicalName)
	}
	sb.WriteString("\nPredicates:\n")
	for _, p := range s.Predicates {
		fmt.Fprintf(&sb, "- %s (%s -> %s)\n", p.Name, p.Subject, p.Object)
	}
	if len(state.Relations) > 0 {
		sb.WriteString("\nAlready extracted, do not repeat:\n")
		for _, r := range state.SortedRelations() {
			fmt.Fprintf(&sb, "- %s %s %s\n", r.Subject, r.Predicate, r.Object)
		}
	}
	if round > 1 {
		sb.WriteString("\nPropose only relations that are missing from the list above.\n")
	}
	sb.WriteString("\nDocument:\n")
	for _, b := range state.Blocks {
		fmt.Fprintf(&sb, "[%s] %s\n%s\n", b.ID, b.Title, b.Content)
	}
	sb.WriteString(feedback)
	return sb.String()
}

func corefPrompt(state *model.ExtractionState, anaphor *model.Entity, candidates []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Referring expression: %q (%s)\n", anaphor.CanonicalName, anaphor.Type)
	for _, m := range anaphor.Mentions {
		if b, ok := state.Block(m.BlockID); ok {
			fmt.Fprintf(&sb, "Context [%s]: %s\n", b.ID, excerpt(b.Content, m.Surface, 120))
		}
	}
	sb.WriteString("\nCandidates:\n")
	for _, id := range candidates {
		e := state.Entities[id]
		fmt.Fprintf(&sb, "- %s: %s %s\n", id, e.Type, e.CanonicalName)
	}
	return sb.String()
}

func reviewPrompt(state *model.ExtractionState, report *model.QualityReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Document type: %s\nStructural score: %.2f\n\nEntities by type:\n", state.DocumentType, report.Score)
	byType := make(map[string][]string)
	for _, id := range state.EntityIDs() {
		e := state.Entities[id]
		byType[e.Type] = append(byType[e.Type], id+": "+e.CanonicalName)
	}
	for _, t := range sortedKeys(byType) {
		names := byType[t]
		fmt.Fprintf(&sb, "%s (%d):\n", t, len(names))
		for i, n := range names {
			if i == 5 {
				fmt.Fprintf(&sb, "  ... %d more\n", len(names)-5)
				break
			}
			fmt.Fprintf(&sb, "  - %s\n", n)
		}
	}
	sb.WriteString("\nRelations:\n")
	for i, r := range state.SortedRelations() {
		if i == 10 {
			fmt.Fprintf(&sb, "  ... %d more\n", len(state.Relations)-10)
			break
		}
		fmt.Fprintf(&sb, "  - %s -[%s]-> %s (%.2f)\n", r.Subject, r.Predicate, r.Object, r.Confidence)
	}
	sb.WriteString("\nSource excerpt:\n")
	sb.WriteString(truncateRunes(state.RawText, 1000))
	return sb.String()
}

// feedback renders the previous quality report's issues for stage when the
// stage is being re-run after a backtrack.
func feedback(state *model.ExtractionState, stage model.StageID) string {
	if state.BacktrackCount[stage] == 0 || state.QualityReport == nil {
		return ""
	}
	var lines []string
	for _, is := range state.QualityReport.Issues {
		if target, ok := routeIssue(is); ok && target == stage {
			lines = append(lines, "- "+is.Description)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "\nA quality review of the previous attempt found:\n" + strings.Join(lines, "\n") + "\nAddress these problems in this attempt.\n"
}

func excerpt(content, surface string, width int) string {
	runes := []rune(content)
	idx := strings.Index(content, surface)
	if idx < 0 {
		return truncateRunes(content, width)
	}
	center := len([]rune(content[:idx]))
	from := center - width/2
	if from < 0 {
		from = 0
	}
	to := from + width
	if to > len(runes) {
		to = len(runes)
	}
	return string(runes[from:to])
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
