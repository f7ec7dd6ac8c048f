package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/normalize"
	"github.com/sells-group/legalkg/internal/schema"
)

// Signal names reported in QualityReport.Signals.
const (
	SignalEntityPresence  = "entity_presence"
	SignalRelationDensity = "relation_density"
	SignalBlockCoverage   = "block_coverage"
	SignalSchemaPass      = "schema_pass"
	SignalRequiredTypes   = "required_types"
	SignalReview          = "review"
)

const (
	// minEntities is the entity count below which presence scores under 1.
	minEntities = 3
	// targetRelationsPerEntity is the relation density that scores 1.
	targetRelationsPerEntity = 0.5
)

// routes maps issue categories to the stage that repairs them. Categories
// absent here never drive a backtrack on their own.
var routes = map[model.IssueCategory]model.StageID{
	model.IssueMissingEntityType:  model.StageEntityRecognition,
	model.IssueLowBlockCoverage:   model.StageEntityRecognition,
	model.IssueLowEntityCount:     model.StageEntityRecognition,
	model.IssueDuplicateEntity:    model.StageNormalization,
	model.IssueLowRelationDensity: model.StageRelationExtraction,
	model.IssueSchemaViolation:    model.StageRelationExtraction,
	model.IssueDanglingReference:  model.StageRelationExtraction,
}

// QualityGate scores a state from structural signals and picks the stage to
// backtrack to when the score is below Threshold.
type QualityGate struct {
	Threshold float64
	Schema    *schema.Schema
}

// Signals computes the five structural signals, each in [0,1].
func (g QualityGate) Signals(state *model.ExtractionState) map[string]float64 {
	entities := len(state.Entities)
	relations := len(state.Relations)

	presence := float64(entities) / float64(minEntities)

	density := 0.0
	if entities > 0 {
		density = float64(relations) / (targetRelationsPerEntity * float64(entities))
	}

	covered, total := 0, 0
	blocksWithEntities := make(map[string]bool)
	for _, e := range state.Entities {
		for _, m := range e.Mentions {
			blocksWithEntities[m.BlockID] = true
		}
	}
	for _, b := range state.Blocks {
		if strings.TrimSpace(b.Content) == "" {
			continue
		}
		total++
		if blocksWithEntities[b.ID] {
			covered++
		}
	}
	coverage := 0.0
	if total > 0 {
		coverage = float64(covered) / float64(total)
	}

	schemaPass := 1.0
	if state.SchemaStats.Checked > 0 {
		schemaPass = float64(state.SchemaStats.Passed) / float64(state.SchemaStats.Checked)
	}

	required := g.Schema.Required(state.DocumentType)
	present := 1.0
	if len(required) > 0 {
		counts := state.EntityTypeCounts()
		found := 0
		for _, typ := range required {
			if counts[typ] > 0 {
				found++
			}
		}
		present = float64(found) / float64(len(required))
	}

	return map[string]float64{
		SignalEntityPresence:  clamp(presence),
		SignalRelationDensity: clamp(density),
		SignalBlockCoverage:   clamp(coverage),
		SignalSchemaPass:      clamp(schemaPass),
		SignalRequiredTypes:   clamp(present),
	}
}

// StructuralScore is the mean of the structural signals.
func StructuralScore(signals map[string]float64) float64 {
	keys := []string{SignalEntityPresence, SignalRelationDensity, SignalBlockCoverage, SignalSchemaPass, SignalRequiredTypes}
	sum := 0.0
	for _, k := range keys {
		sum += signals[k]
	}
	return sum / float64(len(keys))
}

// Issues lists a categorized finding for every weak signal, for missing
// required types and for entities that still look like duplicates.
func (g QualityGate) Issues(state *model.ExtractionState, signals map[string]float64) []model.Issue {
	var issues []model.Issue

	counts := state.EntityTypeCounts()
	for _, typ := range g.Schema.Required(state.DocumentType) {
		if counts[typ] == 0 {
			issues = append(issues, model.Issue{
				Stage:       model.StageEntityRecognition,
				Category:    model.IssueMissingEntityType,
				Description: fmt.Sprintf("no %s entity in %s document", typ, state.DocumentType),
			})
		}
	}
	if signals[SignalBlockCoverage] < g.Threshold {
		issues = append(issues, model.Issue{
			Stage:       model.StageEntityRecognition,
			Category:    model.IssueLowBlockCoverage,
			Description: fmt.Sprintf("only %.0f%% of blocks have an entity", signals[SignalBlockCoverage]*100),
		})
	}
	if signals[SignalEntityPresence] < 1 {
		issues = append(issues, model.Issue{
			Stage:       model.StageEntityRecognition,
			Category:    model.IssueLowEntityCount,
			Description: fmt.Sprintf("%d entities recognized", len(state.Entities)),
		})
	}
	issues = append(issues, duplicateIssues(state)...)
	if signals[SignalRelationDensity] < g.Threshold {
		issues = append(issues, model.Issue{
			Stage:       model.StageRelationExtraction,
			Category:    model.IssueLowRelationDensity,
			Description: fmt.Sprintf("%d relations for %d entities", len(state.Relations), len(state.Entities)),
		})
	}
	if signals[SignalSchemaPass] < g.Threshold {
		issues = append(issues, model.Issue{
			Stage:       model.StageRelationNormalization,
			Category:    model.IssueSchemaViolation,
			Description: fmt.Sprintf("%d of %d relations passed schema validation", state.SchemaStats.Passed, state.SchemaStats.Checked),
		})
	}
	for _, key := range state.DanglingRelations() {
		issues = append(issues, model.Issue{
			Stage:       model.StageCoreference,
			Category:    model.IssueDanglingReference,
			Description: "relation " + key.String() + " references a missing entity",
		})
	}
	return issues
}

// duplicateIssues reports same-type entities whose names fold to one key.
func duplicateIssues(state *model.ExtractionState) []model.Issue {
	seen := make(map[string]string)
	var issues []model.Issue
	for _, id := range state.EntityIDs() {
		e := state.Entities[id]
		key := e.Type + "\x00" + normalize.Key(e.CanonicalName)
		if first, ok := seen[key]; ok {
			issues = append(issues, model.Issue{
				Stage:       model.StageNormalization,
				Category:    model.IssueDuplicateEntity,
				Description: fmt.Sprintf("%s and %s both name %q", first, id, e.CanonicalName),
			})
			continue
		}
		seen[key] = id
	}
	return issues
}

// Route picks the backtrack target for issues: the earliest stage in
// pipeline order that any routable issue points at. The result depends only
// on the set of issues, never on their order.
func Route(issues []model.Issue) (model.StageID, bool) {
	var targets []model.StageID
	for _, is := range issues {
		if target, ok := routeIssue(is); ok {
			targets = append(targets, target)
		}
	}
	if len(targets) == 0 {
		return "", false
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Index() < targets[j].Index()
	})
	return targets[0], true
}

func routeIssue(is model.Issue) (model.StageID, bool) {
	switch is.Category {
	case model.IssueStageFailure, model.IssueReview:
		if is.Stage.IsBacktrackTarget() {
			return is.Stage, true
		}
		return "", false
	}
	target, ok := routes[is.Category]
	return target, ok
}

// Decide fills Passed and RecommendedBacktrackTarget of report from its
// score and issues. A failing report without a routable issue gets an
// unroutable issue and no target.
func (g QualityGate) Decide(report *model.QualityReport) {
	report.Passed = report.Score >= g.Threshold
	report.RecommendedBacktrackTarget = ""
	if report.Passed {
		return
	}
	if target, ok := Route(report.Issues); ok {
		report.RecommendedBacktrackTarget = target
		return
	}
	report.Issues = append(report.Issues, model.Issue{
		Stage:       model.StageQualityCheck,
		Category:    model.IssueUnroutable,
		Description: fmt.Sprintf("score %.2f below %.2f with no issue that a backtrack can repair", report.Score, g.Threshold),
	})
}

// Assess builds the structural report for state without deciding it.
// Pending issues raised by earlier stages are folded in ahead of the gate's
// own findings.
func (g QualityGate) Assess(state *model.ExtractionState) *model.QualityReport {
	signals := g.Signals(state)
	issues := state.DrainIssues()
	issues = append(issues, g.Issues(state, signals)...)
	return &model.QualityReport{
		Score:   StructuralScore(signals),
		Signals: signals,
		Issues:  issues,
	}
}

// Evaluate assesses and decides in one step.
func (g QualityGate) Evaluate(state *model.ExtractionState) *model.QualityReport {
	report := g.Assess(state)
	g.Decide(report)
	return report
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
