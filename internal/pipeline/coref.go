package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/normalize"
	"github.com/sells-group/legalkg/internal/textgen"
)

const (
	partyDecay = 0.8
	otherDecay = 0.6
	scoreEps   = 1e-9
)

// partyPredicates decay slower: parties linked through a case or against
// each other are the usual antecedents.
var partyPredicates = map[string]bool{
	"case_involved_party": true,
	"party_against_party": true,
}

// pronouns carry no type clue of their own.
var pronouns = map[string]bool{
	"他": true, "她": true, "它": true, "其": true, "该": true, "此": true,
	"he": true, "she": true, "it": true, "they": true, "him": true, "her": true, "them": true,
}

// referringPrefixes mark a definite reference such as 该被告 or the court.
var referringPrefixes = []string{"该", "此", "上述", "前述", "本", "the ", "said "}

// roleWords are bare role nouns used instead of a party's name.
var roleWords = map[string]bool{
	"原告": true, "被告": true, "第三人": true, "上诉人": true, "被上诉人": true,
	"申请人": true, "被申请人": true, "plaintiff": true, "defendant": true, "appellant": true, "appellee": true,
}

var typeClues = []struct {
	word string
	typ  string
}{
	{"被告", "Party"}, {"原告", "Party"}, {"当事人", "Party"}, {"上诉人", "Party"}, {"申请人", "Party"}, {"第三人", "Party"},
	{"defendant", "Party"}, {"plaintiff", "Party"}, {"appellant", "Party"}, {"appellee", "Party"}, {"party", "Party"},
	{"法院", "Court"}, {"court", "Court"},
	{"法官", "Judge"}, {"审判员", "Judge"}, {"judge", "Judge"},
	{"证据", "Evidence"}, {"evidence", "Evidence"},
	{"案件", "Case"}, {"本案", "Case"}, {"case", "Case"},
}

// referringExpression reports whether name refers to another entity rather
// than naming one, and the entity type its wording implies.
func referringExpression(name string) (clue string, ok bool) {
	k := normalize.Fold(name)
	if pronouns[k] {
		return "", true
	}
	for _, c := range typeClues {
		if strings.Contains(k, c.word) {
			clue = c.typ
			break
		}
	}
	if roleWords[k] {
		return clue, true
	}
	for _, p := range referringPrefixes {
		if strings.HasPrefix(k, p) && clue != "" {
			return clue, true
		}
	}
	return "", false
}

type edge struct {
	to        string
	predicate string
}

type candidate struct {
	id    string
	score float64
}

// Coreference resolves referring entities (pronouns, role words, definite
// references) to named entities reachable through the relation graph, and
// merges each into its antecedent.
type Coreference struct {
	gen       textgen.Generator
	maxHops   int
	threshold float64
	log       *zap.Logger
}

// NewCoreference returns the coreference stage.
func NewCoreference(d Deps) *Coreference {
	return &Coreference{gen: d.Generator, maxHops: d.Config.CorefMaxHops, threshold: d.Config.CorefThreshold, log: d.Logger}
}

// ID implements Stage.
func (s *Coreference) ID() model.StageID { return model.StageCoreference }

// Run implements Stage. Merges go through MergeEntities, which rewrites every
// relation endpoint in the same call.
func (s *Coreference) Run(ctx context.Context, state *model.ExtractionState) (*model.ExtractionState, model.StageOutcome) {
	var issues []model.Issue
	resolved := 0
	for _, id := range state.EntityIDs() {
		anaphor, ok := state.Entities[id]
		if !ok {
			continue
		}
		clue, isRef := referringExpression(anaphor.CanonicalName)
		if !isRef {
			continue
		}

		cands := s.candidates(state, id, clue)
		target, issue := s.choose(ctx, state, anaphor, cands)
		if issue != nil {
			issues = append(issues, *issue)
		}
		if target == "" {
			continue
		}
		if err := state.MergeEntities(target, id); err != nil {
			return state, model.Failed(fmt.Sprintf("merge %s into %s: %v", id, target, err))
		}
		resolved++
		s.log.Debug("pipeline: reference resolved",
			zap.String("document", state.DocumentID),
			zap.String("from", id),
			zap.String("to", target),
		)
	}

	if n := len(state.DanglingRelations()); n > 0 {
		return state, model.Failed(fmt.Sprintf("%d relations reference missing entities after resolution", n))
	}
	return state, model.CompletedWithWarnings(issues...)
}

// candidates runs a breadth-first search from start over the undirected
// relation graph and scores every named entity of start's type within
// maxHops. Direct neighbors are traversed but never candidates: a relation
// between two entities means they are distinct. Results are ordered by
// descending score, then id.
func (s *Coreference) candidates(state *model.ExtractionState, start, clue string) []candidate {
	graph := make(map[string][]edge)
	for _, r := range state.SortedRelations() {
		graph[r.Subject] = append(graph[r.Subject], edge{to: r.Object, predicate: r.Predicate})
		graph[r.Object] = append(graph[r.Object], edge{to: r.Subject, predicate: r.Predicate})
	}

	type node struct {
		id   string
		hops int
		path float64
	}
	want := state.Entities[start].Type
	visited := map[string]bool{start: true}
	queue := []node{{id: start, path: 1}}
	var out []candidate
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.hops > 1 {
			e := state.Entities[cur.id]
			if _, isRef := referringExpression(e.CanonicalName); !isRef && e.Type == want {
				typeScore := 0.5
				if clue != "" && e.Type == clue {
					typeScore = 1
				}
				if score := cur.path * (0.3 + 0.7*typeScore); score >= s.threshold {
					out = append(out, candidate{id: cur.id, score: score})
				}
			}
		}

		if cur.hops >= s.maxHops {
			continue
		}
		for _, e := range graph[cur.id] {
			if visited[e.to] {
				continue
			}
			visited[e.to] = true
			decay := otherDecay
			if partyPredicates[e.predicate] {
				decay = partyDecay
			}
			queue = append(queue, node{id: e.to, hops: cur.hops + 1, path: cur.path * decay})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if math.Abs(out[i].score-out[j].score) > scoreEps {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

// choose returns the antecedent for anaphor, or "" when there is none. A tie
// between the best candidates is put to the generator.
func (s *Coreference) choose(ctx context.Context, state *model.ExtractionState, anaphor *model.Entity, cands []candidate) (string, *model.Issue) {
	if len(cands) == 0 {
		return "", nil
	}
	var tied []string
	for _, c := range cands {
		if math.Abs(c.score-cands[0].score) <= scoreEps {
			tied = append(tied, c.id)
		}
	}
	if len(tied) == 1 {
		return tied[0], nil
	}

	var resp corefResponse
	err := generate(ctx, s.gen, state, textgen.Request{
		Stage:  string(model.StageCoreference),
		System: corefSystem,
		Prompt: corefPrompt(state, anaphor, tied),
		Schema: corefSchema,
	}, &resp)
	if err != nil {
		is := model.Issue{
			Stage:       model.StageCoreference,
			Category:    model.IssueStageFailure,
			Description: fmt.Sprintf("resolve %s: %v", anaphor.ID, err),
		}
		if textgen.IsMalformed(err) {
			is = malformedIssue(model.StageCoreference, "resolve "+anaphor.ID, err)
		}
		return "", &is
	}
	for _, id := range tied {
		if id == resp.EntityID {
			return id, nil
		}
	}
	return "", nil
}
