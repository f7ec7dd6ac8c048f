package pipeline

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/textgen"
)

// --- Generator Mock ---

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, req textgen.Request) (textgen.Response, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(textgen.Response), args.Error(1)
}

func jsonResponse(doc string) textgen.Response {
	return textgen.Response{
		JSON:  json.RawMessage(doc),
		Usage: model.TokenUsage{InputTokens: 10, OutputTokens: 5},
		Model: "test-model",
	}
}

// --- Scripted Generator ---

// scriptedGenerator answers by stage. The answer function sees the request
// and the 1-based call number for that stage.
type scriptedGenerator struct {
	mu     sync.Mutex
	calls  map[string]int
	answer func(req textgen.Request, call int) (string, error)
}

func newScriptedGenerator(answer func(req textgen.Request, call int) (string, error)) *scriptedGenerator {
	return &scriptedGenerator{calls: make(map[string]int), answer: answer}
}

func (g *scriptedGenerator) Generate(_ context.Context, req textgen.Request) (textgen.Response, error) {
	g.mu.Lock()
	g.calls[req.Stage]++
	call := g.calls[req.Stage]
	g.mu.Unlock()

	doc, err := g.answer(req, call)
	if err != nil {
		return textgen.Response{Usage: model.TokenUsage{InputTokens: 1}}, err
	}
	return jsonResponse(doc), nil
}

func (g *scriptedGenerator) Calls(stage model.StageID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[string(stage)]
}

// --- Fake Stages ---

type fakeStage struct {
	id    model.StageID
	mu    sync.Mutex
	calls int
	run   func(ctx context.Context, state *model.ExtractionState, call int) (*model.ExtractionState, model.StageOutcome)
}

func (s *fakeStage) ID() model.StageID { return s.id }

func (s *fakeStage) Run(ctx context.Context, state *model.ExtractionState) (*model.ExtractionState, model.StageOutcome) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if s.run == nil {
		return state, model.Completed()
	}
	return s.run(ctx, state, call)
}

func (s *fakeStage) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// qualityScript returns the score and issues of the given pass.
type qualityScript func(state *model.ExtractionState, pass int) (float64, []model.Issue)

// fakePipeline builds pass-through stages and a quality check driven by
// script. The quality check decides its report with the real gate.
func fakePipeline(script qualityScript) (map[model.StageID]*fakeStage, []Stage) {
	gate := QualityGate{Threshold: 0.8}
	byID := make(map[model.StageID]*fakeStage)
	var stages []Stage
	for _, id := range model.PipelineOrder {
		s := &fakeStage{id: id}
		if id == model.StageQualityCheck {
			s.run = func(_ context.Context, state *model.ExtractionState, call int) (*model.ExtractionState, model.StageOutcome) {
				score, issues := script(state, call)
				report := &model.QualityReport{Score: score, Issues: append(state.DrainIssues(), issues...)}
				gate.Decide(report)
				state.QualityReport = report
				state.Passes++
				return state, model.Completed()
			}
		}
		byID[id] = s
		stages = append(stages, s)
	}
	return byID, stages
}

func newTestOrchestrator(stages []Stage, policy BacktrackPolicy) *Orchestrator {
	o, err := NewOrchestrator(stages, policy, zap.NewNop())
	if err != nil {
		panic(err)
	}
	return o
}

func defaultPolicy() BacktrackPolicy {
	return NewBacktrackPolicy(DefaultConfig())
}
