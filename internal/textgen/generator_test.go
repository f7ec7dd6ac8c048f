package textgen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/legalkg/internal/config"
	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/resilience"
	"github.com/sells-group/legalkg/pkg/anthropic"
)

// scriptedProvider returns its completions and errors in order.
type scriptedProvider struct {
	steps []step
	calls int
}

type step struct {
	text string
	err  error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, _ Request) (Completion, error) {
	s := p.steps[p.calls]
	p.calls++
	if s.err != nil {
		return Completion{}, s.err
	}
	return Completion{Text: s.text, Model: "test-model", Usage: model.TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
}

func testOptions(retries int) Options {
	return Options{
		Retry:   resilience.RetryConfig{Retries: retries, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 10, ResetTimeout: time.Minute},
		Logger:  zap.NewNop(),
	}
}

func TestGenerate_Success(t *testing.T) {
	p := &scriptedProvider{steps: []step{{text: "```json\n{\"entities\": []}\n```"}}}
	c := NewClient(p, testOptions(2))

	resp, err := c.Generate(context.Background(), Request{Stage: "entity_recognition", Prompt: "x", Schema: entitySchema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"entities":[]}`, string(resp.JSON))
	assert.Equal(t, model.TokenUsage{InputTokens: 10, OutputTokens: 5}, resp.Usage)
	assert.Equal(t, "test-model", resp.Model)
}

func TestGenerate_RetriesTransient(t *testing.T) {
	transient := resilience.NewTransientError(errors.New("overloaded"), 529)
	p := &scriptedProvider{steps: []step{{err: transient}, {err: transient}, {text: `{"entities":[]}`}}}
	c := NewClient(p, testOptions(2))

	_, err := c.Generate(context.Background(), Request{Stage: "entity_recognition", Schema: entitySchema})
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls)
}

func TestGenerate_TransientExhaustion(t *testing.T) {
	transient := resilience.NewTransientError(errors.New("rate limited"), 429)
	p := &scriptedProvider{steps: []step{{err: transient}, {err: transient}, {err: transient}}}
	c := NewClient(p, testOptions(2))

	_, err := c.Generate(context.Background(), Request{Stage: "relation_extraction"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.False(t, IsMalformed(err))
	assert.Equal(t, 3, p.calls)
}

func TestGenerate_PermanentNotRetried(t *testing.T) {
	p := &scriptedProvider{steps: []step{{err: errors.New("invalid request")}}}
	c := NewClient(p, testOptions(2))

	_, err := c.Generate(context.Background(), Request{Stage: "coreference"})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Equal(t, 1, p.calls)
}

func TestGenerate_MalformedNotRetried(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"not json", "Sorry, I can't do that."},
		{"schema mismatch", `{"entities":[{"name":"张三"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{steps: []step{{text: tt.text}}}
			c := NewClient(p, testOptions(2))

			resp, err := c.Generate(context.Background(), Request{Stage: "entity_recognition", Schema: entitySchema})
			require.Error(t, err)
			assert.True(t, IsMalformed(err))
			assert.False(t, resilience.IsTransient(err))
			assert.Equal(t, 1, p.calls)
			assert.Equal(t, 15, resp.Usage.Total())
			assert.Nil(t, resp.JSON)
		})
	}
}

func TestGenerate_CancelledContext(t *testing.T) {
	p := &scriptedProvider{steps: []step{{text: `{}`}}}
	c := NewClient(p, Options{RequestsPerSecond: 0.001, Logger: zap.NewNop()})

	// Drain the single burst token so the next call has to wait.
	_, err := c.Generate(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Generate(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestStub(t *testing.T) {
	c := NewClient(Stub{}, testOptions(0))
	resp, err := c.Generate(context.Background(), Request{Stage: "entity_recognition", Schema: entitySchema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"entities":[]}`, string(resp.JSON))
	assert.Zero(t, resp.Usage.Total())
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.LLMConfig
		wantName string
		wantErr  error
	}{
		{"anthropic", config.LLMConfig{Provider: "anthropic", Key: "k"}, "anthropic", nil},
		{"default provider", config.LLMConfig{Key: "k"}, "anthropic", nil},
		{"openai", config.LLMConfig{Provider: "OpenAI", Key: "k", BaseURL: "https://api.deepseek.com/v1"}, "openai", nil},
		{"stub", config.LLMConfig{Provider: "stub"}, "stub", nil},
		{"anthropic no key", config.LLMConfig{Provider: "anthropic"}, "", ErrMissingCredentials},
		{"openai no key", config.LLMConfig{Provider: "openai"}, "", ErrMissingCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())
		})
	}

	_, err := NewProvider(config.LLMConfig{Provider: "gemini"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func TestAnthropicProvider(t *testing.T) {
	mc := new(mockAnthropic)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-sonnet-4-5-20250929" &&
			req.MaxTokens == 4000 &&
			len(req.System) == 1 &&
			req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && req.Messages[0].Content == "原告张三"
	})).Return(&anthropic.MessageResponse{
		Model:   "claude-sonnet-4-5-20250929",
		Content: []anthropic.ContentBlock{{Type: "text", Text: `{"entities":[]}`}},
		Usage:   anthropic.TokenUsage{InputTokens: 20, OutputTokens: 8, CacheReadInputTokens: 100},
	}, nil)

	p := NewAnthropic(mc, config.LLMConfig{Model: "claude-sonnet-4-5-20250929", MaxTokens: 4000, Temperature: 0.7})
	comp, err := p.Complete(context.Background(), Request{System: "Extract entities.", Prompt: "原告张三", Schema: entitySchema})
	require.NoError(t, err)
	assert.Equal(t, `{"entities":[]}`, comp.Text)
	assert.Equal(t, 120, comp.Usage.InputTokens)
	assert.Equal(t, 8, comp.Usage.OutputTokens)
	mc.AssertExpectations(t)
}

func TestSystemWithSchema(t *testing.T) {
	assert.Equal(t, "plain", systemWithSchema(Request{System: "plain"}))
	got := systemWithSchema(Request{System: "Extract.", Schema: entitySchema})
	assert.Contains(t, got, "Extract.")
	assert.Contains(t, got, `"required": ["entities"]`)
}
