package textgen

import (
	"context"
	"fmt"

	"github.com/sells-group/legalkg/internal/config"
	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/pkg/anthropic"
	"github.com/sells-group/legalkg/pkg/openai"
)

// systemWithSchema appends the response contract to the stage instructions.
func systemWithSchema(req Request) string {
	if len(req.Schema) == 0 {
		return req.System
	}
	return fmt.Sprintf("%s\n\nRespond with one JSON object and nothing else. It must conform to this JSON schema:\n%s", req.System, req.Schema)
}

// Anthropic sends requests through the Messages API.
type Anthropic struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// NewAnthropic returns a Provider backed by client.
func NewAnthropic(client anthropic.Client, cfg config.LLMConfig) *Anthropic {
	return &Anthropic{
		client:      client,
		model:       cfg.Model,
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
	}
}

// Name implements Provider.
func (a *Anthropic) Name() string { return "anthropic" }

// Complete implements Provider.
func (a *Anthropic) Complete(ctx context.Context, req Request) (Completion, error) {
	temp := a.temperature
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      anthropic.CachedSystem(systemWithSchema(req)),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return Completion{}, err
	}
	return Completion{
		Text:  resp.Text(),
		Model: resp.Model,
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// OpenAI sends requests to an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client      openai.Client
	model       string
	maxTokens   int64
	temperature float64
}

// NewOpenAI returns a Provider backed by client.
func NewOpenAI(client openai.Client, cfg config.LLMConfig) *OpenAI {
	return &OpenAI{
		client:      client,
		model:       cfg.Model,
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
	}
}

// Name implements Provider.
func (o *OpenAI) Name() string { return "openai" }

// Complete implements Provider.
func (o *OpenAI) Complete(ctx context.Context, req Request) (Completion, error) {
	temp := o.temperature
	resp, err := o.client.Complete(ctx, openai.ChatRequest{
		Model:       o.model,
		System:      systemWithSchema(req),
		Prompt:      req.Prompt,
		MaxTokens:   o.maxTokens,
		Temperature: &temp,
		JSONMode:    len(req.Schema) > 0,
	})
	if err != nil {
		return Completion{}, err
	}
	return Completion{
		Text:  resp.Content,
		Model: resp.Model,
		Usage: model.TokenUsage{InputTokens: int(resp.InputTokens), OutputTokens: int(resp.OutputTokens)},
	}, nil
}

// Stub answers every request with the empty document for its schema. It
// lets the pipeline run offline: structure parsing and normalization still
// work, model-driven stages contribute nothing.
type Stub struct{}

// Name implements Provider.
func (Stub) Name() string { return "stub" }

// Complete implements Provider.
func (Stub) Complete(_ context.Context, req Request) (Completion, error) {
	return Completion{Text: string(Empty(req.Schema)), Model: "stub"}, nil
}
