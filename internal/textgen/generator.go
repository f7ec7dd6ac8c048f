// Package textgen is the text-generation collaborator used inside pipeline
// stages. It asks a language model for a JSON document, validates it against
// a response schema and reports transient and malformed failures as distinct
// error types.
package textgen

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/legalkg/internal/config"
	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/resilience"
	"github.com/sells-group/legalkg/pkg/anthropic"
	"github.com/sells-group/legalkg/pkg/openai"
)

// Request is one structured generation call.
type Request struct {
	// Stage names the caller for logs and cost attribution.
	Stage  string
	System string
	Prompt string
	// Schema is the JSON schema the response must satisfy.
	Schema json.RawMessage
}

// Response is a validated JSON document plus the tokens spent producing it.
type Response struct {
	JSON  json.RawMessage
	Usage model.TokenUsage
	Model string
}

// Generator produces structured output for a prompt. Implementations must be
// safe for concurrent use; one Generator serves every document of a batch.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Completion is raw provider output.
type Completion struct {
	Text  string
	Usage model.TokenUsage
	Model string
}

// Provider sends one request to a model service. Errors worth retrying must
// be *resilience.TransientError.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Options tunes a Client.
type Options struct {
	Retry             resilience.RetryConfig
	Breaker           resilience.CircuitBreakerConfig
	RequestsPerSecond float64
	Logger            *zap.Logger
}

// Client wraps a Provider with rate limiting, retries, a circuit breaker and
// response validation.
type Client struct {
	provider Provider
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryConfig
	log      *zap.Logger
}

// NewClient wraps p.
func NewClient(p Provider, opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	log = log.With(zap.String("provider", p.Name()))

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	retry := opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(log, p.Name(), "generate")
	}

	breakerCfg := opts.Breaker
	if breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
			log.Warn("textgen: circuit state changed",
				zap.Stringer("from", from), zap.Stringer("to", to))
		}
	}

	return &Client{
		provider: p,
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  resilience.NewCircuitBreaker(breakerCfg),
		retry:    retry,
		log:      log,
	}
}

// Generate calls the provider and validates the result. Transient failures
// are retried within the configured budget; the last one is returned as
// *resilience.TransientError. Output that is not valid JSON or does not match
// req.Schema yields *MalformedResponseError together with the usage that was
// spent on it.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	comp, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (Completion, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return Completion{}, err
		}
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (Completion, error) {
			return c.provider.Complete(ctx, req)
		})
	})
	if err != nil {
		c.log.Warn("textgen: generate failed",
			zap.String("stage", req.Stage),
			zap.String("class", string(resilience.Classify(err))),
			zap.Stringer("circuit", c.breaker.State()),
			zap.Error(err),
		)
		return Response{}, eris.Wrapf(err, "textgen: generate %s", req.Stage)
	}

	resp := Response{Usage: comp.Usage, Model: comp.Model}

	doc, err := ParseJSON(comp.Text)
	if err != nil {
		return resp, &MalformedResponseError{Stage: req.Stage, Reason: err.Error(), Raw: truncate(comp.Text, 2000), Err: err}
	}
	if err := Validate(req.Schema, doc); err != nil {
		return resp, &MalformedResponseError{Stage: req.Stage, Reason: "does not match schema: " + err.Error(), Raw: truncate(comp.Text, 2000), Err: err}
	}
	resp.JSON = doc

	c.log.Debug("textgen: generated",
		zap.String("stage", req.Stage),
		zap.String("model", comp.Model),
		zap.Int("input_tokens", comp.Usage.InputTokens),
		zap.Int("output_tokens", comp.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp, nil
}

var _ Generator = (*Client)(nil)

// New builds a Client for the configured provider.
func New(cfg config.LLMConfig, log *zap.Logger) (*Client, error) {
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(p, Options{
		Retry:             resilience.FromLLMConfig(cfg),
		Breaker:           resilience.FromCircuitConfig(cfg.CircuitFailures, cfg.CircuitResetSecs),
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            log,
	}), nil
}

// NewProvider returns the Provider named by cfg.Provider.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch name {
	case "", "anthropic":
		if cfg.Key == "" {
			return nil, eris.Wrap(ErrMissingCredentials, "llm.key is required for provider anthropic")
		}
		return NewAnthropic(anthropic.NewClient(cfg.Key, cfg.BaseURL), cfg), nil
	case "openai":
		if cfg.Key == "" {
			return nil, eris.Wrap(ErrMissingCredentials, "llm.key is required for provider openai")
		}
		return NewOpenAI(openai.NewClient(cfg.Key, cfg.BaseURL), cfg), nil
	case "stub":
		return Stub{}, nil
	default:
		return nil, eris.Errorf("textgen: unknown provider %q", cfg.Provider)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}
