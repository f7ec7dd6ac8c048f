package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/legalkg/internal/config"
	"github.com/sells-group/legalkg/internal/model"
)

func testRates() Rates {
	return Rates{
		"haiku":  {Input: 0.80, Output: 4.00},
		"sonnet": {Input: 3.00, Output: 15.00},
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{name: "haiku", model: "haiku", input: 1000000, output: 100000, want: 0.80 + 0.40},
		{name: "sonnet", model: "sonnet", input: 500000, output: 200000, want: 1.50 + 3.00},
		{name: "zero tokens", model: "sonnet", want: 0},
		{name: "unknown model", model: "gpt-9", input: 1000000, output: 1000000, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Tokens(tt.model, tt.input, tt.output), 1e-9)
		})
	}
}

func TestUsage(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())
	got := calc.Usage("haiku", model.TokenUsage{InputTokens: 2000000, OutputTokens: 0})
	assert.InDelta(t, 1.60, got, 1e-9)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	calc := FromConfig(config.PricingConfig{Models: map[string]config.ModelPricing{
		"deepseek-chat": {Input: 1, Output: 2},
		"local-model":   {Input: 0.1, Output: 0.1},
	}})

	assert.InDelta(t, 3.0, calc.Tokens("deepseek-chat", 1000000, 1000000), 1e-9)
	assert.True(t, calc.Known("local-model"))
	assert.True(t, calc.Known("claude-sonnet-4-5-20250929"))
	assert.False(t, calc.Known("unknown"))
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()
	for name, r := range rates {
		assert.Greater(t, r.Input, 0.0, name)
		assert.GreaterOrEqual(t, r.Output, r.Input, name)
	}
}
