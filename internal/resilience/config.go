package resilience

import (
	"time"

	"github.com/sells-group/legalkg/internal/config"
)

// FromLLMConfig derives the retry policy for model calls. The per-call
// timeout applies to each attempt, not to the retry sequence as a whole.
func FromLLMConfig(cfg config.LLMConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.MaxRetries >= 0 {
		rc.Retries = cfg.MaxRetries
	}
	if cfg.TimeoutSecs > 0 {
		rc.AttemptTimeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	return rc
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
