package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOverloaded = NewTransientError(errors.New("anthropic: overloaded"), 529)

// fakeClock is a settable time source for breaker tests.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: time.Minute})
	cb.now = clock.now
	return cb, clock
}

func call(cb *CircuitBreaker, err error) (string, error) {
	return ExecuteVal(context.Background(), cb, func(_ context.Context) (string, error) {
		if err != nil {
			return "", err
		}
		return `{"entities": []}`, nil
	})
}

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb, _ := newTestBreaker(3)

	out, err := call(cb, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"entities": []}`, out)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterTransientFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	for i := 0; i < 3; i++ {
		_, _ = call(cb, errOverloaded)
	}
	require.Equal(t, CircuitOpen, cb.State())

	called := false
	out, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (string, error) {
		called = true
		return "x", nil
	})
	assert.False(t, called)
	assert.Empty(t, out)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsTransient(err), "rejections are retried with backoff")
}

func TestCircuitBreaker_MalformedResponsesDoNotCount(t *testing.T) {
	cb, _ := newTestBreaker(2)

	for i := 0; i < 5; i++ {
		_, _ = call(cb, errors.New("response did not match schema"))
	}
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_SuccessClearsFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	_, _ = call(cb, errOverloaded)
	_, _ = call(cb, errOverloaded)
	_, _ = call(cb, nil)
	_, _ = call(cb, errOverloaded)
	_, _ = call(cb, errOverloaded)

	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 2, cb.failures)
}

func TestCircuitBreaker_TrialCallClosesAfterTimeout(t *testing.T) {
	cb, clock := newTestBreaker(2)
	_, _ = call(cb, errOverloaded)
	_, _ = call(cb, errOverloaded)

	clock.advance(30 * time.Second)
	assert.Equal(t, CircuitOpen, cb.State())
	_, err := call(cb, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock.advance(31 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	_, err = call(cb, nil)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_FailedTrialCallReopens(t *testing.T) {
	cb, clock := newTestBreaker(2)
	_, _ = call(cb, errOverloaded)
	_, _ = call(cb, errOverloaded)

	clock.advance(2 * time.Minute)
	_, err := call(cb, errOverloaded)
	assert.ErrorIs(t, err, errOverloaded)
	assert.Equal(t, CircuitOpen, cb.State())

	// The reset timeout starts over from the failed trial call.
	clock.advance(59 * time.Second)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_SingleTrialCallInFlight(t *testing.T) {
	cb, clock := newTestBreaker(1)
	_, _ = call(cb, errOverloaded)
	clock.advance(2 * time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (string, error) {
			close(started)
			<-release
			return "ok", nil
		})
		done <- err
	}()
	<-started

	_, err := call(cb, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen, "second caller waits for the trial call")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, CircuitClosed, cb.State())

	_, err = call(cb, nil)
	assert.NoError(t, err)
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	type change struct{ from, to CircuitState }
	var changes []change
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange:    func(from, to CircuitState) { changes = append(changes, change{from, to}) },
	})
	cb.now = clock.now

	_, _ = call(cb, errOverloaded)
	clock.advance(2 * time.Minute)
	_, _ = call(cb, nil)

	assert.Equal(t, []change{
		{CircuitClosed, CircuitOpen},
		{CircuitOpen, CircuitHalfOpen},
		{CircuitHalfOpen, CircuitClosed},
	}, changes)
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.Equal(t, DefaultCircuitBreakerConfig().FailureThreshold, cb.cfg.FailureThreshold)
	assert.Equal(t, DefaultCircuitBreakerConfig().ResetTimeout, cb.cfg.ResetTimeout)
}

func TestCircuitBreaker_ConcurrentDocuments(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1000, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = call(cb, errOverloaded)
				return
			}
			_, _ = call(cb, nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
