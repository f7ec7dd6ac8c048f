package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/legalkg/internal/config"
	"github.com/sells-group/legalkg/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(newTestCollector(&mockRuns{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(newTestCollector(&mockRuns{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, defaultCheckInterval, checker.interval())

	checker = NewChecker(newTestCollector(&mockRuns{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{CheckIntervalSecs: 30})
	assert.Equal(t, 30*time.Second, checker.interval())
}

func TestChecker_Check_SendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackWindowHours: 24}
	st := &mockRuns{runs: []model.Run{run(model.RunStatusAccepted, time.Hour, 0.9, 1, false)}}
	checker := NewChecker(newTestCollector(st), NewAlerter(cfg), cfg)

	alerts, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertUnstored, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_Check_NoAlerts(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 24}
	st := &mockRuns{runs: []model.Run{run(model.RunStatusAccepted, time.Hour, 0.9, 1, true)}}

	alerts, err := NewChecker(newTestCollector(st), NewAlerter(cfg), cfg).Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestChecker_Check_CollectError(t *testing.T) {
	cfg := config.MonitoringConfig{}
	checker := NewChecker(newTestCollector(&mockRuns{listErr: errors.New("down")}), NewAlerter(cfg), cfg)

	_, err := checker.Check(context.Background())
	assert.Error(t, err)
}
