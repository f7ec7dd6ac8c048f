// Package monitoring summarizes recorded document runs and raises alerts
// when extraction quality or cost drifts past configured thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/legalkg/internal/model"
)

// maxScanRuns caps how many recent runs one collection reads.
const maxScanRuns = 10000

// MetricsSnapshot holds a point-in-time view of extraction health.
type MetricsSnapshot struct {
	Total     int `json:"total"`
	Accepted  int `json:"accepted"`
	Degraded  int `json:"degraded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	// Unstored counts accepted or degraded runs whose graph was never saved.
	Unstored int `json:"unstored"`

	FailRate      float64 `json:"fail_rate"`
	DegradedRate  float64 `json:"degraded_rate"`
	AvgScore      float64 `json:"avg_score"`
	AvgPasses     float64 `json:"avg_passes"`
	AvgBacktracks float64 `json:"avg_backtracks"`
	AvgTokens     int     `json:"avg_tokens"`
	CostUSD       float64 `json:"cost_usd"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the store method the collector reads from.
type RunLister interface {
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)
}

// Collector gathers metrics from recorded runs.
type Collector struct {
	runs RunLister
	now  func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, now: time.Now}
}

// Collect gathers a snapshot over the runs created in the lookback window.
// A non-positive lookback covers every run.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.runs.ListRuns(ctx, model.RunFilter{Limit: maxScanRuns})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var cutoff time.Time
	if lookbackHours > 0 {
		cutoff = now.Add(-time.Duration(lookbackHours) * time.Hour)
	}

	var totalScore float64
	var totalPasses, totalBacktracks, totalTokens, scored, finished int
	for _, r := range runs {
		// Runs come back newest first.
		if !cutoff.IsZero() && r.CreatedAt.Before(cutoff) {
			break
		}
		snap.Total++
		switch r.Status {
		case model.RunStatusAccepted:
			snap.Accepted++
		case model.RunStatusDegraded:
			snap.Degraded++
		case model.RunStatusFailed:
			snap.Failed++
		case model.RunStatusCancelled:
			snap.Cancelled++
		}
		if r.Status == model.RunStatusAccepted || r.Status == model.RunStatusDegraded {
			finished++
			totalScore += r.Score
			scored++
			totalPasses += r.Passes
			totalBacktracks += r.Backtracks
			if !r.StoredGraph {
				snap.Unstored++
			}
		}
		snap.CostUSD += r.TotalCost
		totalTokens += r.TokenUsage.Total()
	}

	if done := finished + snap.Failed; done > 0 {
		snap.FailRate = float64(snap.Failed) / float64(done)
		snap.DegradedRate = float64(snap.Degraded) / float64(done)
	}
	if snap.Total > 0 {
		snap.AvgTokens = totalTokens / snap.Total
	}
	if scored > 0 {
		snap.AvgScore = totalScore / float64(scored)
		snap.AvgPasses = float64(totalPasses) / float64(scored)
		snap.AvgBacktracks = float64(totalBacktracks) / float64(scored)
	}

	return snap, nil
}
