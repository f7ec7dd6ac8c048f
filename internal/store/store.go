// Package store persists document graphs and run records. Drivers: neo4j,
// postgres and sqlite.
package store

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/legalkg/internal/config"
	"github.com/sells-group/legalkg/internal/graph"
	"github.com/sells-group/legalkg/internal/model"
)

// Store defines the persistence interface for finished documents.
type Store interface {
	// Connect verifies the backend is reachable and creates the schema or
	// constraints it needs. Safe to call more than once.
	Connect(ctx context.Context) error

	// BatchSave replaces the graph of every document in states.
	BatchSave(ctx context.Context, states []*model.ExtractionState) error
	Export(ctx context.Context) (graph.Batch, error)

	// Runs
	RecordRun(ctx context.Context, run *model.Run) error
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)

	Close() error
}

const defaultListLimit = 100

// New constructs the driver named by cfg.Driver without connecting.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "neo4j":
		return NewNeo4j(cfg.Neo4j)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, nil)
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// Open constructs the configured driver and connects it.
func Open(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (Store, error) {
	s, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	delay := time.Duration(cfg.ConnectDelayMs) * time.Millisecond
	if err := Connect(ctx, s, cfg.ConnectAttempts, delay, log); err != nil {
		_ = s.Close()
		return nil, eris.Wrapf(err, "store: %s unreachable", cfg.Driver)
	}
	return s, nil
}

// Connect polls s.Connect until it succeeds, attempts run out or ctx ends.
func Connect(ctx context.Context, s Store, attempts int, delay time.Duration, log *zap.Logger) error {
	if attempts < 1 {
		attempts = 1
	}
	if log == nil {
		log = zap.L()
	}
	return retry.Do(
		func() error { return s.Connect(ctx) },
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("store: connect failed, retrying",
				zap.Uint("attempt", n+1),
				zap.Int("max_attempts", attempts),
				zap.Error(err),
			)
		}),
	)
}

// buildBatch converts states into one graph batch.
func buildBatch(states []*model.ExtractionState) graph.Batch {
	batches := make([]graph.Batch, 0, len(states))
	for _, s := range states {
		batches = append(batches, graph.Build(s))
	}
	return graph.Merge(batches...)
}

// timeKey formats t so that lexical order is chronological order.
func timeKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func listLimit(filter model.RunFilter) int {
	if filter.Limit <= 0 {
		return defaultListLimit
	}
	return filter.Limit
}
