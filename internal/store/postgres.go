package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/legalkg/internal/db"
	"github.com/sells-group/legalkg/internal/graph"
	"github.com/sells-group/legalkg/internal/model"
)

// PostgresStore implements Store using pgxpool. Graph nodes and
// relationships are rows with JSONB properties.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var (
	nodeUpsert = db.UpsertConfig{
		Table:        "graph_nodes",
		Columns:      []string{"id", "document_id", "labels", "properties"},
		ConflictKeys: []string{"id"},
	}
	relationshipUpsert = db.UpsertConfig{
		Table:        "graph_relationships",
		Columns:      []string{"source", "type", "target", "document_id", "properties"},
		ConflictKeys: []string{"source", "type", "target"},
	}
)

// NewPostgres creates a PostgresStore with a connection pool. No connection
// is made until Connect.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(0)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS graph_nodes (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	labels      TEXT[] NOT NULL,
	properties  JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS graph_relationships (
	source      TEXT NOT NULL,
	type        TEXT NOT NULL,
	target      TEXT NOT NULL,
	document_id TEXT NOT NULL,
	properties  JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (source, type, target)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	record      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_document_id ON graph_nodes(document_id);
CREATE INDEX IF NOT EXISTS idx_graph_relationships_document_id ON graph_relationships(document_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
`

// Connect pings the database and applies the schema.
func (s *PostgresStore) Connect(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return eris.Wrap(err, "postgres: ping")
	}
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// BatchSave replaces the graphs of the given documents in one transaction.
func (s *PostgresStore) BatchSave(ctx context.Context, states []*model.ExtractionState) error {
	if len(states) == 0 {
		return nil
	}
	batch := buildBatch(states)

	nodeRows := make([][]any, 0, len(batch.Nodes))
	for _, n := range batch.Nodes {
		props, err := json.Marshal(n.Properties)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal node %s", n.ID)
		}
		docID, _ := n.Properties["document_id"].(string)
		nodeRows = append(nodeRows, []any{n.ID, docID, n.Labels, props})
	}
	relRows := make([][]any, 0, len(batch.Relationships))
	for _, r := range batch.Relationships {
		props, err := json.Marshal(r.Properties)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal relationship %s", r.Key())
		}
		docID, _ := r.Properties["document_id"].(string)
		relRows = append(relRows, []any{r.Source, r.Type, r.Target, docID, props})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin batch save")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	docIDs := batch.DocumentIDs()
	if _, err := tx.Exec(ctx, `DELETE FROM graph_relationships WHERE document_id = ANY($1)`, docIDs); err != nil {
		return eris.Wrap(err, "postgres: clear relationships")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM graph_nodes WHERE document_id = ANY($1)`, docIDs); err != nil {
		return eris.Wrap(err, "postgres: clear nodes")
	}
	if _, err := db.BulkUpsert(ctx, tx, nodeUpsert, nodeRows); err != nil {
		return eris.Wrap(err, "postgres: save nodes")
	}
	if _, err := db.BulkUpsert(ctx, tx, relationshipUpsert, relRows); err != nil {
		return eris.Wrap(err, "postgres: save relationships")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit batch save")
}

// Export reads the whole stored graph.
func (s *PostgresStore) Export(ctx context.Context) (graph.Batch, error) {
	var b graph.Batch

	rows, err := s.pool.Query(ctx, `SELECT id, labels, properties FROM graph_nodes ORDER BY document_id, id`)
	if err != nil {
		return b, eris.Wrap(err, "postgres: export nodes")
	}
	for rows.Next() {
		var n graph.Node
		var props []byte
		if err := rows.Scan(&n.ID, &n.Labels, &props); err != nil {
			rows.Close()
			return b, eris.Wrap(err, "postgres: scan node")
		}
		if err := json.Unmarshal(props, &n.Properties); err != nil {
			rows.Close()
			return b, eris.Wrapf(err, "postgres: unmarshal node %s", n.ID)
		}
		b.Nodes = append(b.Nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return b, eris.Wrap(err, "postgres: export nodes iterate")
	}

	rows, err = s.pool.Query(ctx, `SELECT source, target, type, properties FROM graph_relationships ORDER BY document_id, source, type, target`)
	if err != nil {
		return b, eris.Wrap(err, "postgres: export relationships")
	}
	defer rows.Close()
	for rows.Next() {
		var r graph.Relationship
		var props []byte
		if err := rows.Scan(&r.Source, &r.Target, &r.Type, &props); err != nil {
			return b, eris.Wrap(err, "postgres: scan relationship")
		}
		if err := json.Unmarshal(props, &r.Properties); err != nil {
			return b, eris.Wrapf(err, "postgres: unmarshal relationship %s", r.Key())
		}
		b.Relationships = append(b.Relationships, r)
	}
	return b, eris.Wrap(rows.Err(), "postgres: export relationships iterate")
}

// RecordRun inserts or replaces run.
func (s *PostgresStore) RecordRun(ctx context.Context, run *model.Run) error {
	record, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, document_id, status, record, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`,
		run.ID, run.DocumentID, string(run.Status), record, run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: record run %s", run.ID)
}

// ListRuns returns runs newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query := `SELECT record FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var r model.Run
		if err := json.Unmarshal(record, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}
