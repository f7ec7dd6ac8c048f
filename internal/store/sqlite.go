package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/legalkg/internal/graph"
	"github.com/sells-group/legalkg/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Labels and
// properties are stored as JSON text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS graph_nodes (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	labels      TEXT NOT NULL,
	properties  TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS graph_relationships (
	source      TEXT NOT NULL,
	type        TEXT NOT NULL,
	target      TEXT NOT NULL,
	document_id TEXT NOT NULL,
	properties  TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (source, type, target)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	record      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_document_id ON graph_nodes(document_id);
CREATE INDEX IF NOT EXISTS idx_graph_relationships_document_id ON graph_relationships(document_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Connect pings the database and applies the schema.
func (s *SQLiteStore) Connect(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return eris.Wrap(err, "sqlite: ping")
	}
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// BatchSave replaces the graphs of the given documents in one transaction.
func (s *SQLiteStore) BatchSave(ctx context.Context, states []*model.ExtractionState) error {
	if len(states) == 0 {
		return nil
	}
	batch := buildBatch(states)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin batch save")
	}
	defer tx.Rollback() //nolint:errcheck

	docIDs := batch.DocumentIDs()
	in, args := inClause(docIDs)
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_relationships WHERE document_id IN `+in, args...); err != nil {
		return eris.Wrap(err, "sqlite: clear relationships")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE document_id IN `+in, args...); err != nil {
		return eris.Wrap(err, "sqlite: clear nodes")
	}

	nodeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO graph_nodes (id, document_id, labels, properties) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET document_id = excluded.document_id, labels = excluded.labels, properties = excluded.properties`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare node insert")
	}
	defer nodeStmt.Close()
	for _, n := range batch.Nodes {
		labels, err := json.Marshal(n.Labels)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal labels %s", n.ID)
		}
		props, err := json.Marshal(n.Properties)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal node %s", n.ID)
		}
		docID, _ := n.Properties["document_id"].(string)
		if _, err := nodeStmt.ExecContext(ctx, n.ID, docID, string(labels), string(props)); err != nil {
			return eris.Wrapf(err, "sqlite: insert node %s", n.ID)
		}
	}

	relStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO graph_relationships (source, type, target, document_id, properties) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(source, type, target) DO UPDATE SET document_id = excluded.document_id, properties = excluded.properties`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare relationship insert")
	}
	defer relStmt.Close()
	for _, r := range batch.Relationships {
		props, err := json.Marshal(r.Properties)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal relationship %s", r.Key())
		}
		docID, _ := r.Properties["document_id"].(string)
		if _, err := relStmt.ExecContext(ctx, r.Source, r.Type, r.Target, docID, string(props)); err != nil {
			return eris.Wrapf(err, "sqlite: insert relationship %s", r.Key())
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit batch save")
}

// Export reads the whole stored graph.
func (s *SQLiteStore) Export(ctx context.Context) (graph.Batch, error) {
	var b graph.Batch

	rows, err := s.db.QueryContext(ctx, `SELECT id, labels, properties FROM graph_nodes ORDER BY document_id, id`)
	if err != nil {
		return b, eris.Wrap(err, "sqlite: export nodes")
	}
	for rows.Next() {
		var n graph.Node
		var labels, props string
		if err := rows.Scan(&n.ID, &labels, &props); err != nil {
			rows.Close()
			return b, eris.Wrap(err, "sqlite: scan node")
		}
		if err := unmarshalJSON(labels, &n.Labels); err != nil {
			rows.Close()
			return b, err
		}
		if err := unmarshalJSON(props, &n.Properties); err != nil {
			rows.Close()
			return b, err
		}
		b.Nodes = append(b.Nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return b, eris.Wrap(err, "sqlite: export nodes iterate")
	}

	rows, err = s.db.QueryContext(ctx, `SELECT source, target, type, properties FROM graph_relationships ORDER BY document_id, source, type, target`)
	if err != nil {
		return b, eris.Wrap(err, "sqlite: export relationships")
	}
	defer rows.Close()
	for rows.Next() {
		var r graph.Relationship
		var props string
		if err := rows.Scan(&r.Source, &r.Target, &r.Type, &props); err != nil {
			return b, eris.Wrap(err, "sqlite: scan relationship")
		}
		if err := unmarshalJSON(props, &r.Properties); err != nil {
			return b, err
		}
		b.Relationships = append(b.Relationships, r)
	}
	return b, eris.Wrap(rows.Err(), "sqlite: export relationships iterate")
}

// RecordRun inserts or replaces run.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *model.Run) error {
	record, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, document_id, status, record, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, record = excluded.record, updated_at = excluded.updated_at`,
		run.ID, run.DocumentID, string(run.Status), string(record), timeKey(run.CreatedAt), timeKey(run.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: record run %s", run.ID)
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query := `SELECT record FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		var r model.Run
		if err := unmarshalJSON(record, &r); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func inClause(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ") + ")", args
}

func unmarshalJSON(data string, v any) error {
	return eris.Wrap(json.Unmarshal([]byte(data), v), "sqlite: unmarshal")
}
