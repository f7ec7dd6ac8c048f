package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/legalkg/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Connect(context.Background()))
	return st
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, func(t *testing.T) Store { return newTestSQLiteStore(t) })
}

func TestSQLite_ConnectIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Connect(context.Background()))
}

func TestSQLite_WALMode(t *testing.T) {
	st := newTestSQLiteStore(t)

	var mode string
	require.NoError(t, st.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestSQLite_ExportPreservesProperties(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	s := testState(t, "doc")
	s.Entities["party_000"].Attributes = map[string]string{"role": "plaintiff"}

	require.NoError(t, st.BatchSave(ctx, []*model.ExtractionState{s}))

	b, err := st.Export(ctx)
	require.NoError(t, err)
	var found bool
	for _, n := range b.Nodes {
		if n.ID != "doc:party_000" {
			continue
		}
		found = true
		assert.Equal(t, "plaintiff", n.Properties["attr_role"])
		assert.Equal(t, []any{"block_0002"}, n.Properties["block_ids"])
		assert.Equal(t, []any{"原告"}, n.Properties["mentions"])
	}
	assert.True(t, found)

	for _, r := range b.Relationships {
		if r.Type == "case_in_court" {
			assert.Equal(t, 0.9, r.Properties["confidence"])
		}
	}
}

func TestSQLite_ClosedDatabase(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Close())

	err := st.RecordRun(context.Background(), testRun("r", "d", model.RunStatusFailed, time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite: record run r")
}
