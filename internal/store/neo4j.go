package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rotisserie/eris"

	"github.com/sells-group/legalkg/internal/config"
	"github.com/sells-group/legalkg/internal/graph"
	"github.com/sells-group/legalkg/internal/model"
)

// Neo4jStore implements Store on a Neo4j database. Nodes are merged by id
// under a uniqueness constraint; runs are stored as Run nodes.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

var neo4jConstraints = []string{
	"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT document_id IF NOT EXISTS FOR (n:Document) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT run_id IF NOT EXISTS FOR (r:Run) REQUIRE r.id IS UNIQUE",
}

// NewNeo4j creates the driver. No connection is made until Connect.
func NewNeo4j(cfg config.Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, eris.Wrap(err, "neo4j: create driver")
	}
	return &Neo4jStore{driver: driver, database: cfg.Database}, nil
}

// Connect verifies connectivity and creates the uniqueness constraints.
func (s *Neo4jStore) Connect(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return eris.Wrap(err, "neo4j: verify connectivity")
	}
	for _, q := range neo4jConstraints {
		if _, err := s.query(ctx, q, nil); err != nil {
			return eris.Wrap(err, "neo4j: create constraint")
		}
	}
	return nil
}

// Close closes the driver.
func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

func (s *Neo4jStore) query(ctx context.Context, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	return neo4j.ExecuteQuery(ctx, s.driver, cypher, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.database))
}

// statement is one parameterized Cypher write.
type statement struct {
	cypher string
	params map[string]any
}

// BatchSave replaces the graphs of the given documents in one write
// transaction.
func (s *Neo4jStore) BatchSave(ctx context.Context, states []*model.ExtractionState) error {
	if len(states) == 0 {
		return nil
	}
	stmts, err := saveStatements(buildBatch(states))
	if err != nil {
		return err
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range stmts {
			res, err := tx.Run(ctx, st.cypher, st.params)
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return eris.Wrap(err, "neo4j: batch save")
}

// saveStatements clears the documents in b, then merges its nodes grouped
// by label set and its relationships grouped by type. Labels and types are
// spliced into the Cypher text, so each one is validated first.
func saveStatements(b graph.Batch) ([]statement, error) {
	stmts := []statement{{
		cypher: "MATCH (n) WHERE (n:Entity OR n:Document) AND n.document_id IN $documents DETACH DELETE n",
		params: map[string]any{"documents": stringsToAny(b.DocumentIDs())},
	}}

	nodeGroups := make(map[string][]any)
	for _, n := range b.Nodes {
		for _, l := range n.Labels {
			if !graph.ValidLabel(l) {
				return nil, eris.Errorf("neo4j: invalid label %q on node %s", l, n.ID)
			}
		}
		key := strings.Join(n.Labels, ":")
		props := make(map[string]any, len(n.Properties)+1)
		for k, v := range n.Properties {
			props[k] = v
		}
		props["id"] = n.ID
		nodeGroups[key] = append(nodeGroups[key], map[string]any{"id": n.ID, "props": props})
	}
	for _, key := range sortedGroupKeys(nodeGroups) {
		labels := strings.Split(key, ":")
		stmts = append(stmts, statement{
			cypher: "UNWIND $rows AS row MERGE (n:`" + labels[0] + "` {id: row.id}) SET n = row.props" + extraLabels(labels[1:]),
			params: map[string]any{"rows": nodeGroups[key]},
		})
	}

	relGroups := make(map[string][]any)
	for _, r := range b.Relationships {
		if !graph.ValidLabel(r.Type) {
			return nil, eris.Errorf("neo4j: invalid relationship type %q", r.Type)
		}
		relGroups[r.Type] = append(relGroups[r.Type], map[string]any{
			"source": r.Source,
			"target": r.Target,
			"props":  r.Properties,
		})
	}
	for _, typ := range sortedGroupKeys(relGroups) {
		stmts = append(stmts, statement{
			cypher: "UNWIND $rows AS row " +
				"MATCH (a:Entity {id: row.source}) " +
				"MATCH (b) WHERE (b:Entity OR b:Document) AND b.id = row.target " +
				"MERGE (a)-[r:`" + typ + "`]->(b) SET r = row.props",
			params: map[string]any{"rows": relGroups[typ]},
		})
	}
	return stmts, nil
}

func extraLabels(labels []string) string {
	var sb strings.Builder
	for _, l := range labels {
		sb.WriteString(" SET n:`" + l + "`")
	}
	return sb.String()
}

func sortedGroupKeys(m map[string][]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringsToAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// Export reads every document and entity node and the relationships
// leaving entity nodes.
func (s *Neo4jStore) Export(ctx context.Context) (graph.Batch, error) {
	var b graph.Batch

	nodes, err := s.query(ctx,
		"MATCH (n) WHERE n:Entity OR n:Document RETURN n.id AS id, labels(n) AS labels, properties(n) AS props ORDER BY id", nil)
	if err != nil {
		return b, eris.Wrap(err, "neo4j: export nodes")
	}
	for _, rec := range nodes.Records {
		id, _, err := neo4j.GetRecordValue[string](rec, "id")
		if err != nil {
			return b, eris.Wrap(err, "neo4j: read node id")
		}
		labels, _, err := neo4j.GetRecordValue[[]any](rec, "labels")
		if err != nil {
			return b, eris.Wrapf(err, "neo4j: read labels of %s", id)
		}
		props, _, err := neo4j.GetRecordValue[map[string]any](rec, "props")
		if err != nil {
			return b, eris.Wrapf(err, "neo4j: read properties of %s", id)
		}
		delete(props, "id")
		b.Nodes = append(b.Nodes, graph.Node{ID: id, Labels: orderLabels(labels), Properties: props})
	}

	rels, err := s.query(ctx,
		"MATCH (a:Entity)-[r]->(b) RETURN a.id AS source, b.id AS target, type(r) AS type, properties(r) AS props ORDER BY source, type, target", nil)
	if err != nil {
		return b, eris.Wrap(err, "neo4j: export relationships")
	}
	for _, rec := range rels.Records {
		m := rec.AsMap()
		r := graph.Relationship{}
		r.Source, _ = m["source"].(string)
		r.Target, _ = m["target"].(string)
		r.Type, _ = m["type"].(string)
		r.Properties, _ = m["props"].(map[string]any)
		b.Relationships = append(b.Relationships, r)
	}
	return b, nil
}

// orderLabels puts Entity first so exported nodes match graph.Build.
func orderLabels(raw []any) []string {
	labels := make([]string, 0, len(raw))
	for _, l := range raw {
		if s, ok := l.(string); ok {
			labels = append(labels, s)
		}
	}
	sort.SliceStable(labels, func(i, j int) bool {
		return labels[i] == graph.LabelEntity && labels[j] != graph.LabelEntity
	})
	return labels
}

// RecordRun merges run into its Run node.
func (s *Neo4jStore) RecordRun(ctx context.Context, run *model.Run) error {
	props, err := runProperties(run)
	if err != nil {
		return err
	}
	_, err = s.query(ctx, "MERGE (r:Run {id: $id}) SET r += $props", map[string]any{"id": run.ID, "props": props})
	return eris.Wrapf(err, "neo4j: record run %s", run.ID)
}

// runProperties flattens run into Neo4j-storable properties. The full
// record is kept as JSON for ListRuns.
func runProperties(run *model.Run) (map[string]any, error) {
	record, err := json.Marshal(run)
	if err != nil {
		return nil, eris.Wrap(err, "neo4j: marshal run")
	}
	return map[string]any{
		"document_id":  run.DocumentID,
		"status":       string(run.Status),
		"final_state":  string(run.FinalState),
		"score":        run.Score,
		"stored_graph": run.StoredGraph,
		"created_at":   timeKey(run.CreatedAt),
		"updated_at":   timeKey(run.UpdatedAt),
		"record":       string(record),
	}, nil
}

// ListRuns returns runs newest first.
func (s *Neo4jStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	res, err := s.query(ctx,
		"MATCH (r:Run) WHERE $status = '' OR r.status = $status "+
			"RETURN r.record AS record ORDER BY r.created_at DESC, r.id SKIP $offset LIMIT $limit",
		map[string]any{
			"status": string(filter.Status),
			"offset": int64(max(filter.Offset, 0)),
			"limit":  int64(listLimit(filter)),
		})
	if err != nil {
		return nil, eris.Wrap(err, "neo4j: list runs")
	}

	runs := make([]model.Run, 0, len(res.Records))
	for _, rec := range res.Records {
		record, _, err := neo4j.GetRecordValue[string](rec, "record")
		if err != nil {
			return nil, eris.Wrap(err, "neo4j: read run")
		}
		var r model.Run
		if err := json.Unmarshal([]byte(record), &r); err != nil {
			return nil, eris.Wrap(err, "neo4j: unmarshal run")
		}
		runs = append(runs, r)
	}
	return runs, nil
}
