// Package graph converts extraction states into the property-graph shape
// handed to graph storage and JSON export.
package graph

import (
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/legalkg/internal/model"
)

// Node and relationship labels used by every document graph.
const (
	LabelDocument = "Document"
	LabelEntity   = "Entity"
	RelAppearsIn  = "APPEARS_IN"
)

// attrPrefix namespaces entity attributes among node properties.
const attrPrefix = "attr_"

// Node is a labelled property-graph vertex. Property values are strings,
// numbers, or string lists so every backend can hold them.
type Node struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// Relationship is a typed, directed property-graph edge.
type Relationship struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// Key identifies r within a batch.
func (r Relationship) Key() string {
	return r.Source + "|" + r.Type + "|" + r.Target
}

// Batch is the graph of one or more documents.
type Batch struct {
	Nodes         []Node         `json:"nodes"`
	Relationships []Relationship `json:"relationships"`
}

// DocumentIDs returns the distinct document ids present in b, sorted.
func (b Batch) DocumentIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, n := range b.Nodes {
		id, _ := n.Properties["document_id"].(string)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// NodeID scopes an entity id to its document.
func NodeID(documentID, entityID string) string {
	return documentID + ":" + entityID
}

// EntityType returns the entity type label of n, or "" for non-entity nodes.
func (n Node) EntityType() string {
	isEntity := false
	typ := ""
	for _, l := range n.Labels {
		if l == LabelEntity {
			isEntity = true
		} else if typ == "" {
			typ = l
		}
	}
	if !isEntity {
		return ""
	}
	return typ
}

// Build converts one finished state into its document graph: a Document
// node, one node per entity, one relationship per relation and an APPEARS_IN
// edge from every entity to the document.
func Build(state *model.ExtractionState) Batch {
	docID := state.DocumentID
	doc := Node{
		ID:     docID,
		Labels: []string{LabelDocument},
		Properties: map[string]any{
			"document_id":   docID,
			"document_type": state.DocumentType,
			"source_path":   state.SourcePath,
			"blocks":        len(state.Blocks),
			"passes":        state.Passes,
		},
	}
	if state.QualityReport != nil {
		doc.Properties["quality_score"] = state.QualityReport.Score
		doc.Properties["quality_passed"] = state.QualityReport.Passed
	}

	b := Batch{Nodes: []Node{doc}}
	for _, id := range state.EntityIDs() {
		e := state.Entities[id]
		nodeID := NodeID(docID, id)
		b.Nodes = append(b.Nodes, entityNode(docID, nodeID, e))
		b.Relationships = append(b.Relationships, Relationship{
			Source:     nodeID,
			Target:     docID,
			Type:       RelAppearsIn,
			Properties: map[string]any{"document_id": docID, "mentions": len(e.Mentions)},
		})
	}
	for _, r := range state.SortedRelations() {
		props := map[string]any{
			"document_id": docID,
			"confidence":  r.Confidence,
		}
		if r.Evidence != "" {
			props["evidence"] = r.Evidence
		}
		if r.BlockID != "" {
			props["block_id"] = r.BlockID
		}
		b.Relationships = append(b.Relationships, Relationship{
			Source:     NodeID(docID, r.Subject),
			Target:     NodeID(docID, r.Object),
			Type:       r.Predicate,
			Properties: props,
		})
	}
	return b
}

func entityNode(docID, nodeID string, e *model.Entity) Node {
	mentions := append([]string{}, e.Names()[1:]...)
	blocks := make([]string, 0, len(e.Mentions))
	seenBlock := make(map[string]bool)
	for _, m := range e.Mentions {
		if m.BlockID != "" && !seenBlock[m.BlockID] {
			seenBlock[m.BlockID] = true
			blocks = append(blocks, m.BlockID)
		}
	}
	sort.Strings(blocks)

	props := map[string]any{
		"document_id": docID,
		"entity_id":   e.ID,
		"type":        e.Type,
		"name":        e.CanonicalName,
		"mentions":    mentions,
		"block_ids":   blocks,
	}
	for k, v := range e.Attributes {
		props[attrPrefix+k] = v
	}
	return Node{ID: nodeID, Labels: []string{LabelEntity, e.Type}, Properties: props}
}

// Merge concatenates batches. A node or relationship repeated across
// batches keeps its last occurrence.
func Merge(batches ...Batch) Batch {
	var out Batch
	nodeAt := make(map[string]int)
	relAt := make(map[string]int)
	for _, b := range batches {
		for _, n := range b.Nodes {
			if i, ok := nodeAt[n.ID]; ok {
				out.Nodes[i] = n
				continue
			}
			nodeAt[n.ID] = len(out.Nodes)
			out.Nodes = append(out.Nodes, n)
		}
		for _, r := range b.Relationships {
			if i, ok := relAt[r.Key()]; ok {
				out.Relationships[i] = r
				continue
			}
			relAt[r.Key()] = len(out.Relationships)
			out.Relationships = append(out.Relationships, r)
		}
	}
	return out
}

// Export is the JSON document written by the export command.
type Export struct {
	ExportTime    time.Time      `json:"exportTime"`
	Stats         map[string]int `json:"stats"`
	Nodes         []Node         `json:"nodes"`
	Relationships []Relationship `json:"relationships"`
}

// NewExport wraps b with per-entity-type node counts.
func NewExport(b Batch, now time.Time) Export {
	stats := make(map[string]int)
	for _, n := range b.Nodes {
		if typ := n.EntityType(); typ != "" {
			stats[typ]++
		}
	}
	nodes := b.Nodes
	if nodes == nil {
		nodes = []Node{}
	}
	rels := b.Relationships
	if rels == nil {
		rels = []Relationship{}
	}
	return Export{ExportTime: now.UTC(), Stats: stats, Nodes: nodes, Relationships: rels}
}

// WriteJSON writes e as indented JSON. Non-ASCII text is written as is.
func WriteJSON(w io.Writer, e Export) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(e), "graph: encode export")
}

// ValidLabel reports whether s can be spliced into a Cypher label or
// relationship type without quoting issues.
func ValidLabel(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return r != '_' && !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9')
	}) < 0
}
