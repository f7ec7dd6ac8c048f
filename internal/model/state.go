package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// BlockType classifies a document block.
type BlockType string

const (
	BlockCaseInfo  BlockType = "CASE_INFO"
	BlockClaim     BlockType = "CLAIM"
	BlockFact      BlockType = "FACT"
	BlockDefense   BlockType = "DEFENSE"
	BlockEvidence  BlockType = "EVIDENCE"
	BlockReasoning BlockType = "REASONING"
	BlockJudgment  BlockType = "JUDGMENT"
	BlockProcedure BlockType = "PROCEDURE"
	BlockCost      BlockType = "COST"
	BlockOther     BlockType = "OTHER"
)

// Document types drive the required entity types of the quality gate.
const (
	DocumentTypeJudgment = "judgment"
	DocumentTypeGeneric  = "generic"
)

// Block is a contiguous, typed span of the source text.
type Block struct {
	ID          string    `json:"block_id"`
	Type        BlockType `json:"block_type"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	Level       int       `json:"level"`
	ParentID    string    `json:"parent_id,omitempty"`
}

// Mention is one occurrence of an entity in a block.
type Mention struct {
	Surface string `json:"surface"`
	BlockID string `json:"block_id"`
}

// Entity is a typed, canonicalized participant of the document.
type Entity struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	CanonicalName string            `json:"canonical_name"`
	Mentions      []Mention         `json:"mentions"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Names returns the canonical name followed by every distinct mention surface.
func (e *Entity) Names() []string {
	seen := map[string]bool{e.CanonicalName: true}
	names := []string{e.CanonicalName}
	for _, m := range e.Mentions {
		if !seen[m.Surface] {
			seen[m.Surface] = true
			names = append(names, m.Surface)
		}
	}
	return names
}

// AddMention appends m unless the (surface, block) pair is already present.
func (e *Entity) AddMention(m Mention) bool {
	for _, existing := range e.Mentions {
		if existing == m {
			return false
		}
	}
	e.Mentions = append(e.Mentions, m)
	return true
}

func (e *Entity) clone() *Entity {
	c := *e
	c.Mentions = append([]Mention(nil), e.Mentions...)
	if e.Attributes != nil {
		c.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// RelationKey identifies a relation. At most one relation exists per key.
type RelationKey struct {
	Subject   string
	Predicate string
	Object    string
}

func (k RelationKey) String() string {
	return k.Subject + "|" + k.Predicate + "|" + k.Object
}

// MarshalText lets RelationKey be used as a JSON object key.
func (k RelationKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the "subject|predicate|object" form.
func (k *RelationKey) UnmarshalText(b []byte) error {
	parts := strings.SplitN(string(b), "|", 3)
	if len(parts) != 3 {
		return eris.Errorf("model: invalid relation key %q", string(b))
	}
	k.Subject, k.Predicate, k.Object = parts[0], parts[1], parts[2]
	return nil
}

// Relation is a directed, typed edge between two entities.
type Relation struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Evidence   string  `json:"evidence_span,omitempty"`
	BlockID    string  `json:"block_id,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Key returns the deduplication key of r.
func (r Relation) Key() RelationKey {
	return RelationKey{Subject: r.Subject, Predicate: r.Predicate, Object: r.Object}
}

// HistoryEntry records one stage execution.
type HistoryEntry struct {
	Stage            StageID `json:"stage"`
	EnteredAtAttempt int     `json:"entered_at_attempt"`
	OutcomeSummary   string  `json:"outcome_summary"`
	DurationMs       int64   `json:"duration_ms"`
}

// SchemaStats counts relations checked and accepted by relation normalization.
type SchemaStats struct {
	Checked int `json:"checked"`
	Passed  int `json:"passed"`
}

// TokenUsage tracks text-generation token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ExtractionState is the single value threaded through every stage of a
// document run. It is owned by one orchestrator run at a time.
type ExtractionState struct {
	DocumentID     string                    `json:"document_id"`
	SourcePath     string                    `json:"source_path,omitempty"`
	DocumentType   string                    `json:"document_type,omitempty"`
	RawText        string                    `json:"-"`
	Blocks         []Block                   `json:"document_blocks"`
	Entities       map[string]*Entity        `json:"entities"`
	Relations      map[RelationKey]*Relation `json:"relations"`
	QualityReport  *QualityReport            `json:"quality_report,omitempty"`
	PendingIssues  []Issue                   `json:"pending_issues,omitempty"`
	SchemaStats    SchemaStats               `json:"schema_stats"`
	BacktrackCount map[StageID]int           `json:"backtrack_counts"`
	History        []HistoryEntry            `json:"history"`
	Usage          TokenUsage                `json:"usage"`
	Passes         int                       `json:"passes"`

	nextID map[string]int
}

// NewExtractionState returns an empty state for one document.
func NewExtractionState(documentID, rawText string) *ExtractionState {
	return &ExtractionState{
		DocumentID:     documentID,
		RawText:        rawText,
		Entities:       make(map[string]*Entity),
		Relations:      make(map[RelationKey]*Relation),
		BacktrackCount: make(map[StageID]int),
		nextID:         make(map[string]int),
	}
}

// Clone returns a deep copy. Stages run against a clone so a failed stage
// leaves the caller's state untouched.
func (s *ExtractionState) Clone() *ExtractionState {
	c := *s
	c.Blocks = append([]Block(nil), s.Blocks...)
	c.Entities = make(map[string]*Entity, len(s.Entities))
	for id, e := range s.Entities {
		c.Entities[id] = e.clone()
	}
	c.Relations = make(map[RelationKey]*Relation, len(s.Relations))
	for k, r := range s.Relations {
		rel := *r
		c.Relations[k] = &rel
	}
	if s.QualityReport != nil {
		rep := *s.QualityReport
		rep.Issues = append([]Issue(nil), s.QualityReport.Issues...)
		if s.QualityReport.Signals != nil {
			rep.Signals = make(map[string]float64, len(s.QualityReport.Signals))
			for k, v := range s.QualityReport.Signals {
				rep.Signals[k] = v
			}
		}
		c.QualityReport = &rep
	}
	c.PendingIssues = append([]Issue(nil), s.PendingIssues...)
	c.BacktrackCount = make(map[StageID]int, len(s.BacktrackCount))
	for k, v := range s.BacktrackCount {
		c.BacktrackCount[k] = v
	}
	c.History = append([]HistoryEntry(nil), s.History...)
	c.nextID = make(map[string]int, len(s.nextID))
	for k, v := range s.nextID {
		c.nextID[k] = v
	}
	return &c
}

// Block returns the block with the given id.
func (s *ExtractionState) Block(id string) (Block, bool) {
	for _, b := range s.Blocks {
		if b.ID == id {
			return b, true
		}
	}
	return Block{}, false
}

// EntityIDs returns entity ids in lexical order.
func (s *ExtractionState) EntityIDs() []string {
	ids := make([]string, 0, len(s.Entities))
	for id := range s.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SortedRelations returns relations ordered by key.
func (s *ExtractionState) SortedRelations() []*Relation {
	rels := make([]*Relation, 0, len(s.Relations))
	for _, r := range s.Relations {
		rels = append(rels, r)
	}
	sort.Slice(rels, func(i, j int) bool {
		return rels[i].Key().String() < rels[j].Key().String()
	})
	return rels
}

// EntityTypeCounts returns the number of entities per type.
func (s *ExtractionState) EntityTypeCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range s.Entities {
		counts[e.Type]++
	}
	return counts
}

// NameKey folds a name for identity comparison.
func NameKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// FindEntity returns the id of an entity of typ whose canonical name or any
// mention matches name.
func (s *ExtractionState) FindEntity(typ, name string) (string, bool) {
	key := NameKey(name)
	if key == "" {
		return "", false
	}
	for _, id := range s.EntityIDs() {
		e := s.Entities[id]
		if e.Type != typ {
			continue
		}
		for _, n := range e.Names() {
			if NameKey(n) == key {
				return id, true
			}
		}
	}
	return "", false
}

// UpsertEntity merges a recognized mention into the state. An existing entity
// of the same type and name absorbs it; otherwise a new id is allocated.
// Re-running recognition over the same text therefore never duplicates.
func (s *ExtractionState) UpsertEntity(typ, name string, m Mention, attrs map[string]string) string {
	if id, ok := s.FindEntity(typ, name); ok {
		e := s.Entities[id]
		e.AddMention(m)
		for k, v := range attrs {
			if e.Attributes == nil {
				e.Attributes = make(map[string]string)
			}
			if _, exists := e.Attributes[k]; !exists {
				e.Attributes[k] = v
			}
		}
		return id
	}

	id := s.allocateID(typ)
	e := &Entity{ID: id, Type: typ, CanonicalName: strings.TrimSpace(name)}
	e.AddMention(m)
	if len(attrs) > 0 {
		e.Attributes = make(map[string]string, len(attrs))
		for k, v := range attrs {
			e.Attributes[k] = v
		}
	}
	s.Entities[id] = e
	return id
}

func (s *ExtractionState) allocateID(typ string) string {
	if s.nextID == nil {
		s.nextID = make(map[string]int)
	}
	prefix := strings.ToLower(typ)
	for {
		n := s.nextID[prefix]
		s.nextID[prefix] = n + 1
		id := fmt.Sprintf("%s_%03d", prefix, n)
		if _, taken := s.Entities[id]; !taken {
			return id
		}
	}
}

// ErrUnknownEntity is returned when a relation references a missing entity.
var ErrUnknownEntity = eris.New("model: unknown entity")

// AddRelation inserts r, or folds it into the relation with the same key by
// keeping the higher confidence. It reports whether a new key was added.
func (s *ExtractionState) AddRelation(r Relation) (bool, error) {
	if _, ok := s.Entities[r.Subject]; !ok {
		return false, eris.Wrapf(ErrUnknownEntity, "subject %q", r.Subject)
	}
	if _, ok := s.Entities[r.Object]; !ok {
		return false, eris.Wrapf(ErrUnknownEntity, "object %q", r.Object)
	}
	return s.foldRelation(r), nil
}

func (s *ExtractionState) foldRelation(r Relation) bool {
	key := r.Key()
	if existing, ok := s.Relations[key]; ok {
		if r.Confidence > existing.Confidence {
			existing.Confidence = r.Confidence
			if r.Evidence != "" {
				existing.Evidence = r.Evidence
				existing.BlockID = r.BlockID
			}
		}
		if existing.Evidence == "" {
			existing.Evidence = r.Evidence
			existing.BlockID = r.BlockID
		}
		return false
	}
	rel := r
	s.Relations[key] = &rel
	return true
}

// ReplaceRelations rebuilds the relation set from rels, re-deduplicating by key.
func (s *ExtractionState) ReplaceRelations(rels []Relation) {
	s.Relations = make(map[RelationKey]*Relation, len(rels))
	for _, r := range rels {
		s.foldRelation(r)
	}
}

// MergeEntities folds entity from into entity into. Mentions and missing
// attributes move across, and every relation endpoint naming from is
// rewritten in the same call so no relation ever references a removed id.
// Relations that become self-loops are dropped.
func (s *ExtractionState) MergeEntities(into, from string) error {
	if into == from {
		return eris.Errorf("model: cannot merge entity %q into itself", into)
	}
	dst, ok := s.Entities[into]
	if !ok {
		return eris.Wrapf(ErrUnknownEntity, "merge target %q", into)
	}
	src, ok := s.Entities[from]
	if !ok {
		return eris.Wrapf(ErrUnknownEntity, "merge source %q", from)
	}

	if src.CanonicalName != dst.CanonicalName {
		dst.AddMention(Mention{Surface: src.CanonicalName, BlockID: firstBlock(src)})
	}
	for _, m := range src.Mentions {
		dst.AddMention(m)
	}
	for k, v := range src.Attributes {
		if dst.Attributes == nil {
			dst.Attributes = make(map[string]string)
		}
		if _, exists := dst.Attributes[k]; !exists {
			dst.Attributes[k] = v
		}
	}
	delete(s.Entities, from)

	old := s.Relations
	s.Relations = make(map[RelationKey]*Relation, len(old))
	for _, r := range sortedRelationValues(old) {
		rel := *r
		if rel.Subject == from {
			rel.Subject = into
		}
		if rel.Object == from {
			rel.Object = into
		}
		if rel.Subject == rel.Object {
			continue
		}
		s.foldRelation(rel)
	}
	return nil
}

func firstBlock(e *Entity) string {
	if len(e.Mentions) == 0 {
		return ""
	}
	return e.Mentions[0].BlockID
}

func sortedRelationValues(m map[RelationKey]*Relation) []*Relation {
	rels := make([]*Relation, 0, len(m))
	for _, r := range m {
		rels = append(rels, r)
	}
	sort.Slice(rels, func(i, j int) bool {
		return rels[i].Key().String() < rels[j].Key().String()
	})
	return rels
}

// DanglingRelations returns keys of relations whose endpoints are missing.
func (s *ExtractionState) DanglingRelations() []RelationKey {
	var keys []RelationKey
	for _, r := range sortedRelationValues(s.Relations) {
		_, okS := s.Entities[r.Subject]
		_, okO := s.Entities[r.Object]
		if !okS || !okO {
			keys = append(keys, r.Key())
		}
	}
	return keys
}

// RecordBacktrack increments the counter for stage. Counters never decrease.
func (s *ExtractionState) RecordBacktrack(stage StageID) int {
	if s.BacktrackCount == nil {
		s.BacktrackCount = make(map[StageID]int)
	}
	s.BacktrackCount[stage]++
	return s.BacktrackCount[stage]
}

// TotalBacktracks sums all backtrack counters.
func (s *ExtractionState) TotalBacktracks() int {
	total := 0
	for _, n := range s.BacktrackCount {
		total += n
	}
	return total
}

// AppendHistory records a stage execution.
func (s *ExtractionState) AppendHistory(entry HistoryEntry) {
	s.History = append(s.History, entry)
}

// AddIssues queues issues for the next quality check.
func (s *ExtractionState) AddIssues(issues ...Issue) {
	s.PendingIssues = append(s.PendingIssues, issues...)
}

// DrainIssues returns and clears the pending issues.
func (s *ExtractionState) DrainIssues() []Issue {
	issues := s.PendingIssues
	s.PendingIssues = nil
	return issues
}
