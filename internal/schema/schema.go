// Package schema holds the legal entity taxonomy and relation schema.
package schema

import (
	_ "embed"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// EntityType is one supported entity type.
type EntityType struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Aliases     []string `yaml:"aliases"`
}

// Predicate is one supported relation predicate and its allowed endpoint types.
type Predicate struct {
	Name    string   `yaml:"name"`
	Subject string   `yaml:"subject"`
	Object  string   `yaml:"object"`
	Aliases []string `yaml:"aliases"`
}

// Schema is the loaded taxonomy with lookup indexes.
type Schema struct {
	EntityTypes   []EntityType        `yaml:"entity_types"`
	Predicates    []Predicate         `yaml:"predicates"`
	RequiredTypes map[string][]string `yaml:"required_types"`

	typeIndex      map[string]string
	predicateIndex map[string]Predicate
	aliasIndex     map[string]string
	aliasOrder     []string
}

// Default returns the embedded legal schema.
func Default() *Schema {
	s, err := Parse(defaultYAML)
	if err != nil {
		panic("schema: embedded default is invalid: " + err.Error())
	}
	return s
}

// Load reads a schema from path, or returns the embedded default when path is empty.
func Load(path string) (*Schema, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "schema: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and indexes a YAML schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "schema: decode yaml")
	}
	if len(s.EntityTypes) == 0 {
		return nil, eris.New("schema: no entity types defined")
	}
	if err := s.index(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) index() error {
	s.typeIndex = make(map[string]string)
	for _, t := range s.EntityTypes {
		s.typeIndex[strings.ToLower(t.Name)] = t.Name
		for _, a := range t.Aliases {
			s.typeIndex[strings.ToLower(a)] = t.Name
		}
	}

	s.predicateIndex = make(map[string]Predicate)
	s.aliasIndex = make(map[string]string)
	for _, p := range s.Predicates {
		if _, ok := s.typeIndex[strings.ToLower(p.Subject)]; !ok {
			return eris.Errorf("schema: predicate %s has unknown subject type %s", p.Name, p.Subject)
		}
		if _, ok := s.typeIndex[strings.ToLower(p.Object)]; !ok {
			return eris.Errorf("schema: predicate %s has unknown object type %s", p.Name, p.Object)
		}
		s.predicateIndex[p.Name] = p
		for _, a := range p.Aliases {
			s.aliasIndex[a] = p.Name
			s.aliasOrder = append(s.aliasOrder, a)
		}
	}
	// Longer aliases win substring matching.
	sort.SliceStable(s.aliasOrder, func(i, j int) bool {
		return len(s.aliasOrder[i]) > len(s.aliasOrder[j])
	})

	for docType, types := range s.RequiredTypes {
		for _, t := range types {
			if _, ok := s.typeIndex[strings.ToLower(t)]; !ok {
				return eris.Errorf("schema: required type %s for %s is not defined", t, docType)
			}
		}
	}
	return nil
}

// NormalizeEntityType maps a raw type label to a supported type name.
func (s *Schema) NormalizeEntityType(raw string) (string, bool) {
	name, ok := s.typeIndex[strings.ToLower(strings.TrimSpace(raw))]
	return name, ok
}

// EntityTypeNames returns the supported type names in declaration order.
func (s *Schema) EntityTypeNames() []string {
	names := make([]string, len(s.EntityTypes))
	for i, t := range s.EntityTypes {
		names[i] = t.Name
	}
	return names
}

// PredicateNames returns the supported predicate names in declaration order.
func (s *Schema) PredicateNames() []string {
	names := make([]string, len(s.Predicates))
	for i, p := range s.Predicates {
		names[i] = p.Name
	}
	return names
}

// Predicate returns the definition of a canonical predicate.
func (s *Schema) Predicate(name string) (Predicate, bool) {
	p, ok := s.predicateIndex[name]
	return p, ok
}

// CanonicalPredicate resolves raw to a schema predicate: canonical names and
// exact aliases first, then substring matching against aliases.
func (s *Schema) CanonicalPredicate(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if _, ok := s.predicateIndex[raw]; ok {
		return raw, true
	}
	if lower := strings.ToLower(raw); lower != raw {
		if _, ok := s.predicateIndex[lower]; ok {
			return lower, true
		}
	}
	if name, ok := s.aliasIndex[raw]; ok {
		return name, true
	}
	reverse := utf8.RuneCountInString(raw) >= 2
	for _, alias := range s.aliasOrder {
		if strings.Contains(raw, alias) || (reverse && strings.Contains(alias, raw)) {
			return s.aliasIndex[alias], true
		}
	}
	return "", false
}

// Allows reports whether predicate may connect subjectType to objectType.
func (s *Schema) Allows(predicate, subjectType, objectType string) bool {
	p, ok := s.predicateIndex[predicate]
	if !ok {
		return false
	}
	return p.Subject == subjectType && p.Object == objectType
}

// Required returns the entity types a document of docType must contain.
func (s *Schema) Required(docType string) []string {
	if types, ok := s.RequiredTypes[docType]; ok {
		return types
	}
	return s.RequiredTypes["generic"]
}
