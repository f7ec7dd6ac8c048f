// Package normalize canonicalizes entity names and clusters aliases of the
// same entity.
package normalize

import (
	_ "embed"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/legalkg/internal/model"
)

//go:embed dictionary.yaml
var defaultDictionary []byte

// Entry is one canonical name and its aliases.
type Entry struct {
	Canonical string   `yaml:"canonical"`
	Type      string   `yaml:"type"`
	Aliases   []string `yaml:"aliases"`
}

// Dictionary maps aliases to canonical names.
type Dictionary struct {
	Entries []Entry `yaml:"entries"`

	lookup map[string]string
}

// DefaultDictionary returns the embedded alias dictionary.
func DefaultDictionary() *Dictionary {
	d, err := ParseDictionary(defaultDictionary)
	if err != nil {
		panic("normalize: embedded dictionary is invalid: " + err.Error())
	}
	return d
}

// LoadDictionary reads a dictionary from path, or returns the embedded one
// when path is empty.
func LoadDictionary(path string) (*Dictionary, error) {
	if path == "" {
		return DefaultDictionary(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: read dictionary %s", path)
	}
	return ParseDictionary(data)
}

// ParseDictionary decodes a YAML dictionary.
func ParseDictionary(data []byte) (*Dictionary, error) {
	var d Dictionary
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, eris.Wrap(err, "normalize: decode dictionary")
	}
	d.lookup = make(map[string]string)
	for _, e := range d.Entries {
		if e.Canonical == "" {
			return nil, eris.New("normalize: dictionary entry without canonical name")
		}
		d.lookup[Fold(e.Canonical)] = e.Canonical
		for _, a := range e.Aliases {
			d.lookup[Fold(a)] = e.Canonical
		}
	}
	return &d, nil
}

// Canonical returns the dictionary canonical name for name.
func (d *Dictionary) Canonical(name string) (string, bool) {
	if d == nil {
		return "", false
	}
	c, ok := d.lookup[Fold(name)]
	return c, ok
}

var (
	spaceRe = regexp.MustCompile(`\s+`)

	// Suffixes that do not change which organization a name refers to.
	orgSuffixes = []string{"股份有限公司", "有限责任公司", "有限公司", " co., ltd.", " co., ltd", " ltd.", " ltd", " inc.", " inc", " llc"}
)

// Fold standardizes a name for comparison: NFKC, full-width to half-width,
// lower case, collapsed whitespace, trimmed quote marks.
func Fold(name string) string {
	name = norm.NFKC.String(name)
	name = width.Fold.String(name)
	name = strings.ToLower(strings.TrimSpace(name))
	name = spaceRe.ReplaceAllString(name, " ")
	return strings.Trim(name, "《》\"'“”‘’")
}

// Key folds a name and strips organization suffixes.
func Key(name string) string {
	k := Fold(name)
	for _, suffix := range orgSuffixes {
		if strings.HasSuffix(k, suffix) && len(k) > len(suffix) {
			return strings.TrimSpace(strings.TrimSuffix(k, suffix))
		}
	}
	return k
}

// Similarity scores two names in [0,1]. Containment of a name of at least
// two characters scores 0.9; otherwise character-bigram Jaccard similarity.
func Similarity(a, b string) float64 {
	ka, kb := Key(a), Key(b)
	if ka == "" || kb == "" {
		return 0
	}
	if ka == kb {
		return 1
	}
	shorter, longer := ka, kb
	if utf8.RuneCountInString(shorter) > utf8.RuneCountInString(longer) {
		shorter, longer = longer, shorter
	}
	if utf8.RuneCountInString(shorter) >= 2 && strings.Contains(longer, shorter) {
		return 0.9
	}
	return jaccard(bigrams(ka), bigrams(kb))
}

func bigrams(s string) map[string]bool {
	var runes []rune
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		runes = append(runes, r)
	}
	set := make(map[string]bool)
	if len(runes) == 1 {
		set[string(runes)] = true
	}
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for g := range a {
		if b[g] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// Cluster is a group of same-type entities that refer to one thing.
type Cluster struct {
	Type      string
	IDs       []string // sorted; IDs[0] is the survivor
	Canonical string
}

// Normalizer clusters entities by dictionary and name similarity.
type Normalizer struct {
	Dict      *Dictionary
	Threshold float64
}

// New returns a Normalizer with the given dictionary and threshold.
func New(dict *Dictionary, threshold float64) *Normalizer {
	if threshold <= 0 {
		threshold = 0.6
	}
	return &Normalizer{Dict: dict, Threshold: threshold}
}

// nameSimilarity compares two names. Names that both resolve to dictionary
// entries score 0.95 when the entries agree and 0 otherwise.
func (n *Normalizer) nameSimilarity(a, b string) float64 {
	ca, okA := n.Dict.Canonical(a)
	cb, okB := n.Dict.Canonical(b)
	if okA && okB {
		if ca == cb {
			return 0.95
		}
		return 0
	}
	return Similarity(a, b)
}

// names returns every name e is known by together with the dictionary
// canonical form of each. A merged entity is never known by a name outside
// the union of its members' names, which keeps clustering a fixed point.
func (n *Normalizer) names(e *model.Entity) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range e.Names() {
		add(name)
		if c, ok := n.Dict.Canonical(name); ok {
			add(c)
		}
	}
	return out
}

// EntitySimilarity is the best similarity between any name of a and any
// name of b. Entities of different types score 0.
func (n *Normalizer) EntitySimilarity(a, b *model.Entity) float64 {
	if a.Type != b.Type {
		return 0
	}
	return n.bestPair(n.names(a), n.names(b))
}

func (n *Normalizer) bestPair(as, bs []string) float64 {
	best := 0.0
	for _, x := range as {
		for _, y := range bs {
			if s := n.nameSimilarity(x, y); s > best {
				best = s
			}
		}
	}
	return best
}

// Cluster groups same-type entities into the transitive closure of the
// similarity relation, so running it again on merged entities finds nothing
// new. Clusters are ordered by their smallest id and the canonical name is
// chosen over the whole cluster.
func (n *Normalizer) Cluster(entities map[string]*model.Entity) []Cluster {
	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	names := make(map[string][]string, len(ids))
	parent := make(map[string]string, len(ids))
	for _, id := range ids {
		names[id] = n.names(entities[id])
		parent[id] = id
	}
	find := func(id string) string {
		for parent[id] != id {
			parent[id] = parent[parent[id]]
			id = parent[id]
		}
		return id
	}

	for i, a := range ids {
		for _, b := range ids[i+1:] {
			if entities[a].Type != entities[b].Type {
				continue
			}
			ra, rb := find(a), find(b)
			if ra == rb {
				continue
			}
			if n.bestPair(names[a], names[b]) < n.Threshold {
				continue
			}
			if ra < rb {
				parent[rb] = ra
			} else {
				parent[ra] = rb
			}
		}
	}

	members := make(map[string][]string)
	var roots []string
	for _, id := range ids {
		r := find(id)
		if _, ok := members[r]; !ok {
			roots = append(roots, r)
		}
		members[r] = append(members[r], id)
	}

	clusters := make([]Cluster, 0, len(roots))
	for _, r := range roots {
		clusters = append(clusters, Cluster{
			Type:      entities[r].Type,
			IDs:       members[r],
			Canonical: n.representative(entities, members[r]),
		})
	}
	return clusters
}

// representative picks the longest name, replaced by its dictionary
// canonical form when it has one.
func (n *Normalizer) representative(entities map[string]*model.Entity, ids []string) string {
	best := ""
	for _, id := range ids {
		for _, name := range entities[id].Names() {
			ln, lb := utf8.RuneCountInString(name), utf8.RuneCountInString(best)
			if ln > lb || (ln == lb && name < best) {
				best = name
			}
		}
	}
	if c, ok := n.Dict.Canonical(best); ok {
		return c
	}
	return best
}
