// Package docparse splits legal document text into typed blocks using
// heading rules.
package docparse

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/legalkg/internal/model"
)

// maxHeadingRunes bounds how long a line may be and still count as a heading.
const maxHeadingRunes = 40

var sectionRules = []struct {
	typ     model.BlockType
	pattern *regexp.Regexp
}{
	{model.BlockClaim, regexp.MustCompile(`^【?(诉讼请求|原告诉称|诉讼请求内容).*?】?$`)},
	{model.BlockFact, regexp.MustCompile(`^【?(案件事实|事实经过|查明事实|经审理查明).*?】?$`)},
	{model.BlockDefense, regexp.MustCompile(`^【?(被告答辩|被告辩称|答辩意见).*?】?$`)},
	{model.BlockEvidence, regexp.MustCompile(`^【?(证据|证据认定|证据分析).*?】?$`)},
	{model.BlockReasoning, regexp.MustCompile(`^【?(判决理由|本院认为|理由).*?】?$`)},
	{model.BlockJudgment, regexp.MustCompile(`^【?(判决结果|判决如下|裁判结果|判决).*?】?$`)},
	{model.BlockProcedure, regexp.MustCompile(`^【?(审理经过|审理过程|诉讼过程).*?】?$`)},
	{model.BlockCost, regexp.MustCompile(`^【?(诉讼费用|费用承担).*?】?$`)},
	// Broadest prefixes last so 案件事实 and 审理经过 keep their specific types.
	{model.BlockCaseInfo, regexp.MustCompile(`^【?(案件|法院|当事人|审理|案号).*?】?$`)},
}

var hierarchyRules = []*regexp.Regexp{
	regexp.MustCompile(`^[一二三四五六七八九十]+、`),
	regexp.MustCompile(`^（[一二三四五六七八九十]+）`),
	regexp.MustCompile(`^[1-9]\d*[.、]`),
	regexp.MustCompile(`^\([1-9]\d*\)`),
}

// ClassifyHeading reports whether line is a section heading and its type.
// A leading hierarchy number such as "一、" is ignored for matching.
func ClassifyHeading(line string) (model.BlockType, bool) {
	line = strings.TrimSpace(line)
	if line == "" || utf8.RuneCountInString(line) > maxHeadingRunes {
		return model.BlockOther, false
	}
	stripped := line
	for _, re := range hierarchyRules {
		if loc := re.FindStringIndex(stripped); loc != nil {
			stripped = strings.TrimSpace(stripped[loc[1]:])
			break
		}
	}
	for _, rule := range sectionRules {
		if rule.pattern.MatchString(stripped) {
			return rule.typ, true
		}
	}
	return model.BlockOther, false
}

// HierarchyLevel returns 1-4 for numbered headings and 0 otherwise.
func HierarchyLevel(line string) int {
	line = strings.TrimSpace(line)
	for i, re := range hierarchyRules {
		if re.MatchString(line) {
			return i + 1
		}
	}
	return 0
}

type line struct {
	text       string
	start, end int
}

func splitLines(raw string) []line {
	var lines []line
	pos := 0
	for pos <= len(raw) {
		idx := strings.IndexByte(raw[pos:], '\n')
		end := len(raw)
		if idx >= 0 {
			end = pos + idx
		}
		lines = append(lines, line{text: strings.TrimSpace(raw[pos:end]), start: pos, end: end})
		if idx < 0 {
			break
		}
		pos = end + 1
	}
	return lines
}

type section struct {
	typ     model.BlockType
	title   string
	heading int // line index, -1 for the prelude
	first   int // first body line
	last    int // exclusive
}

// Parser converts raw text into blocks. Offsets are byte offsets into the
// text passed to Parse.
type Parser struct {
	// MaxBlockRunes splits a section's body at line boundaries once it
	// exceeds this many runes. Zero disables splitting.
	MaxBlockRunes int
}

// Parse returns the ordered blocks of raw. Text without any recognized
// heading yields a single OTHER block; empty text yields no blocks.
func (p Parser) Parse(raw string) []model.Block {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	lines := splitLines(raw)

	var sections []section
	for i, l := range lines {
		typ, ok := ClassifyHeading(l.text)
		if !ok {
			continue
		}
		if n := len(sections); n > 0 {
			sections[n-1].last = i
		}
		sections = append(sections, section{typ: typ, title: l.text, heading: i, first: i + 1, last: len(lines)})
	}

	if len(sections) == 0 {
		sections = []section{{typ: model.BlockOther, heading: -1, first: 0, last: len(lines)}}
	} else if hasContent(lines[:sections[0].heading]) {
		prelude := section{typ: model.BlockOther, title: "", heading: -1, first: 0, last: sections[0].heading}
		sections = append([]section{prelude}, sections...)
	}

	var blocks []model.Block
	counter := 0
	nextID := func() string {
		counter++
		return fmt.Sprintf("block_%04d", counter)
	}

	for si, sec := range sections {
		var secStart int
		if sec.heading >= 0 {
			secStart = lines[sec.heading].start
		} else {
			secStart = lines[sec.first].start
		}
		secEnd := len(raw)
		if si+1 < len(sections) {
			next := sections[si+1]
			if next.heading >= 0 {
				secEnd = lines[next.heading].start
			}
		}

		chunks := p.chunk(lines[sec.first:sec.last])
		if len(chunks) == 0 {
			chunks = [][]line{nil}
		}
		for ci, chunk := range chunks {
			b := model.Block{
				ID:          nextID(),
				Type:        sec.typ,
				Title:       sec.title,
				Content:     joinLines(chunk),
				StartOffset: secStart,
				EndOffset:   secEnd,
				Level:       HierarchyLevel(sec.title),
			}
			if ci > 0 {
				b.StartOffset = chunk[0].start
			}
			if ci+1 < len(chunks) {
				b.EndOffset = chunks[ci+1][0].start
			}
			if len(chunks) > 1 {
				b.Title = fmt.Sprintf("%s (%d/%d)", sec.title, ci+1, len(chunks))
			}
			blocks = append(blocks, b)
		}
	}

	assignParents(blocks)
	return blocks
}

func (p Parser) chunk(body []line) [][]line {
	if p.MaxBlockRunes <= 0 {
		if !hasContent(body) {
			return nil
		}
		return [][]line{body}
	}
	var (
		chunks  [][]line
		current []line
		size    int
	)
	for _, l := range body {
		n := utf8.RuneCountInString(l.text)
		if size > 0 && size+n > p.MaxBlockRunes {
			chunks = append(chunks, current)
			current, size = nil, 0
		}
		if len(current) == 0 && l.text == "" {
			continue
		}
		current = append(current, l)
		size += n
	}
	if hasContent(current) {
		chunks = append(chunks, current)
	}
	return chunks
}

func hasContent(lines []line) bool {
	for _, l := range lines {
		if l.text != "" {
			return true
		}
	}
	return false
}

// joinLines trims lines and collapses runs of blank lines into one.
func joinLines(lines []line) string {
	var b strings.Builder
	blank := false
	for _, l := range lines {
		if l.text == "" {
			blank = b.Len() > 0
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
			if blank {
				b.WriteByte('\n')
			}
		}
		blank = false
		b.WriteString(l.text)
	}
	return b.String()
}

// assignParents links numbered blocks to the closest preceding block with a
// lower level.
func assignParents(blocks []model.Block) {
	type frame struct {
		id    string
		level int
	}
	var stack []frame
	for i := range blocks {
		b := &blocks[i]
		if b.Level == 0 {
			continue
		}
		for len(stack) > 0 && stack[len(stack)-1].level >= b.Level {
			stack = stack[:len(stack)-1]
		}
		if len(stack) > 0 {
			b.ParentID = stack[len(stack)-1].id
		}
		stack = append(stack, frame{id: b.ID, level: b.Level})
	}
}

// DocumentType infers the document type from its blocks.
func DocumentType(blocks []model.Block) string {
	for _, b := range blocks {
		if b.Type == model.BlockJudgment || b.Type == model.BlockReasoning {
			return model.DocumentTypeJudgment
		}
	}
	return model.DocumentTypeGeneric
}
