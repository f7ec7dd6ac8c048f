package textgen

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ParseJSON recovers a JSON document from model output. It accepts bare
// JSON, JSON inside a markdown fence, and JSON surrounded by prose.
func ParseJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, eris.New("empty output")
	}

	candidates := []string{content}
	if stripped := stripFences(content); stripped != "" {
		candidates = append(candidates, stripped)
	}
	if extracted := extractCandidate(content); extracted != "" {
		candidates = append(candidates, extracted)
	}

	for _, c := range candidates {
		var v any
		if err := json.Unmarshal([]byte(c), &v); err == nil {
			out, err := json.Marshal(v)
			if err != nil {
				return nil, eris.Wrap(err, "normalize output")
			}
			return out, nil
		}
	}
	return nil, eris.New("output is not valid JSON")
}

func stripFences(content string) string {
	if !strings.HasPrefix(content, "```") {
		return ""
	}
	lines := strings.Split(content, "\n")
	if len(lines) < 2 {
		return ""
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// extractCandidate returns the span from the first opening brace or bracket
// to the last matching closer.
func extractCandidate(content string) string {
	obj := strings.Index(content, "{")
	arr := strings.Index(content, "[")

	start, closer := -1, ""
	switch {
	case obj >= 0 && (arr < 0 || obj < arr):
		start, closer = obj, "}"
	case arr >= 0:
		start, closer = arr, "]"
	default:
		return ""
	}
	end := strings.LastIndex(content, closer)
	if end < start {
		return ""
	}
	return strings.TrimSpace(content[start : end+1])
}

// validators caches compiled schemas by their source text. Stages reuse a
// handful of fixed schemas for every call.
var validators sync.Map

func compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if v, ok := validators.Load(key); ok {
		return v.(*jsonschema.Schema), nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("response.json", bytes.NewReader(schema)); err != nil {
		return nil, eris.Wrap(err, "textgen: load response schema")
	}
	compiled, err := c.Compile("response.json")
	if err != nil {
		return nil, eris.Wrap(err, "textgen: compile response schema")
	}
	validators.Store(key, compiled)
	return compiled, nil
}

// Validate checks doc against schema. An empty schema accepts anything.
func Validate(schema, doc json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compile(schema)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return eris.Wrap(err, "decode output")
	}
	return compiled.Validate(v)
}

// Empty builds the smallest document that satisfies the common shape of an
// object schema: every required property set to the zero value of its
// declared type. The stub provider answers with it.
func Empty(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return json.RawMessage(`{}`)
	}
	var root map[string]any
	if err := json.Unmarshal(schema, &root); err != nil {
		return json.RawMessage(`{}`)
	}
	out, err := json.Marshal(zeroFor(root))
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}

func zeroFor(node map[string]any) any {
	typ, _ := node["type"].(string)
	switch typ {
	case "array":
		return []any{}
	case "string":
		if enum, ok := node["enum"].([]any); ok && len(enum) > 0 {
			return enum[0]
		}
		return ""
	case "number", "integer":
		if minimum, ok := node["minimum"].(float64); ok {
			return minimum
		}
		return 0
	case "boolean":
		return false
	case "null":
		return nil
	}

	obj := map[string]any{}
	props, _ := node["properties"].(map[string]any)
	required, _ := node["required"].([]any)
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if sub, ok := props[name].(map[string]any); ok {
			obj[name] = zeroFor(sub)
		} else {
			obj[name] = nil
		}
	}
	return obj
}
