package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"optguard/internal/pkg/jsonutil"
	"optguard/internal/pkg/text"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const (
	minDeferMinutes = 1
	maxDeferMinutes = 30
)

// Parser 对提供方原始输出做结构校验并转换为 Vote。
type Parser struct {
	schemas map[Kind]*jsonschema.Schema
}

type reply struct {
	Action       string   `json:"action"`
	Confidence   *float64 `json:"confidence"`
	Reason       string   `json:"reason"`
	Reasoning    string   `json:"reasoning"`
	DeferMinutes *float64 `json:"defer_minutes"`
}

func NewParser() (*Parser, error) {
	p := &Parser{schemas: make(map[Kind]*jsonschema.Schema, len(kindActions))}
	for kind, actions := range kindActions {
		schema, err := compileReplySchema(kind, actions)
		if err != nil {
			return nil, fmt.Errorf("compile %s reply schema: %w", kind, err)
		}
		p.schemas[kind] = schema
	}
	return p, nil
}

func compileReplySchema(kind Kind, actions []Action) (*jsonschema.Schema, error) {
	enum := make([]string, 0, len(actions))
	for _, a := range actions {
		enum = append(enum, string(a))
	}
	doc := map[string]any{
		"type":     "object",
		"required": []string{"action"},
		"properties": map[string]any{
			"action":        map[string]any{"type": "string", "enum": enum},
			"confidence":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"reason":        map[string]any{"type": "string"},
			"reasoning":     map[string]any{"type": "string"},
			"defer_minutes": map[string]any{"type": "number"},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("reply_%s.json", kind)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Parse 失败时返回包装了 ErrMalformedResponse 的错误。
func (p *Parser) Parse(kind Kind, raw string) (Vote, error) {
	schema, ok := p.schemas[kind]
	if !ok {
		return Vote{}, fmt.Errorf("unknown decision kind %q", kind)
	}
	obj, ok := jsonutil.ExtractObject(raw)
	if !ok {
		return Vote{}, malformed("no JSON object in reply: %q", text.Truncate(raw, 120))
	}
	if !gjson.Valid(obj) {
		return Vote{}, malformed("invalid JSON: %q", text.Truncate(obj, 120))
	}
	root := gjson.Parse(obj)
	if !root.IsObject() {
		return Vote{}, malformed("root must be an object")
	}
	if act := root.Get("action"); !act.Exists() || act.Type != gjson.String {
		return Vote{}, malformed("missing string field action")
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		return Vote{}, malformed("decode: %v", err)
	}
	normalizeReply(doc)
	if err := schema.Validate(doc); err != nil {
		return Vote{}, malformed("schema: %v", err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return Vote{}, malformed("re-encode: %v", err)
	}
	var r reply
	if err := json.Unmarshal(normalized, &r); err != nil {
		return Vote{}, malformed("decode reply: %v", err)
	}
	v := Vote{
		Action:     Action(r.Action),
		Confidence: r.Confidence,
		Reason:     strings.TrimSpace(r.Reason),
	}
	if v.Reason == "" {
		v.Reason = strings.TrimSpace(r.Reasoning)
	}
	if r.DeferMinutes != nil {
		d := clampDefer(*r.DeferMinutes)
		v.DeferMinutes = &d
	}
	return v, nil
}

// normalizeReply 兼容常见的模型输出偏差：小写动作、字符串或百分比置信度。
func normalizeReply(doc map[string]any) {
	if s, ok := doc["action"].(string); ok {
		doc["action"] = strings.ToUpper(strings.TrimSpace(s))
	}
	switch c := doc["confidence"].(type) {
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(c), "%")
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			doc["confidence"] = percentToUnit(f)
		}
	case float64:
		doc["confidence"] = percentToUnit(c)
	case nil:
		delete(doc, "confidence")
	}
	if s, ok := doc["defer_minutes"].(string); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			doc["defer_minutes"] = f
		}
	}
	if doc["defer_minutes"] == nil {
		delete(doc, "defer_minutes")
	}
}

func percentToUnit(f float64) float64 {
	if f > 1 && f <= 100 {
		return f / 100
	}
	return f
}

func clampDefer(f float64) int {
	d := int(math.Round(f))
	if d < minDeferMinutes {
		return minDeferMinutes
	}
	if d > maxDeferMinutes {
		return maxDeferMinutes
	}
	return d
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
