package decision

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"optguard/internal/gateway/provider"

	"gopkg.in/yaml.v3"
)

//go:embed prompts_default.yaml
var defaultPromptsYAML []byte

// PromptTemplate 是单类决策的系统提示与输出格式说明。
type PromptTemplate struct {
	System         string `yaml:"system"`
	ResponseFormat string `yaml:"response_format"`
}

// PromptSet 按决策类型保存提示模板。
type PromptSet struct {
	Exit     PromptTemplate    `yaml:"exit"`
	Entry    PromptTemplate    `yaml:"entry"`
	Trade    PromptTemplate    `yaml:"trade"`
	ExitBias map[string]string `yaml:"exit_bias"`
}

// LoadPrompts 读取提示文件；path 为空时使用内置模板，文件中缺失的段落沿用内置内容。
func LoadPrompts(path string) (*PromptSet, error) {
	base, err := decodePrompts(defaultPromptsYAML)
	if err != nil {
		return nil, fmt.Errorf("parse built-in prompts: %w", err)
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return base, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return nil, fmt.Errorf("read prompts failed: %w", err)
	}
	override, err := decodePrompts(raw)
	if err != nil {
		return nil, fmt.Errorf("parse prompts failed (%s): %w", path, err)
	}
	base.merge(override)
	return base, nil
}

func decodePrompts(raw []byte) (*PromptSet, error) {
	var set PromptSet
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&set); err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *PromptSet) merge(o *PromptSet) {
	mergeTemplate(&s.Exit, o.Exit)
	mergeTemplate(&s.Entry, o.Entry)
	mergeTemplate(&s.Trade, o.Trade)
	if s.ExitBias == nil {
		s.ExitBias = map[string]string{}
	}
	for k, v := range o.ExitBias {
		s.ExitBias[k] = v
	}
}

func mergeTemplate(dst *PromptTemplate, src PromptTemplate) {
	if strings.TrimSpace(src.System) != "" {
		dst.System = src.System
	}
	if strings.TrimSpace(src.ResponseFormat) != "" {
		dst.ResponseFormat = src.ResponseFormat
	}
}

func (s *PromptSet) template(kind Kind) PromptTemplate {
	switch kind {
	case KindExit:
		return s.Exit
	case KindEntry:
		return s.Entry
	default:
		return s.Trade
	}
}

// Build 渲染一次请求；encoding/json 按键排序输出 map，同一输入得到同一提示。
func (s *PromptSet) Build(p Payload, exitBias string) (provider.ChatPayload, error) {
	tpl := s.template(p.Kind)
	system := strings.TrimSpace(tpl.System)
	if p.Kind == KindExit {
		if bias := strings.TrimSpace(s.ExitBias[exitBias]); bias != "" {
			system += "\n" + bias
		}
	}
	ctxJSON, err := renderContext(p.Context)
	if err != nil {
		return provider.ChatPayload{}, fmt.Errorf("render %s context: %w", p.Kind, err)
	}
	var user strings.Builder
	fmt.Fprintf(&user, "Symbol: %s\n", strings.ToUpper(p.Symbol))
	user.WriteString("Context:\n")
	user.WriteString(ctxJSON)
	user.WriteString("\n\n")
	user.WriteString(strings.TrimSpace(tpl.ResponseFormat))
	return provider.ChatPayload{
		System:  system,
		User:    user.String(),
		TraceID: p.TraceID,
		Purpose: string(p.Kind),
	}, nil
}

func renderContext(ctx map[string]any) (string, error) {
	if len(ctx) == 0 {
		return "{}", nil
	}
	b, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
