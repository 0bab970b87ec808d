package jsonutil

import (
	"encoding/json"
	"strings"
)

const codeFence = "```"

// ExtractObject 从模型输出中提取第一个完整 JSON 对象，``` 代码块内的内容优先。
func ExtractObject(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	for _, candidate := range append(fencedBlocks(raw), raw) {
		if obj, ok := firstObject(candidate); ok {
			return obj, true
		}
	}
	return "", false
}

// fencedBlocks 返回所有成对 ``` 之间的文本（含语言标记行，由 firstObject 跳过）。
func fencedBlocks(raw string) []string {
	parts := strings.Split(raw, codeFence)
	var blocks []string
	for i := 1; i+1 < len(parts); i += 2 {
		blocks = append(blocks, parts[i])
	}
	return blocks
}

// firstObject 依次尝试每个 '{' 起点，返回第一个能被完整解码的对象原文。
func firstObject(s string) (string, bool) {
	for off := 0; off < len(s); {
		i := strings.IndexByte(s[off:], '{')
		if i < 0 {
			return "", false
		}
		start := off + i
		var msg json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[start:])).Decode(&msg); err == nil {
			return string(msg), true
		}
		off = start + 1
	}
	return "", false
}
