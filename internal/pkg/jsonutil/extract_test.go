package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"plain", `{"action":"SELL"}`, `{"action":"SELL"}`, true},
		{"fenced with lang", "Here you go:\n```json\n{\"action\":\"HOLD\",\"tags\":[\"a\"]}\n```\nthanks", `{"action":"HOLD","tags":["a"]}`, true},
		{"prose around", `I think {"action":"WAIT","reason":"brace } in string"} is best`, `{"action":"WAIT","reason":"brace } in string"}`, true},
		{"nested", `{"a":{"b":1},"c":2} trailing`, `{"a":{"b":1},"c":2}`, true},
		{"unterminated", `{"action":"SELL"`, "", false},
		{"empty", "   ", "", false},
		{"no object", "SELL", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractObject(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractObject_SkipsBrokenCandidates(t *testing.T) {
	got, ok := ExtractObject("use {braces} loosely, then {\"action\":\"HOLD\"}")
	assert.True(t, ok)
	assert.Equal(t, `{"action":"HOLD"}`, got)

	got, ok = ExtractObject("```\nnot json\n```\n{\"action\":\"SELL\"}")
	assert.True(t, ok)
	assert.Equal(t, `{"action":"SELL"}`, got)
}
