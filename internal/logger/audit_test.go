package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderAuditLog(t *testing.T) {
	var buf bytes.Buffer
	SetAuditWriter(&buf)
	defer SetAuditWriter(nil)

	EnableAuditDump(false)
	LogProviderRequest("exit", "gpt", "t-1", "sys", "user body")
	assert.Contains(t, buf.String(), "[PROVIDER][exit-request][gpt][t-1]")
	assert.NotContains(t, buf.String(), "user body")

	buf.Reset()
	EnableAuditDump(true)
	defer EnableAuditDump(false)
	LogProviderRequest("exit", "gpt", "t-1", "sys", "user body")
	assert.Contains(t, buf.String(), "--- USER ---\nuser body\n")

	buf.Reset()
	LogProviderResponse("entry", "claude", "", `{"action":"APPROVE"}`)
	out := buf.String()
	assert.Contains(t, out, "[PROVIDER][entry-response][claude]\n")
	assert.Contains(t, out, "--- RAW ---")
	assert.Contains(t, out, "=====")
}

func TestSetAuditWriterNilDisables(t *testing.T) {
	SetAuditWriter(nil)
	assert.NotPanics(t, func() {
		LogProviderResponse("exit", "gpt", "", "ignored")
	})
}
