package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

var (
	auditMu   sync.Mutex
	auditLog  *log.Logger
	auditDump bool
)

// SetAuditWriter 设置模型请求/响应审计日志的输出，nil 表示关闭。
func SetAuditWriter(w io.Writer) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if w == nil {
		auditLog = nil
		return
	}
	auditLog = log.New(w, "", log.LstdFlags)
}

// EnableAuditDump 控制是否写入完整 prompt。
func EnableAuditDump(enabled bool) {
	auditMu.Lock()
	auditDump = enabled
	auditMu.Unlock()
}

type auditSection struct {
	Title string
	Body  string
}

func writeAudit(kind, provider, traceID string, sections []auditSection) {
	auditMu.Lock()
	l := auditLog
	auditMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[PROVIDER]")
	for _, tag := range []string{kind, provider, traceID} {
		if tag == "" {
			continue
		}
		b.WriteString("[")
		b.WriteString(tag)
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		t := strings.TrimSpace(sec.Title)
		if t == "" {
			t = "CONTENT"
		}
		b.WriteString("--- ")
		b.WriteString(t)
		b.WriteString(" ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}

// LogProviderRequest 记录发往模型的 prompt；仅在开启 dump 时写入正文。
func LogProviderRequest(kind, provider, traceID, systemPrompt, userPrompt string) {
	auditMu.Lock()
	dump := auditDump
	auditMu.Unlock()
	if !dump {
		writeAudit(kind+"-request", provider, traceID, nil)
		return
	}
	writeAudit(kind+"-request", provider, traceID, []auditSection{
		{Title: "SYSTEM", Body: systemPrompt},
		{Title: "USER", Body: userPrompt},
	})
}

// LogProviderResponse 记录模型原始返回。
func LogProviderResponse(kind, provider, traceID, raw string) {
	writeAudit(kind+"-response", provider, traceID, []auditSection{{Title: "RAW", Body: raw}})
}
