package notifier

import (
	"strings"
	"time"

	"optguard/internal/pkg/text"
)

const maxMessageLen = 3800

// MessageSection 表示通知中的一个段落。
type MessageSection struct {
	Title string
	Lines []string
}

// Message 是统一的纯文本审计通知。
type Message struct {
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// Render 生成纯文本，空段落跳过，超长时截断。
func (m Message) Render() string {
	var b strings.Builder
	if title := strings.TrimSpace(m.Title); title != "" {
		b.WriteString(title)
		b.WriteString("\n")
	}
	for _, sec := range m.Sections {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		b.WriteString("\n")
		if t := strings.TrimSpace(sec.Title); t != "" {
			b.WriteString(t + ":\n")
		}
		for _, line := range lines {
			b.WriteString("  " + line + "\n")
		}
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString("\n" + footer + "\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString(m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	return text.Truncate(strings.TrimSpace(b.String()), maxMessageLen)
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if s := strings.TrimSpace(line); s != "" {
			out = append(out, s)
		}
	}
	return out
}
