package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	levelVar slog.LevelVar
	jsonMode atomic.Bool
	output   atomic.Pointer[io.Writer]
	current  atomic.Pointer[slog.Logger]
)

func init() {
	levelVar.Set(slog.LevelInfo)
	rebuild(os.Stdout)
}

func rebuild(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	output.Store(&w)
	opts := &slog.HandlerOptions{Level: &levelVar}
	var h slog.Handler
	if jsonMode.Load() {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	current.Store(slog.New(h))
}

// SetOutput 替换日志输出，nil 回落到 stdout。
func SetOutput(w io.Writer) {
	rebuild(w)
}

// SetFormat 切换 text / json 输出格式，未知值按 text 处理。
func SetFormat(format string) {
	jsonMode.Store(strings.EqualFold(strings.TrimSpace(format), "json"))
	rebuild(*output.Load())
}

// ParseLevel 解析配置中的日志级别，无法识别时返回 info。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func SetLevel(level string) {
	levelVar.Set(ParseLevel(level))
}

func Debugf(format string, v ...any) {
	current.Load().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	current.Load().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	current.Load().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	current.Load().Error(fmt.Sprintf(format, v...))
}

// Criticalf 记录需要人工介入的错误（如 kill switch 持久化失败）。
func Criticalf(format string, v ...any) {
	current.Load().Error(fmt.Sprintf(format, v...), slog.String("severity", "critical"))
}
