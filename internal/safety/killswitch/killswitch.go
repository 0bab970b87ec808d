// Package killswitch 实现持久化的紧急停止开关。
//
// 开关状态写入一个 JSON 文件（先写临时文件再 rename），进程重启后只要文件存在即视为已激活。
// 运维也可以直接在该路径放置任意内容的文件来触发停止，此时 source 记为 "external"。
package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"optguard/internal/logger"
)

const (
	SourceExternal = "external"
	SourceManual   = "manual"

	defaultExternalReason = "emergency stop file present"
)

// State 是开关的持久化记录。
type State struct {
	Active      bool       `json:"-"`
	Reason      string     `json:"reason"`
	ActivatedAt *time.Time `json:"activated_at"`
	Source      string     `json:"source"`
	MonitorOnly bool       `json:"monitor_only"`
}

// Status 在 State 基础上附带停止文件是否存在。
type Status struct {
	Active         bool       `json:"active"`
	Reason         string     `json:"reason,omitempty"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	Source         string     `json:"source,omitempty"`
	MonitorOnly    bool       `json:"monitor_only"`
	StopFilePath   string     `json:"stop_file_path"`
	StopFileExists bool       `json:"stop_file_exists"`
}

// Event 描述一次状态切换，供历史记录使用。
type Event struct {
	Action      string    `json:"action"`
	Reason      string    `json:"reason,omitempty"`
	Source      string    `json:"source"`
	MonitorOnly bool      `json:"monitor_only"`
	At          time.Time `json:"at"`
}

// EventRecorder 记录开关切换历史；失败不影响开关本身。
type EventRecorder interface {
	RecordHaltEvent(ctx context.Context, ev Event) error
}

// KillSwitch 是进程内唯一需要互斥保护的共享状态。
type KillSwitch struct {
	mu       sync.Mutex
	path     string
	state    State
	recorder EventRecorder
	now      func() time.Time
	onChange []func(State)
}

type Option func(*KillSwitch)

func WithRecorder(r EventRecorder) Option {
	return func(k *KillSwitch) { k.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(k *KillSwitch) {
		if now != nil {
			k.now = now
		}
	}
}

// New 创建开关并从磁盘恢复状态。无法确认状态时按已激活处理。
func New(path string, opts ...Option) *KillSwitch {
	k := &KillSwitch{path: filepath.Clean(path), now: time.Now}
	for _, opt := range opts {
		opt(k)
	}
	k.state = k.load()
	if k.state.Active {
		logger.Warnf("[KILL-SWITCH] loaded active state: reason=%q source=%s", k.state.Reason, k.state.Source)
	}
	return k
}

// OnChange 注册状态切换回调（在锁外调用）。
func (k *KillSwitch) OnChange(fn func(State)) {
	if fn == nil {
		return
	}
	k.mu.Lock()
	k.onChange = append(k.onChange, fn)
	k.mu.Unlock()
}

func (k *KillSwitch) Path() string { return k.path }

// Activate 激活开关；已激活时不做任何修改并返回 false。
func (k *KillSwitch) Activate(reason, source string, monitorOnly bool) bool {
	k.mu.Lock()
	if k.state.Active {
		current := k.state.Reason
		k.mu.Unlock()
		logger.Warnf("[KILL-SWITCH] already active (reason=%q), ignoring activation from %s", current, source)
		return false
	}
	st := k.activateLocked(reason, source, monitorOnly)
	k.mu.Unlock()

	logger.Errorf("[KILL-SWITCH] ACTIVATED by %s: %s (monitor_only=%v)", st.Source, st.Reason, st.MonitorOnly)
	k.emit("activate", st)
	return true
}

// Deactivate 解除开关；未激活或停止文件无法删除时返回 false。
func (k *KillSwitch) Deactivate(source string) bool {
	k.mu.Lock()
	if !k.state.Active {
		k.mu.Unlock()
		logger.Infof("[KILL-SWITCH] not active, nothing to deactivate")
		return false
	}
	if err := os.Remove(k.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		k.mu.Unlock()
		logger.Criticalf("[KILL-SWITCH] failed to remove stop file %s, staying active: %v", k.path, err)
		return false
	}
	prev := k.state
	k.state = State{}
	k.mu.Unlock()

	logger.Infof("[KILL-SWITCH] deactivated by %s (was: %s)", source, prev.Reason)
	k.emit("deactivate", State{Reason: prev.Reason, Source: strings.TrimSpace(source)})
	return true
}

func (k *KillSwitch) IsActive() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state.Active
}

// IsMonitorOnly 报告激活状态下是否仍允许监控（不下单）。
func (k *KillSwitch) IsMonitorOnly() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state.Active && k.state.MonitorOnly
}

func (k *KillSwitch) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

func (k *KillSwitch) Status() Status {
	k.mu.Lock()
	st := k.state
	k.mu.Unlock()
	_, err := os.Stat(k.path)
	return Status{
		Active:         st.Active,
		Reason:         st.Reason,
		ActivatedAt:    st.ActivatedAt,
		Source:         st.Source,
		MonitorOnly:    st.MonitorOnly,
		StopFilePath:   k.path,
		StopFileExists: err == nil,
	}
}

// CheckFileTrigger 检查外部放置的停止文件，发现后激活并返回 true。
func (k *KillSwitch) CheckFileTrigger() bool {
	k.mu.Lock()
	if k.state.Active {
		if _, err := os.Stat(k.path); errors.Is(err, os.ErrNotExist) {
			// 文件被外部删除不代表解除，重新落盘保持一致
			logger.Warnf("[KILL-SWITCH] stop file removed externally while active; rewriting (use deactivate to resume)")
			if err := writeAtomic(k.path, k.state); err != nil {
				logger.Criticalf("[KILL-SWITCH] failed to rewrite stop file: %v", err)
			}
		}
		k.mu.Unlock()
		return false
	}
	raw, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		k.mu.Unlock()
		return false
	}
	var rec State
	if err != nil {
		rec = State{Reason: fmt.Sprintf("stop file unreadable: %v", err)}
	} else {
		rec = parseRecord(raw)
	}
	st := k.activateLocked(rec.Reason, SourceExternal, rec.MonitorOnly)
	k.mu.Unlock()

	logger.Errorf("[KILL-SWITCH] ACTIVATED by external stop file: %s", st.Reason)
	k.emit("activate", st)
	return true
}

// activateLocked 调用方必须持有 k.mu。
func (k *KillSwitch) activateLocked(reason, source string, monitorOnly bool) State {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultExternalReason
	}
	source = strings.TrimSpace(source)
	if source == "" {
		source = SourceManual
	}
	at := k.now().UTC()
	k.state = State{
		Active:      true,
		Reason:      reason,
		ActivatedAt: &at,
		Source:      source,
		MonitorOnly: monitorOnly,
	}
	if err := writeAtomic(k.path, k.state); err != nil {
		// 内存中保持激活；重启后若文件缺失需人工确认
		logger.Criticalf("[KILL-SWITCH] failed to persist halt record to %s: %v", k.path, err)
	}
	return k.state
}

func (k *KillSwitch) load() State {
	raw, err := os.ReadFile(k.path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return State{}
	default:
		logger.Criticalf("[KILL-SWITCH] cannot read %s, assuming halted: %v", k.path, err)
		return State{Active: true, Reason: fmt.Sprintf("halt record unreadable: %v", err), Source: SourceExternal}
	}
	st := parseRecord(raw)
	st.Active = true
	return st
}

func (k *KillSwitch) emit(action string, st State) {
	k.mu.Lock()
	hooks := append([]func(State){}, k.onChange...)
	rec := k.recorder
	k.mu.Unlock()
	for _, fn := range hooks {
		fn(st)
	}
	if rec == nil {
		return
	}
	at := k.now().UTC()
	if st.ActivatedAt != nil && action == "activate" {
		at = *st.ActivatedAt
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rec.RecordHaltEvent(ctx, Event{
		Action:      action,
		Reason:      st.Reason,
		Source:      st.Source,
		MonitorOnly: st.MonitorOnly,
		At:          at,
	}); err != nil {
		logger.Warnf("[KILL-SWITCH] record %s event failed: %v", action, err)
	}
}

// parseRecord 解析停止文件；非 JSON 内容整体作为原因。
func parseRecord(raw []byte) State {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return State{Active: true, Reason: defaultExternalReason, Source: SourceExternal}
	}
	var rec State
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &rec); err == nil {
			rec.Active = true
			rec.Reason = strings.TrimSpace(rec.Reason)
			if rec.Reason == "" {
				rec.Reason = defaultExternalReason
			}
			if strings.TrimSpace(rec.Source) == "" {
				rec.Source = SourceExternal
			}
			return rec
		}
	}
	return State{Active: true, Reason: text, Source: SourceExternal}
}

// writeAtomic 在同一目录写临时文件后 rename，保证读者看到完整记录或旧记录。
func writeAtomic(path string, st State) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
