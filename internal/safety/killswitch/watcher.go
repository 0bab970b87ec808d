package killswitch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"optguard/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// Watch 轮询停止文件，并在 useNotify 为 true 时额外监听所在目录的文件事件以更快响应。
// fsnotify 不可用时退化为纯轮询。阻塞直到 ctx 结束。
func (k *KillSwitch) Watch(ctx context.Context, interval time.Duration, useNotify bool) error {
	if interval <= 0 {
		interval = time.Second
	}
	var events <-chan fsnotify.Event
	var errs <-chan error
	if useNotify {
		w, err := k.newDirWatcher()
		if err != nil {
			logger.Warnf("[KILL-SWITCH] fsnotify unavailable, polling only: %v", err)
		} else {
			defer w.Close()
			events = w.Events
			errs = w.Errors
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	k.CheckFileTrigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			k.CheckFileTrigger()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != k.path {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) {
				k.CheckFileTrigger()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warnf("[KILL-SWITCH] watcher error: %v", err)
		}
	}
}

func (k *KillSwitch) newDirWatcher() (*fsnotify.Watcher, error) {
	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}
