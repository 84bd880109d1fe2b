package runtime

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 120 * time.Millisecond

// startWatcher watches the agent directory for edits to the config,
// tools, cron, and workflow files and applies them after a short
// debounce. Session and log churn is filtered out before the debounce
// so writes from active runs never trigger a reload.
func (s *Supervisor) startWatcher(ctx context.Context) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{s.root, s.CronDir(), s.WorkflowsDir()} {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, err
		}
	}

	go func() {
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !s.reloadRelevant(ev) {
					continue
				}
				s.logger.Debug("file_change_detected", "path", ev.Name, "op", ev.Op.String())
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
					fire = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(reloadDebounce)
				}
			case <-fire:
				timer = nil
				fire = nil
				if err := s.ApplyFromDisk(ctx, "file_change"); err != nil {
					s.logger.Warn("reload_skipped", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("watcher_error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

// reloadRelevant filters watcher events down to the files the runtime
// actually loads from disk.
func (s *Supervisor) reloadRelevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	path := filepath.Clean(ev.Name)
	for _, skip := range []string{filepath.Join(s.root, "sessions"), filepath.Join(s.root, "logs")} {
		if path == skip || strings.HasPrefix(path, skip+string(filepath.Separator)) {
			return false
		}
	}
	if path == filepath.Join(s.root, "auth.json") {
		return false
	}

	switch filepath.Dir(path) {
	case s.CronDir(), s.WorkflowsDir():
		ext := filepath.Ext(path)
		return ext == ".yaml" || ext == ".yml"
	case s.root:
		return path == s.ConfigPath() || path == s.ToolsPath() ||
			path == filepath.Join(s.root, "cron") || path == filepath.Join(s.root, "workflows")
	}
	return false
}
