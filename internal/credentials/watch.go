package credentials

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads credentials whenever the secrets file changes. It blocks
// until ctx is done. The parent directory is watched so that editors which
// replace the file by rename are still observed.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		if closeErr := watcher.Close(); closeErr != nil {
			m.logger.Warn("failed to close secrets watcher", "error", closeErr)
		}
	}()

	dir := filepath.Dir(m.opts.SecretsPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(m.opts.SecretsPath)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(watchDebounce)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("Secrets watcher error", "error", werr)
		case <-debounce:
			debounce = nil
			if err := m.Reload(); err != nil {
				m.logger.Error("Failed to reload credentials", "error", err)
			}
		}
	}
}
