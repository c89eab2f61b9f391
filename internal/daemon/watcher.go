package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the burst of events an editor produces on save
const DefaultDebounce = 100 * time.Millisecond

// ConfigWatcher calls OnChange after the configuration file settles
type ConfigWatcher struct {
	path     string
	debounce time.Duration
	onChange func(ctx context.Context) error
	logger   *zap.Logger
}

// NewConfigWatcher watches path. The parent directory is watched so that
// files replaced by rename are still seen.
func NewConfigWatcher(path string, onChange func(ctx context.Context) error, logger *zap.Logger) *ConfigWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigWatcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		onChange: onChange,
		logger:   logger.Named("watcher"),
	}
}

// Run watches until ctx is done
func (w *ConfigWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.Debug("Watching configuration", zap.String("path", w.path))

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C
	defer debounceTimer.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounceTimer.Reset(w.debounce)
			}

		case <-debounceTimer.C:
			if err := w.onChange(ctx); err != nil {
				w.logger.Error("Failed to reload configuration",
					zap.String("path", w.path),
					zap.Error(err))
				continue
			}
			w.logger.Info("Reloaded configuration", zap.String("path", w.path))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Configuration watcher error", zap.Error(err))

		case <-ctx.Done():
			return nil
		}
	}
}
