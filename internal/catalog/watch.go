package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"hivewatch/internal/logging"
)

const settleDelay = 200 * time.Millisecond

// Watch reloads the catalog at path into sink whenever the file is written
// or replaced, until ctx is done. The parent directory is watched so that
// editors which save by rename are picked up. A file that fails to parse
// is logged and the previous catalog stays in place.
func Watch(ctx context.Context, path string, sink Sink, logger *slog.Logger) error {
	logger = logging.OrDefault(logger)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve catalog path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch catalog directory: %w", err)
	}

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			settle = time.After(settleDelay)
		case <-settle:
			settle = nil
			c, err := Load(abs)
			if err != nil {
				logger.Warn("catalog reload failed", "path", abs, "error", err)
				continue
			}
			if err := c.Apply(ctx, sink); err != nil {
				logger.Warn("catalog apply failed", "path", abs, "error", err)
				continue
			}
			logger.Info("catalog reloaded", "path", abs, "agents", len(c.Agents), "tools", len(c.Tools))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("catalog watcher error", "error", err)
		}
	}
}
