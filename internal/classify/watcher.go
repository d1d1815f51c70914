package classify

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the classification table whenever the file changes on disk.
// A table that fails to parse or validate is rejected and the previous table
// keeps serving. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, c *Classifier, log *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and config managers often
	// replace the file via rename, which drops a file-level watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(path)
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			table, err := LoadTable(path)
			if err != nil {
				log.Error("classification table reload rejected, keeping previous table",
					zap.String("path", path),
					zap.Error(err),
				)
				continue
			}
			c.Swap(table)
			log.Info("classification table reloaded",
				zap.String("path", path),
				zap.String("table", table.Summary()),
			)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("classification table watch error", zap.Error(err))
		}
	}
}
