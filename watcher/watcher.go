// Package watcher reports changes to an overlay source file.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce batches the bursts of events a single save produces.
const DefaultDebounce = 250 * time.Millisecond

type options struct {
	logger   *slog.Logger
	debounce time.Duration
}

// Option configures Watch.
type Option func(*options)

// WithDebounce sets the quiet period required before onChange runs.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Watch calls onChange after the file at path is written, created, replaced
// or removed, once events have been quiet for the debounce period. The
// parent directory is watched so atomic replacements are seen. Watch blocks
// until ctx is cancelled; onChange runs on the watching goroutine.
func Watch(ctx context.Context, path string, onChange func(context.Context), opts ...Option) error {
	o := options{logger: slog.Default(), debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&o)
	}

	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	o.logger.Debug("watching overlay source", "path", target)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !relevant(event.Op) {
				continue
			}
			o.logger.Debug("overlay source event", "path", target, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(o.debounce)
			} else {
				timer.Reset(o.debounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn("overlay watcher error", "path", target, "error", err)

		case <-fire:
			fire = nil
			onChange(ctx)
		}
	}
}

func relevant(op fsnotify.Op) bool {
	return op.Has(fsnotify.Write) || op.Has(fsnotify.Create) ||
		op.Has(fsnotify.Rename) || op.Has(fsnotify.Remove)
}
