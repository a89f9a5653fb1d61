// Package watch hot swaps a module when its payload is redeployed.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ZenLiuCN/hotswap"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period after the last change before OnChange runs.
const DefaultDebounce = 300 * time.Millisecond

type (
	// Config of a Watcher.
	Config struct {
		Path     string                          // payload file to watch
		Debounce time.Duration                   // DefaultDebounce if zero
		OnChange func(ctx context.Context) error // called after the payload was written or created
		Logger   *zap.Logger                     // hotswap.Logger if nil
	}
	// Watcher of one payload file. Its directory is watched, so a payload replaced by rename is seen too.
	Watcher struct {
		cfg     Config
		name    string
		fs      *fsnotify.Watcher
		logger  *zap.Logger
		changes atomic.Uint64
	}
)

// New starts watching the directory of cfg.Path.
func New(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, errors.New("watch: empty path")
	}
	if cfg.OnChange == nil {
		return nil, errors.New("watch: nil OnChange")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = hotswap.Logger()
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}
	cfg.Path = abs
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err = w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		cfg:    cfg,
		name:   filepath.Base(abs),
		fs:     w,
		logger: cfg.Logger.Named("watch").With(zap.String("path", abs)),
	}, nil
}

// Changes counts the OnChange calls so far.
func (w *Watcher) Changes() uint64 {
	return w.changes.Load()
}

func (w *Watcher) match(ev fsnotify.Event) bool {
	return filepath.Base(ev.Name) == w.name && ev.Op&(fsnotify.Write|fsnotify.Create) != 0
}

// Run dispatches changes until ctx is done or the watcher is closed. OnChange errors are logged.
func (w *Watcher) Run(ctx context.Context) error {
	timer := time.NewTimer(w.cfg.Debounce)
	timer.Stop()
	defer timer.Stop()
	pending := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == w.name && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.logger.Info("payload removed, waiting for redeploy", zap.Stringer("op", ev.Op))
				continue
			}
			if !w.match(ev) {
				continue
			}
			w.logger.Debug("payload changed", zap.Stringer("op", ev.Op))
			timer.Reset(w.cfg.Debounce)
			pending = true
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			w.changes.Add(1)
			if err := w.cfg.OnChange(ctx); err != nil {
				w.logger.Error("reload failed", zap.String("category", hotswap.Category(err)), zap.Error(err))
			} else {
				w.logger.Info("reloaded")
			}
		}
	}
}

// Close stops watching, Run returns afterward.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
