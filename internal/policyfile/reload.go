package policyfile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mbd888/txfirewall/internal/metrics"
)

// DefaultDebounce is how long the reloader waits after the last write.
const DefaultDebounce = 500 * time.Millisecond

// Reloader re-applies a policy file whenever it changes.
type Reloader struct {
	path     string
	target   Target
	logger   *slog.Logger
	debounce time.Duration

	mu   sync.Mutex // serializes reloads
	last ApplyResult
}

// Option configures a Reloader.
type Option func(*Reloader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reloader) { r.logger = logger }
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(r *Reloader) { r.debounce = d }
}

// NewReloader creates a reloader for the policy at path.
func NewReloader(path string, target Target, opts ...Option) *Reloader {
	r := &Reloader{
		path:     filepath.Clean(path),
		target:   target,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reload loads the file and applies it once.
func (r *Reloader) Reload(ctx context.Context) (ApplyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := Load(r.path)
	if err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("error").Inc()
		return ApplyResult{}, err
	}
	res, err := Apply(ctx, r.target, p)
	if err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("policyfile: apply: %w", err)
	}
	metrics.PolicyReloadsTotal.WithLabelValues("ok").Inc()
	r.last = res
	return res, nil
}

// Last returns the result of the most recent successful reload.
func (r *Reloader) Last() ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Run watches the file and reloads on change. It blocks until ctx is
// cancelled. The parent directory is watched so editors that save by
// renaming a temp file are picked up.
func (r *Reloader) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", r.path, err)
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(r.debounce, func() {
					res, err := r.Reload(ctx)
					if err != nil {
						r.logger.Error("policy reload failed", "path", r.path, "error", err)
						return
					}
					r.logger.Info("policy reloaded", "path", r.path,
						"blocked", res.Blocked, "allowed", res.Allowed, "ignored", res.Ignored)
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", "error", err)
		}
	}
}
