// Package watcher keeps a certificate store synchronized with one
// directory using filesystem change notification.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/keydir/keydir/pkg/keystore"
)

// DefaultRetryInterval is how long the watcher waits before retrying a
// failed watch subscription.
const DefaultRetryInterval = 5 * time.Second

type Option func(*Watcher)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.log = logger }
}

// WithRetryInterval overrides the subscription retry interval.
func WithRetryInterval(d time.Duration) Option {
	return func(w *Watcher) { w.retry = d }
}

// Watcher mirrors one directory into a keystore.Store: files are loaded on
// creation and write completion and unloaded when deleted or renamed away.
type Watcher struct {
	log   *slog.Logger
	dir   string
	store *keystore.Store
	retry time.Duration

	// newNotifier is swapped out by tests to inject subscription failures.
	newNotifier func() (*fsnotify.Watcher, error)
}

func New(dir string, store *keystore.Store, opts ...Option) *Watcher {
	w := &Watcher{
		log:         slog.Default(),
		dir:         dir,
		store:       store,
		retry:       DefaultRetryInterval,
		newNotifier: fsnotify.NewWatcher,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Scan loads every regular file currently in the directory. Per-file
// failures are logged and skipped; Scan fails only when the directory
// itself cannot be read.
func (w *Watcher) Scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read key directory %s: %w", w.dir, err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if err := w.store.Load(path); err != nil {
			w.log.Error("failed to load certificate", "path", path, "error", err)
		}
	}
	return nil
}

// Run watches the directory until ctx is cancelled. Establishing the watch
// subscription is retried on a fixed interval for as long as it takes; a
// closed event channel causes the notification primitive to be rebuilt and
// watching to resume.
func (w *Watcher) Run(ctx context.Context) {
	for {
		fsw, err := w.subscribe(ctx)
		if err != nil {
			// Only cancellation breaks the retry loop.
			return
		}
		if done := w.watch(ctx, fsw); done {
			return
		}
	}
}

// subscribe creates the notification primitive and registers the directory
// on it, retrying on a constant backoff until it succeeds or ctx is
// cancelled.
func (w *Watcher) subscribe(ctx context.Context) (*fsnotify.Watcher, error) {
	var fsw *fsnotify.Watcher
	op := func() error {
		nw, err := w.newNotifier()
		if err != nil {
			w.log.Error("failed to initialize filesystem notification", "error", err)
			return err
		}
		if err := nw.Add(w.dir); err != nil {
			w.log.Error("failed to watch directory", "dir", w.dir, "error", err)
			nw.Close()
			return err
		}
		fsw = nw
		return nil
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(w.retry), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return fsw, nil
}

// watch dispatches events until ctx is cancelled (true) or the event
// channel is exhausted and the subscription must be rebuilt (false).
func (w *Watcher) watch(ctx context.Context, fsw *fsnotify.Watcher) bool {
	defer fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return true
		case event, ok := <-fsw.Events:
			if !ok {
				w.log.Warn("notification channel closed, reinitializing watch")
				return false
			}
			w.dispatch(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				w.log.Warn("notification error channel closed, reinitializing watch")
				return false
			}
			w.log.Error("watch error", "error", err)
		}
	}
}

// dispatch maps one filesystem event onto a store mutation. A failure is
// logged and never stops the loop; a corrupt file or an unknown path must
// not take the watcher down.
func (w *Watcher) dispatch(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		if err := w.store.Load(event.Name); err != nil {
			w.log.Error("failed to load certificate", "path", event.Name, "error", err)
		}
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if _, err := w.store.Unload(event.Name); err != nil {
			w.log.Error("failed to unload certificate", "path", event.Name, "error", err)
		}
	}
}
