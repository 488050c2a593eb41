// Package keydir implements a Web Key Directory backed by a watched
// directory of OpenPGP certificate files. It owns the certificate store
// and the lifecycle of the background directory watcher, and exposes the
// single read operation the serving layer consumes.
package keydir

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/keydir/keydir/pkg/keystore"
	"github.com/keydir/keydir/pkg/pgpcert"
	"github.com/keydir/keydir/pkg/watcher"
)

// KeyProvider discovers certificates from the hashed local-part and domain
// of an email address. Additional backing stores implement this interface
// without the serving layer changing.
type KeyProvider interface {
	// Discover returns the sanitized certificate published for the given
	// encoded local-part on the given domain, or false when none exists.
	Discover(encodedLocal, domain string) (*openpgp.Entity, bool)
}

// Config configures a Directory instance.
type Config struct {
	// Path is the directory holding one certificate per regular file.
	// Filenames carry no meaning; identity comes from certificate content.
	Path string
	// RetryInterval overrides the watch-subscription retry interval.
	RetryInterval time.Duration
	// Logger is an optional structured logger. If nil, a stderr logger is
	// used.
	Logger *slog.Logger
}

// Directory is the file-backed KeyProvider.
type Directory struct {
	log    *slog.Logger
	config Config

	store   *keystore.Store
	watcher *watcher.Watcher

	cancel context.CancelFunc
	done   chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New constructs a Directory handle. New performs no I/O; call Start to
// scan the directory and begin watching it.
func New(conf Config) (*Directory, error) {
	if conf.Path == "" {
		return nil, fmt.Errorf("keydir: a key directory path must be provided")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.RetryInterval <= 0 {
		conf.RetryInterval = watcher.DefaultRetryInterval
	}

	store := keystore.New(conf.Logger)
	return &Directory{
		log:    conf.Logger,
		config: conf,
		store:  store,
		watcher: watcher.New(conf.Path, store,
			watcher.WithLogger(conf.Logger),
			watcher.WithRetryInterval(conf.RetryInterval)),
	}, nil
}

// Start performs the initial directory scan synchronously, then launches
// the background watcher. Start is safe to call multiple times; only the
// first call has effect.
func (d *Directory) Start(ctx context.Context) error {
	var startErr error
	d.startOnce.Do(func() {
		if err := d.watcher.Scan(); err != nil {
			startErr = err
			return
		}

		// The watcher outlives ctx; it is stopped by Close.
		watchCtx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.done = make(chan struct{})
		go func() {
			defer close(d.done)
			d.watcher.Run(watchCtx)
		}()

		d.started.Store(true)
		d.log.Info("key directory started", "path", d.config.Path)
	})
	return startErr
}

// Run starts the directory, blocks until ctx is cancelled, and then
// performs a bounded graceful shutdown. It is a convenience for services.
func (d *Directory) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.Close(shutdownCtx)
}

// Close cancels the background watcher and waits for it to stop. Close is
// idempotent. An event abandoned mid-flight causes no store corruption:
// each load/unload mutates atomically under the store's lock.
func (d *Directory) Close(ctx context.Context) error {
	var closeErr error
	d.closeOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
			select {
			case <-d.done:
			case <-ctx.Done():
				closeErr = ctx.Err()
			}
		}
		d.log.Info("key directory closed")
	})
	return closeErr
}

// Store exposes the underlying certificate store, mainly for integrations
// and tests that mutate the index directly.
func (d *Directory) Store() *keystore.Store {
	return d.store
}

// Discover implements KeyProvider. A hit is sanitized down to the one
// requested address before it leaves the store; the target address is the
// stored local-part rejoined with the queried domain.
func (d *Directory) Discover(encodedLocal, domain string) (*openpgp.Entity, bool) {
	localPart, cert, ok := d.store.FindByIdentity(encodedLocal, domain)
	if !ok {
		return nil, false
	}
	return pgpcert.Sanitize(cert, localPart+"@"+domain), true
}
