package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	keydir "github.com/keydir/keydir"
	"github.com/keydir/keydir/internal/config"
	"github.com/keydir/keydir/pkg/logging"
	"github.com/keydir/keydir/pkg/wkdserver"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyKeyDir     = "keyDirectory"
	logKeySignal     = "signal"
	logKeyError      = "error"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := logging.NewLogger(logLevel)

	logger.Info("starting keydird",
		logKeyListenAddr, cfg.ListenAddr,
		logKeyKeyDir, cfg.KeyDirectory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon error", logKeyError, err)
		os.Exit(1)
	}
}

// parseFlags reads the config file and applies flag overrides on top.
func parseFlags(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("keydird", flag.ContinueOnError)
	configPath := fs.String("config", "keydird.yaml", "Path to config file")
	keyDir := fs.String("keys", "", "Directory of certificate files (overrides config)")
	listenAddr := fs.String("listen", "", "Address to serve on (overrides config)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, err
	}
	if *keyDir != "" {
		cfg.KeyDirectory = *keyDir
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// run is the daemon logic, separated from flag and signal handling.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	dir, err := keydir.New(keydir.Config{
		Path:   cfg.KeyDirectory,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	if err := dir.Start(ctx); err != nil {
		return fmt.Errorf("start key directory: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(
			context.Background(), shutdownTimeout)
		defer closeCancel()
		if closeErr := dir.Close(closeCtx); closeErr != nil {
			logger.Warn("error closing key directory", logKeyError, closeErr)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           wkdserver.New(dir, wkdserver.WithLogger(logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("daemon started", logKeyListenAddr, cfg.ListenAddr)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("daemon shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
