// Package main provides the entry point for the convofs daemon: a FUSE
// filesystem that convolves audio files on the fly while serving
// everything else unchanged.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maauso/convofs/internal/config"
	"github.com/maauso/convofs/internal/engine"
	"github.com/maauso/convofs/internal/fusefs"
	"github.com/maauso/convofs/internal/status"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 3 {
		return errors.New("usage: convofs <source-dir> <mountpoint>")
	}
	sourceDir, mountpoint := os.Args[1], os.Args[2]

	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting convofs",
		slog.String("source", sourceDir),
		slog.String("mountpoint", mountpoint),
		slog.String("filter_dir", cfg.FilterDir),
		slog.Int("status_port", cfg.StatusPort),
		slog.Int("pool_size", cfg.PoolSize),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
	)

	// Build the convolution engine and mount it
	eng := engine.New(cfg.FilterDir,
		engine.WithLogger(logger),
		engine.WithPoolSize(cfg.PoolSize),
	)

	server, err := fusefs.Mount(fusefs.Options{
		Mountpoint: mountpoint,
		SourceDir:  sourceDir,
		Engine:     eng,
		AllowOther: cfg.AllowOther,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	// Optional HTTP status endpoint
	var statusSrv *http.Server
	errCh := make(chan error, 1)
	if cfg.StatusPort > 0 {
		handlers := status.NewHandlers(eng, logger)
		router := status.NewRouter(handlers, logger)
		statusSrv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.StatusPort),
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("status server listening",
				slog.String("addr", statusSrv.Addr),
			)
			if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("status server failed: %w", err)
			}
		}()
	}

	// The filesystem is gone when the kernel unmounts it externally.
	unmounted := make(chan struct{})
	go func() {
		server.Wait()
		close(unmounted)
	}()

	// Graceful shutdown handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
		if err := server.Unmount(); err != nil {
			logger.Warn("unmount failed, is the mountpoint busy?",
				slog.Any("error", err),
			)
		}
		<-unmounted
	case <-unmounted:
		logger.Info("filesystem unmounted externally")
	case err := <-errCh:
		_ = server.Unmount()
		return err
	}

	if statusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := statusSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	}

	logger.Info("stopped gracefully")
	return nil
}
