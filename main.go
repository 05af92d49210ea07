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
)

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg, os.Stdout))

	// Cancelled on Ctrl+C or SIGTERM (docker stop)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open document store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	srv := newServer(cfg, store)

	// Initial load. A store that is down at startup is not fatal: the
	// snapshot stays empty until a refresh or the first mutation succeeds.
	if err := srv.refresh(ctx); err != nil {
		slog.Warn("initial inventory load failed", "error", err)
	} else {
		slog.Info("inventory loaded", "items", len(srv.snapshot.Items()))
	}

	httpServer := srv.httpServer(":" + cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"port", cfg.Port,
			"store", cfg.StoreDriver,
			"collection", cfg.Collection,
			"image_policy", cfg.ImagePolicy,
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			store.Close()
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
		}
	}
}

// httpServer wraps the routes in an http.Server
func (s *server) httpServer(addr string) *http.Server {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: the change feed holds responses open
	}

	// Shutdown does not cancel request contexts, so end the change feeds
	// ourselves or every connected dashboard holds shutdown to its deadline
	hs.RegisterOnShutdown(s.bus.Close)
	return hs
}
