package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ephemera/internal/config"
	"ephemera/internal/feed"
	"ephemera/internal/gateway"
	"ephemera/internal/policy"
	"ephemera/internal/scheduler"
	"ephemera/internal/server"
	"ephemera/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the expiry engine",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, logFile := newLogger(cfg)
	defer func() { _ = logFile.Close() }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "ephemera", cfg.OTelEndpoint)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("flush traces", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	resolver := policy.FromConfig(cfg)
	gw := gateway.New(store, gateway.Options{
		RPS:     cfg.GatewayRPS,
		Batch:   cfg.GatewayBatch,
		Timeout: cfg.GatewayTimeout,
	}, log)
	feeds := feed.NewManager(ctx, feed.Deps{
		Store:    store,
		Gateway:  gw,
		Resolver: resolver,
		Log:      log,
	}, feed.Options{
		SweepInterval: cfg.SweepInterval,
		MaxPerTick:    cfg.SweepBatch,
		ExpiryScope:   cfg.ExpiryScope,
		RetryInitial:  cfg.DeleteRetryInitial,
		RetryMax:      cfg.DeleteRetryMax,
	})
	defer feeds.CloseAll()

	if cfg.BackendSweepInterval > 0 {
		sweeper := scheduler.Every(ctx, "backend-sweep", cfg.BackendSweepInterval, log, func(ctx context.Context, now time.Time) {
			n, err := store.DeleteExpired(ctx, now)
			if err != nil {
				log.Error("backend sweep", "error", err)
				return
			}
			if n > 0 {
				log.Info("backend sweep removed expired items", "count", n)
			}
		})
		defer sweeper.Stop()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(store, feeds, resolver, log, VersionString()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving", "addr", cfg.ListenAddr, "backend", cfg.StoreBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	log.Info("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	return httpServer.Shutdown(sctx)
}
