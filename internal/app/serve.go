package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/newthinker/quantbase/internal/etl"
)

const (
	cooldownSweep   = time.Hour
	shutdownTimeout = 30 * time.Second
)

// Serve runs the fetch and ETL workers, the refresh planner and the
// scheduled jobs until ctx is cancelled. Cancellation is a clean exit.
func (a *App) Serve(ctx context.Context) error {
	watch := a.Watchlist(ctx)
	a.planner.SetWatchlist(watch)

	if _, err := a.pipeline.Recover(ctx, a.etlQueue, a.cfg.ETL.MaxAttempts); err != nil {
		return fmt.Errorf("recovering pending payloads: %w", err)
	}

	if err := a.planner.AddJob(ctx, "etl-recovery", a.cfg.ETL.Recovery, func(ctx context.Context) error {
		_, err := a.pipeline.Recover(ctx, a.etlQueue, a.cfg.ETL.MaxAttempts)
		return err
	}); err != nil {
		return err
	}
	if spec := a.cfg.Valuation.Schedule; spec != "" {
		if err := a.planner.AddJob(ctx, "assess", spec, func(ctx context.Context) error {
			_, err := a.AssessWatchlist(ctx, time.Now().UTC())
			return err
		}); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.orch.Run(gctx) })
	g.Go(func() error {
		return etl.NewWorkers(a.pipeline, a.etlQueue, a.cfg.ETL.Workers, a.logger).Run(gctx)
	})
	if a.cfg.Metrics.Listen != "" {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}

	if err := a.planner.Start(gctx); err != nil {
		return err
	}
	a.planner.Tick(gctx)
	a.router.StartCleanupRoutine(gctx, cooldownSweep)

	a.logger.Info("quantbase serving",
		zap.Int("watchlist", len(watch)),
		zap.Int("fetch_workers", a.cfg.Orchestrator.Workers),
		zap.Int("etl_workers", a.cfg.ETL.Workers),
		zap.String("metrics", a.cfg.Metrics.Listen))

	<-gctx.Done()
	a.logger.Info("shutting down")
	a.planner.Stop()
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) serveMetrics(ctx context.Context) error {
	path := a.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, a.metrics.Handler())

	srv := &http.Server{
		Addr:         a.cfg.Metrics.Listen,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("metrics listening", zap.String("addr", srv.Addr), zap.String("path", path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
