package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/api"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/events"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, event consumers and ops API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.migrate(ctx); err != nil {
		return fmt.Errorf("applying schemas: %w", err)
	}

	slog.Info("starting catalog reconciler",
		"port", cfg.Server.Port,
		"matching_interval", cfg.Scheduler.MatchingInterval,
		"cleaning_time", cfg.Scheduler.CleaningTime,
		"matching_threshold", cfg.Matching.Threshold,
		"suggest_threshold", cfg.Cleaning.SuggestThreshold,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.scheduler.Run(ctx)
	})

	if cfg.Kafka.Enabled {
		changed := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.CatalogChanged, events.CatalogChangedHandler(a.initializer))
		ingested := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.PositionsIngested, events.PositionsIngestedHandler(a.scheduler))
		g.Go(func() error { return changed.Start(ctx) })
		g.Go(func() error { return ingested.Start(ctx) })
		slog.Info("event consumers started",
			"catalog_changed", cfg.Kafka.Topics.CatalogChanged,
			"positions_ingested", cfg.Kafka.Topics.PositionsIngested,
		)
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(ctx, cfg.Metrics.Port, a.registry, cfg.Server.ShutdownTimeout)
		})
	}

	// Pass triggers answer only when the pass finishes, so WriteTimeout is
	// sized for a whole cleaning pass.
	h := api.NewHandler(a.scheduler, a.initializer, a.breakers...)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(h, a.checker, a.metrics, cfg.Server.APIKey, cfg.Server.WriteTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if cfg.Server.APIKey == "" {
		slog.Warn("ops api is unauthenticated; set server.apiKey to require a key")
	}

	g.Go(func() error {
		slog.Info("ops api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		if err := withShutdownTimeout(server.Shutdown); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("catalog reconciler stopped")
	return err
}

func withShutdownTimeout(shutdown func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return shutdown(ctx)
}
