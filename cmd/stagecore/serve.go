package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"stagecore/internal/blob"
	"stagecore/internal/core"
	"stagecore/internal/httpapi"
	"stagecore/internal/lifecycle"
)

func newServeCommand() *cobra.Command {
	var (
		addr          string
		sweepInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server with the background expiry sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, addr, sweepInterval)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Minute, "expiry sweep interval")
	return cmd
}

func runServe(ctx context.Context, addr string, sweepInterval time.Duration) error {
	store, err := core.OpenPersistentStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore(store)

	blobs, err := blob.Open(ctx)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics, err := core.NewPrometheusMetricsRecorder(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	svc := core.NewService(store,
		core.WithBlobStore(blobs),
		core.WithMetricsRecorder(metrics),
	)

	sweeper := lifecycle.NewSweeper(svc, sweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	server := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewServer(svc, registry).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func closeStore(store any) {
	if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
}
