package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/eventfabric/pkg/config"
	"github.com/Mindburn-Labs/eventfabric/pkg/fabric"
	"github.com/Mindburn-Labs/eventfabric/pkg/observability"
	"github.com/Mindburn-Labs/eventfabric/pkg/snapshot"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fabric with its metrics and debug endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	logger := cfg.Log.NewLogger(logOut)
	slog.SetDefault(logger)

	otel, err := observability.New(ctx, &cfg.Observability)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		_ = otel.Shutdown(shutdownCtx)
	}()

	f, err := fabric.New(cfg, fabric.WithLogger(logger), fabric.WithTelemetry(otel))
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Stop(); err != nil {
			logger.Error("fabric stop", "error", err)
		}
	}()

	var store *snapshot.SQLStore
	if cfg.Snapshot.RestoreOnBoot || cfg.Snapshot.SaveOnShutdown {
		store, err = openSnapshot(ctx, cfg.Snapshot)
		if err != nil {
			return err
		}
		defer store.Close()
	}
	if cfg.Snapshot.RestoreOnBoot {
		if err := restore(ctx, f, store); err != nil {
			return err
		}
	}
	sink, err := snapshot.NewSink(ctx, cfg.Snapshot.Sink)
	if err != nil {
		return fmt.Errorf("snapshot sink: %w", err)
	}
	defer func() {
		if err := snapshot.CloseSink(sink); err != nil {
			logger.Error("snapshot sink close", "error", err)
		}
	}()

	if err := f.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newMux(f),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("fabric listening", "addr", cfg.HTTP.Addr)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	if cfg.Snapshot.SaveOnShutdown || sink != nil {
		if err := save(shutdownCtx, f, store, sink); err != nil {
			logger.Error("snapshot on shutdown failed", "error", err)
		}
	}
	return serveErr
}

func openSnapshot(ctx context.Context, sc config.SnapshotConfig) (*snapshot.SQLStore, error) {
	dialect, err := snapshot.ParseDialect(sc.Dialect)
	if err != nil {
		return nil, err
	}
	return snapshot.Open(ctx, dialect, sc.DSN)
}

func restore(ctx context.Context, f *fabric.Fabric, store *snapshot.SQLStore) error {
	trails, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if err := f.Trails().Restore(ctx, trails); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	slog.InfoContext(ctx, "trails restored", "count", len(trails))
	return nil
}

// save writes the decayed trails to store, dropping rows for trails that
// have evaporated, and exports them to sink. Either may be nil.
func save(ctx context.Context, f *fabric.Fabric, store *snapshot.SQLStore, sink snapshot.Sink) error {
	trails, err := f.Trails().Trails(ctx)
	if err != nil {
		return fmt.Errorf("read trails: %w", err)
	}

	var errs []error
	if store != nil {
		if err := store.Save(ctx, trails); err != nil {
			errs = append(errs, err)
		} else {
			keep := make([]string, len(trails))
			for i, t := range trails {
				keep[i] = t.Path
			}
			if _, err := store.Prune(ctx, keep); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if sink != nil {
		now := time.Now()
		if err := snapshot.Export(ctx, sink, snapshot.Key(now), trails, now); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		slog.InfoContext(ctx, "trails saved", "count", len(trails))
	}
	return errors.Join(errs...)
}
