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

	"queuectl/internal/config"
	"queuectl/internal/store"
	"queuectl/internal/supervisor"
	"queuectl/internal/telemetry"
	workerproc "queuectl/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN())
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		logger.Error("migrations", "err", err)
		os.Exit(1)
	}

	// Generate a unique worker ID from the supervisor, hostname or pid.
	workerID := os.Getenv(supervisor.EnvWorkerID)
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	if cfg.WorkerMetricsAddr != "" {
		metrics := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", "err", err)
			}
		}()
		defer metrics.Close()
	}

	processor := workerproc.NewProcessor(st, workerproc.ShellExecutor{},
		workerproc.WithPollInterval(cfg.WorkerPollInterval),
		workerproc.WithWorkerID(workerID),
		workerproc.WithLogger(logger),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}
