package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"queuectl/internal/api"
	"queuectl/internal/config"
	"queuectl/internal/control"
	"queuectl/internal/ratelimit"
	"queuectl/internal/store"
	"queuectl/internal/supervisor"
	"queuectl/internal/telemetry"
	"queuectl/internal/worker"
)

const gaugeRefreshInterval = 5 * time.Second

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN())
	if err != nil {
		fatal(logger, "open store", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		fatal(logger, "migrations", err)
	}
	if err := st.RecordDaemonStart(ctx, time.Now()); err != nil {
		fatal(logger, "record daemon start", err)
	}

	opts := []control.Option{control.WithLogger(logger)}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		opts = append(opts, control.WithLimiter(ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)))
		logger.Info("enqueue rate limit enabled", "redis", cfg.RedisAddr, "capacity", cfg.RateLimitCapacity, "refill_per_sec", cfg.RateLimitRefill)
	}

	dispatcher := control.NewDispatcher(st, newLauncher(cfg, st, logger), opts...)
	ctl := control.NewServer(cfg.SocketPath, dispatcher, logger)
	if err := ctl.Listen(); err != nil {
		fatal(logger, "control socket", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctl.Serve(gctx) })

	if cfg.HTTPAddr != "" {
		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.New(st, dispatcher, logger).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("ops api listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(gaugeRefreshInterval)
		defer ticker.Stop()
		for {
			if counts, err := st.CountByState(gctx); err == nil {
				telemetry.SetJobCounts(counts)
			} else if gctx.Err() == nil {
				logger.Warn("refresh job gauges failed", "err", err)
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	logger.Info("daemon started", "socket", cfg.SocketPath, "store", cfg.StoreDriver, "worker_mode", cfg.WorkerMode)
	if err := g.Wait(); err != nil {
		logger.Error("daemon stopped", "err", err)
	}

	// Worker processes are left running; goroutine workers die with us.
	if cfg.WorkerMode == config.WorkerModeInProcess {
		dispatcher.StopWorkers()
	}
	logger.Info("daemon exited")
}

func newLauncher(cfg config.Config, st store.Store, logger *slog.Logger) supervisor.Launcher {
	if cfg.WorkerMode == config.WorkerModeInProcess {
		return supervisor.InProcessLauncher{
			Logger: logger,
			Run: func(ctx context.Context, workerID string) error {
				p := worker.NewProcessor(st, worker.ShellExecutor{},
					worker.WithPollInterval(cfg.WorkerPollInterval),
					worker.WithWorkerID(workerID),
					worker.WithLogger(logger),
				)
				return p.Run(ctx)
			},
		}
	}
	return supervisor.ProcessLauncher{Bin: cfg.WorkerBin, Logger: logger}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
