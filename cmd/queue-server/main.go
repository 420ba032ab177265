package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/record-batch-queue/internal/config"
	"github.com/Sternrassler/record-batch-queue/pkg/logging"
	"github.com/Sternrassler/record-batch-queue/pkg/queue"
	"github.com/Sternrassler/record-batch-queue/pkg/ratelimit"
	"github.com/Sternrassler/record-batch-queue/pkg/redisdb"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		redisAddr  string
		port       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:          "queue-server",
		Short:        "Serve batched record fetch, save and delete over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Flags win over file and environment.
			flags := cmd.Flags()
			if flags.Changed("redis-addr") {
				cfg.Redis.Addr = redisAddr
			}
			if flags.Changed("port") {
				cfg.Server.Port = port
			}
			if flags.Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address (env REDIS_URL)")
	cmd.Flags().StringVar(&port, "port", "", "HTTP port (env PORT)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (env LOG_LEVEL)")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	level, _ := logging.ParseLogLevel(cfg.Logging.Level)
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Pretty = cfg.Logging.Pretty
	logging.Setup(logCfg)
	logger := logging.NewLogger("queue-server")

	// Setup Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error().Err(err).Str("redis_addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		return fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Str("redis_addr", cfg.Redis.Addr).Msg("Connected to Redis")

	db, err := redisdb.New(redisClient, cfg.DatabaseOptions())
	if err != nil {
		return fmt.Errorf("create record database: %w", err)
	}
	defer db.Close()

	qcfg := cfg.QueueOptions()
	if cfg.Queue.SharedBackoff {
		qcfg.Persister = ratelimit.NewRedisPersister(redisClient)
	}
	q, err := queue.New(db, qcfg)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	defer q.Close()

	go logProgress(ctx, q)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newServer(q, redisClient, cfg.Server.RequestTimeout, logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Starting queue server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down queue server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// logProgress writes a debug line per coalesced progress notification.
func logProgress(ctx context.Context, q *queue.Queue) {
	logger := logging.NewLogger("queue-server")
	ch, unsubscribe := q.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			s := q.Stats()
			logger.Debug().
				Float64("progress", s.Progress).
				Int("remaining", s.QueueRemaining).
				Float64("slow_progress", s.SlowProgress).
				Int("slow_remaining", s.SlowQueueRemaining).
				Msg("Queue progress")
		}
	}
}
