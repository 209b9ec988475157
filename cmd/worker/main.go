package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"csecbridge/internal/config"
	"csecbridge/internal/queue"
	"csecbridge/internal/store"
	"csecbridge/internal/telemetry"
	"csecbridge/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	q := queue.New(redisClient, cfg.RetryToFront())

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Error("load aws config", "error", err)
		os.Exit(1)
	}

	// Fail fast before entering the queue loop: every backend must be
	// reachable and the AWS credentials must actually resolve.
	if err := st.Ping(ctx); err != nil {
		logger.Error("startup check: postgres", "error", err)
		os.Exit(1)
	}
	if err := q.Ping(ctx); err != nil {
		logger.Error("startup check: redis", "error", err)
		os.Exit(1)
	}
	if _, err := sts.NewFromConfig(awsCfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		logger.Error("startup check: aws credentials", "error", err)
		os.Exit(1)
	}
	logger.Info("startup health check completed")

	executor := worker.NewIAMExecutor(iam.NewFromConfig(awsCfg), logger)
	processor := worker.New(st, q, executor, cfg.TargetProviders,
		cfg.WorkerPopTimeout, cfg.QueueRetryBackoff, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker starting",
		"providers", cfg.TargetProviders,
		"pop_timeout", cfg.WorkerPopTimeout,
		"retry_insertion", cfg.RetryInsertion)
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
