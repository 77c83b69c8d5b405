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

	"sendflow/internal/api"
	"sendflow/internal/config"
	"sendflow/internal/mailer"
	"sendflow/internal/metrics"
	"sendflow/internal/model"
	"sendflow/internal/queue"
	"sendflow/internal/ratelimit"
	"sendflow/internal/repository"
	"sendflow/internal/service"
	"sendflow/pkg/logger"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func main() {
	// 1. Load Configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(cfg.Server.Environment)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("application startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// 2. Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize Infrastructure
	rdb, err := initRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	etcdCli, err := initEtcd(cfg.Etcd)
	if err != nil {
		return err
	}
	defer etcdCli.Close()

	db, err := initDB(cfg.MySQL)
	if err != nil {
		return err
	}

	// 4. Initialize Repositories
	jobRepo := repository.NewJobRepository(db)
	senderRepo := repository.NewSenderRepository(db)

	// 5. Initialize Queue & Services
	q := queue.NewRedisQueue(rdb, queue.RedisConfig{
		PollInterval:      cfg.Queue.PollInterval,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		RetryInitialDelay: cfg.Queue.RetryInitialDelay,
		RetryMaxDelay:     cfg.Queue.RetryMaxDelay,
	})

	limiter := ratelimit.NewRedisLimiter(rdb, cfg.Dispatch.BucketTTL)
	transport := mailer.NewSMTPTransport(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
	transport.PreviewBase = cfg.SMTP.PreviewBase

	scheduleSvc := service.NewScheduleService(jobRepo, senderRepo, q)
	authSvc := service.NewAuthService(senderRepo, rdb, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	dispatcher := service.NewDispatcher(jobRepo, senderRepo, limiter, transport, cfg.Dispatch)

	q.RegisterWorker(service.TaskSendEmail, dispatcher.Handle, queue.WorkerOptions{
		Concurrency:  cfg.Dispatch.Concurrency,
		PerSecondCap: cfg.Dispatch.PerSecondCap,
		OnFailed: func(task *queue.Task, err error) {
			logger.Error("task execution failed",
				zap.String("task_id", task.ID),
				zap.Int("attempt", task.Attempt),
				zap.Error(err))
		},
	})

	// 6. Initialize & Start Workers (Background Tasks)
	reconciler := service.NewReconciler(etcdCli, jobRepo, q, service.ReconcilerConfig{
		Interval:  cfg.Workers.ReconcilerInterval,
		Grace:     cfg.Workers.ReconcilerGrace,
		BatchSize: cfg.Workers.ReconcilerBatch,
	})

	go func() {
		logger.Info("starting dispatch workers",
			zap.Int("concurrency", cfg.Dispatch.Concurrency))
		q.Run(ctx)
	}()
	go func() {
		logger.Info("starting reconciler")
		reconciler.Run(ctx)
	}()
	go reportQueueDepth(ctx, q)

	// 7. Setup HTTP Server
	r := api.RegisterRoutes(
		api.NewScheduleHandler(scheduleSvc, jobRepo, rdb),
		api.NewAuthHandler(authSvc),
		rdb,
		cfg.RateLimit.RequestsPerSecond,
		cfg.Server.Environment,
	)

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: r,
	}

	// 8. Start Server
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", zap.Error(err))
		}
	}()

	// 9. Graceful Shutdown Signal Wait
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	// Create a deadline to wait for current requests to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Signal workers to stop; the queue drains in-flight executions
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited properly")
	return nil
}

func reportQueueDepth(ctx context.Context, q queue.Queue) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := q.Depth(ctx, service.TaskSendEmail)
			if err != nil {
				continue
			}
			metrics.QueueDepth.Set(float64(depth))
		}
	}
}

// -- Infrastructure Initializers --

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func initEtcd(cfg config.EtcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

func initDB(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}

	// Simple auto-migrate for dev convenience
	// In production, you might want to use a proper migration tool like golang-migrate
	err = db.AutoMigrate(
		&model.EmailJob{},
		&model.Sender{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}
