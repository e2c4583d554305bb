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

	"payment-recovery/config"
	"payment-recovery/internal/access"
	"payment-recovery/internal/gateway"
	"payment-recovery/internal/idempotency"
	"payment-recovery/internal/ordering"
	"payment-recovery/internal/queue"
	"payment-recovery/internal/recovery"
	"payment-recovery/internal/retry"
	"payment-recovery/internal/server"
	"payment-recovery/internal/storage"
	"payment-recovery/internal/worker"
	"payment-recovery/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// metricsService serves /metrics under the supervisor.
type metricsService struct {
	srv *http.Server
}

func (s *metricsService) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *metricsService) String() string { return "metrics-server" }

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logger.NewLogger(cfg.LogLevel, "payment-recovery-worker")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := storage.NewMongoDB(cfg.MongoDB.URI, cfg.MongoDB.Database, logger.Named("mongodb"))
	if err != nil {
		logger.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer repo.Close(context.Background())

	index, rdb, err := server.OpenDedupIndex(ctx, cfg, repo, logger)
	if err != nil {
		logger.Fatalf("Failed to open dedup index: %v", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	broker, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.QueueName, logger.Named("rabbitmq"))
	if err != nil {
		logger.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer broker.Close()
	broker.StartMetricsUpdater(ctx)

	gw := gateway.NewClient(cfg.Gateway, logger.Named("gateway"))
	keys := idempotency.NewManager(repo, cfg.Idempotency.TTL, logger.Named("idempotency"))
	scheduler := retry.NewScheduler(repo, keys, gw, cfg.Recovery.Stages, cfg.Worker.ActionTimeout, logger.Named("scheduler"))
	accessMgr := access.NewManager(repo, gw, gw, cfg.Access, logger.Named("access"))

	machine, err := recovery.NewMachine(cfg.Recovery, recovery.Deps{
		Store:        repo,
		Scheduler:    scheduler,
		Policy:       retry.NewPolicy(cfg.Recovery),
		Access:       accessMgr,
		Gateway:      gw,
		OpsRecipient: cfg.Gateway.ManualReviewUser,
		Logger:       logger.Named("recovery"),
	})
	if err != nil {
		logger.Fatalf("Invalid recovery configuration: %v", err)
	}

	q := ordering.NewQueue(repo, cfg.Ordering, logger.Named("ordering"))
	processor := worker.NewProcessor(repo, machine, logger.Named("processor"))
	pool := worker.NewPool(q, processor, cfg.Worker.PoolSize, logger.Named("pool"))

	sup := worker.NewSupervisor(logger.Named("supervisor"), 10*time.Second,
		pool,
		worker.NewConsumerService(broker, pool, cfg.Worker.PoolSize*2),
		worker.NewReadyPoller(q, pool, cfg.Worker.PollInterval, cfg.Worker.ScheduleBatch, logger.Named("poller")),
		worker.NewActionRunner(scheduler, machine, cfg.Worker.PollInterval, cfg.Worker.ScheduleBatch, cfg.Worker.PoolSize, logger.Named("actions")),
		worker.NewAccessSweeper(accessMgr, cfg.Worker.AccessInterval, cfg.Worker.ScheduleBatch, logger.Named("access-sweeper")),
		worker.NewRetentionPurger(repo, index, keys, cfg.Worker.RetentionPeriod, cfg.Ingestion.AuditRetention, time.Hour, logger.Named("retention")),
		&metricsService{srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}},
	)

	logger.Desugar().Info("Worker started",
		zap.Int("pool_size", cfg.Worker.PoolSize),
		zap.String("queue", cfg.RabbitMQ.QueueName))

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("Worker supervisor stopped: %v", err)
	}
	logger.Info("Worker shutting down")
}
