package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"payment-recovery/api/router"
	"payment-recovery/config"
	"payment-recovery/internal/dedup"
	"payment-recovery/internal/ingest"
	"payment-recovery/internal/ordering"
	"payment-recovery/internal/queue"
	"payment-recovery/internal/storage"
	"payment-recovery/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	httpServer    *http.Server
	metricsServer *http.Server
	logger        *logger.Logger
	publisher     queue.Publisher
	repo          *storage.MongoDB
	redis         *redis.Client
}

func NewServer(cfg *config.Config, logger *logger.Logger) (*Server, error) {
	repo, err := storage.NewMongoDB(cfg.MongoDB.URI, cfg.MongoDB.Database, logger.Named("mongodb"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	index, rdb, err := OpenDedupIndex(context.Background(), cfg, repo, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.QueueName, logger.Named("rabbitmq"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rabbitmq publisher: %w", err)
	}

	q := ordering.NewQueue(repo, cfg.Ordering, logger.Named("ordering"))
	gate := ingest.NewGate(repo, index, q, publisher, cfg.Ingestion, logger.Named("ingest"))

	checks := map[string]router.HealthCheck{"mongodb": repo.Ping}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	r := router.Setup(logger, gate, q, cfg, checks)

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Monitoring.MetricsPath, promhttp.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		metricsServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler: metricsMux,
		},
		logger:    logger,
		publisher: publisher,
		repo:      repo,
		redis:     rdb,
	}, nil
}

// OpenDedupIndex builds the dedup index on Redis when an address is
// configured and on the repository otherwise. The client is nil without Redis.
func OpenDedupIndex(ctx context.Context, cfg *config.Config, repo storage.DedupRepository, logger *logger.Logger) (*dedup.Index, *redis.Client, error) {
	var store dedup.Store = repo
	var client *redis.Client
	if cfg.Redis.Addr != "" {
		c, err := dedup.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		client = c
		store = dedup.NewRedisStore(c)
		logger.Info("Dedup index backed by redis " + cfg.Redis.Addr)
	}
	index := dedup.NewIndex(store, cfg.Ingestion.DedupWindow, cfg.Ingestion.DedupBucket, logger.Named("dedup"))
	return index, client, nil
}

func (s *Server) Start() error {
	go func() {
		s.logger.Info("Metrics server starting on " + s.metricsServer.Addr)
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("metrics server error: %v", err)
		}
	}()

	s.logger.Info("Server starting on " + s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown() error {
	s.logger.Info("Server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if mErr := s.metricsServer.Shutdown(ctx); mErr != nil {
		s.logger.Desugar().Error("failed to stop metrics server", zap.Error(mErr))
	}
	if pErr := s.publisher.Close(); pErr != nil {
		s.logger.Desugar().Error("failed to close publisher", zap.Error(pErr))
	}
	if s.redis != nil {
		if rErr := s.redis.Close(); rErr != nil {
			s.logger.Desugar().Error("failed to close redis", zap.Error(rErr))
		}
	}
	if dErr := s.repo.Close(ctx); dErr != nil {
		s.logger.Desugar().Error("failed to close mongodb", zap.Error(dErr))
	}
	return err
}
