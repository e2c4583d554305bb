package worker

import (
	"context"
	"time"

	"payment-recovery/internal/access"
	"payment-recovery/internal/dedup"
	"payment-recovery/internal/idempotency"
	"payment-recovery/internal/models"
	"payment-recovery/internal/ordering"
	"payment-recovery/internal/queue"
	"payment-recovery/internal/retry"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// every runs fn immediately and then on each tick until ctx ends. Errors are
// logged; a failing pass never stops the loop.
func every(ctx context.Context, interval time.Duration, name string, logger *zap.Logger, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Periodic task failed", zap.String("task", name), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Consumer is the broker side the consumer service needs.
type Consumer interface {
	Consume(ctx context.Context, prefetch int, handle queue.HandlerFunc) error
}

// ConsumerService feeds entity-ready messages into the pool.
type ConsumerService struct {
	broker   Consumer
	pool     *Pool
	prefetch int
}

func NewConsumerService(broker Consumer, pool *Pool, prefetch int) *ConsumerService {
	return &ConsumerService{broker: broker, pool: pool, prefetch: prefetch}
}

func (s *ConsumerService) Serve(ctx context.Context) error {
	return s.broker.Consume(ctx, s.prefetch, func(ctx context.Context, msg queue.EntityReady) error {
		return s.pool.Submit(ctx, msg.Key())
	})
}

func (s *ConsumerService) String() string { return "entity-ready-consumer" }

// ReadyPoller finds entities with dispatchable work the broker did not
// announce: lost messages, backoff expiry and re-claimable entries.
type ReadyPoller struct {
	queue    *ordering.Queue
	pool     *Pool
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

func NewReadyPoller(q *ordering.Queue, pool *Pool, interval time.Duration, batch int, logger *zap.Logger) *ReadyPoller {
	return &ReadyPoller{queue: q, pool: pool, interval: interval, batch: batch, logger: logger}
}

func (s *ReadyPoller) Serve(ctx context.Context) error {
	return every(ctx, s.interval, s.String(), s.logger, s.RunOnce)
}

func (s *ReadyPoller) RunOnce(ctx context.Context) error {
	keys, err := s.queue.ReadyEntities(ctx, s.batch)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.pool.Submit(ctx, key); err != nil {
			return err
		}
	}
	return s.queue.RefreshGauges(ctx)
}

func (s *ReadyPoller) String() string { return "ready-entity-poller" }

// Executor runs one recovery action.
type Executor interface {
	Execute(ctx context.Context, action *models.RecoveryAction) error
}

// ActionRunner executes due recovery actions. Actions of one failure run in
// order on one goroutine; different failures run in parallel.
type ActionRunner struct {
	scheduler *retry.Scheduler
	executor  Executor
	interval  time.Duration
	batch     int
	parallel  int
	logger    *zap.Logger
}

func NewActionRunner(scheduler *retry.Scheduler, executor Executor, interval time.Duration, batch, parallel int, logger *zap.Logger) *ActionRunner {
	return &ActionRunner{
		scheduler: scheduler,
		executor:  executor,
		interval:  interval,
		batch:     batch,
		parallel:  parallel,
		logger:    logger,
	}
}

func (s *ActionRunner) Serve(ctx context.Context) error {
	return every(ctx, s.interval, s.String(), s.logger, func(ctx context.Context) error {
		_, err := s.RunOnce(ctx)
		return err
	})
}

// RunOnce executes one batch of due actions and returns how many it tried.
func (s *ActionRunner) RunOnce(ctx context.Context) (int, error) {
	due, err := s.scheduler.Due(ctx, s.batch)
	if err != nil {
		return 0, err
	}

	var order []string
	byFailure := make(map[string][]*models.RecoveryAction)
	for _, a := range due {
		if _, ok := byFailure[a.FailureID]; !ok {
			order = append(order, a.FailureID)
		}
		byFailure[a.FailureID] = append(byFailure[a.FailureID], a)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, id := range order {
		actions := byFailure[id]
		g.Go(func() error {
			for _, a := range actions {
				if err := s.executor.Execute(gctx, a); err != nil {
					s.logger.Error("Recovery action failed",
						zap.String("action_id", a.ID),
						zap.String("failure_id", a.FailureID),
						zap.String("type", string(a.Type)),
						zap.Error(err))
				}
			}
			return nil
		})
	}
	return len(due), g.Wait()
}

func (s *ActionRunner) String() string { return "recovery-action-runner" }

// AccessSweeper applies time-based grace and suspension changes.
type AccessSweeper struct {
	access   *access.Manager
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

func NewAccessSweeper(m *access.Manager, interval time.Duration, batch int, logger *zap.Logger) *AccessSweeper {
	return &AccessSweeper{access: m, interval: interval, batch: batch, logger: logger}
}

func (s *AccessSweeper) Serve(ctx context.Context) error {
	return every(ctx, s.interval, s.String(), s.logger, func(ctx context.Context) error {
		n, err := s.access.Sweep(ctx, s.batch)
		if n > 0 {
			s.logger.Info("Access sweep applied changes", zap.Int("customers", n))
		}
		return err
	})
}

func (s *AccessSweeper) String() string { return "access-sweeper" }

// RetentionStore is the persistence the purger trims.
type RetentionStore interface {
	PurgeEvents(ctx context.Context, before time.Time) (int64, error)
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)
}

// RetentionPurger drops events, dedup records, idempotency keys and audit
// entries past their retention.
type RetentionPurger struct {
	store          RetentionStore
	dedup          *dedup.Index
	keys           *idempotency.Manager
	eventRetention time.Duration
	auditRetention time.Duration
	interval       time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

func NewRetentionPurger(store RetentionStore, index *dedup.Index, keys *idempotency.Manager, eventRetention, auditRetention, interval time.Duration, logger *zap.Logger) *RetentionPurger {
	return &RetentionPurger{
		store:          store,
		dedup:          index,
		keys:           keys,
		eventRetention: eventRetention,
		auditRetention: auditRetention,
		interval:       interval,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the purger's time source.
func (s *RetentionPurger) WithClock(now func() time.Time) *RetentionPurger {
	s.now = now
	return s
}

func (s *RetentionPurger) Serve(ctx context.Context) error {
	return every(ctx, s.interval, s.String(), s.logger, s.RunOnce)
}

func (s *RetentionPurger) RunOnce(ctx context.Context) error {
	now := s.now()
	events, err := s.store.PurgeEvents(ctx, now.Add(-s.eventRetention))
	if err != nil {
		return err
	}
	hashes, err := s.dedup.Purge(ctx, now)
	if err != nil {
		return err
	}
	keys, err := s.keys.Purge(ctx)
	if err != nil {
		return err
	}
	var audit int64
	if s.auditRetention > 0 {
		if audit, err = s.store.PurgeAudit(ctx, now.Add(-s.auditRetention)); err != nil {
			return err
		}
	}
	if events+hashes+keys+audit > 0 {
		s.logger.Info("Retention purge",
			zap.Int64("events", events),
			zap.Int64("dedup_records", hashes),
			zap.Int64("idempotency_keys", keys),
			zap.Int64("audit_entries", audit))
	}
	return nil
}

func (s *RetentionPurger) String() string { return "retention-purger" }
