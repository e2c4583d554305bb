package worker

import (
	"context"

	"payment-recovery/internal/models"
	"payment-recovery/internal/ordering"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool drains entities with a fixed number of workers. Entities are
// independent; the ordering queue keeps each one single-threaded.
type Pool struct {
	queue   *ordering.Queue
	handler ordering.Handler
	size    int
	work    chan models.EntityKey
	logger  *zap.Logger
}

func NewPool(q *ordering.Queue, handler ordering.Handler, size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		queue:   q,
		handler: handler,
		size:    size,
		work:    make(chan models.EntityKey, size*4),
		logger:  logger,
	}
}

// Submit hands an entity to the pool, blocking while every worker is busy.
func (p *Pool) Submit(ctx context.Context, key models.EntityKey) error {
	select {
	case p.work <- key:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs the workers until ctx ends.
func (p *Pool) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case key := <-p.work:
					p.drain(ctx, key)
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) drain(ctx context.Context, key models.EntityKey) {
	n, err := p.queue.Drain(ctx, key, p.handler)
	if err != nil && ctx.Err() == nil {
		p.logger.Error("Failed to drain entity",
			zap.String("entity", key.String()),
			zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Debug("Entity drained",
			zap.String("entity", key.String()),
			zap.Int("processed", n))
	}
}

func (p *Pool) String() string { return "worker-pool" }
