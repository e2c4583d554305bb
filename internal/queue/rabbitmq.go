package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-recovery/internal/models"
	"payment-recovery/pkg/metrics"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// EntityReady tells workers that an entity has a new ordering queue entry.
// The message is only a wake-up call; the queue itself is the source of truth.
type EntityReady struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Sequence   int64  `json:"sequence"`
	EventID    string `json:"event_id,omitempty"`
}

func (m EntityReady) Key() models.EntityKey {
	return models.EntityKey{Type: m.EntityType, ID: m.EntityID}
}

type Publisher interface {
	Publish(ctx context.Context, msg EntityReady) error
	Close() error
}

// HandlerFunc processes one entity-ready message.
type HandlerFunc func(ctx context.Context, msg EntityReady) error

var errMalformed = errors.New("malformed entity-ready message")

type RabbitMQ struct {
	conn         *amqp.Connection
	ch           *amqp.Channel
	exchangeName string
	queueName    string
	logger       *zap.Logger
}

func NewRabbitMQ(url, exchangeName, queueName string, logger *zap.Logger) (*RabbitMQ, error) {
	conn, ch, err := Connect(url, exchangeName, queueName)
	if err != nil {
		return nil, err
	}
	return &RabbitMQ{
		conn:         conn,
		ch:           ch,
		exchangeName: exchangeName,
		queueName:    queueName,
		logger:       logger,
	}, nil
}

// StartMetricsUpdater periodically exports the broker queue depth.
func (r *RabbitMQ) StartMetricsUpdater(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if q, err := r.ch.QueueInspect(r.queueName); err == nil {
					metrics.BrokerQueueDepth.WithLabelValues(r.queueName).Set(float64(q.Messages))
				}
			}
		}
	}()
}

func (r *RabbitMQ) Publish(ctx context.Context, msg EntityReady) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = r.ch.PublishWithContext(ctx,
		r.exchangeName,
		"",    // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Headers: amqp.Table{
				"entity_type": msg.EntityType,
				"entity_id":   msg.EntityID,
			},
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Consume delivers entity-ready messages to handle until ctx ends or the
// channel closes. The returned error lets a supervisor restart the consumer.
func (r *RabbitMQ) Consume(ctx context.Context, prefetch int, handle HandlerFunc) error {
	if err := r.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	msgs, err := r.ch.Consume(
		r.queueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			deliver(ctx, d, handle, r.logger)
		}
	}
}

// deliver runs handle for one delivery. Failed messages are dropped rather
// than requeued: the ready-entity poller picks their entries up again.
func deliver(ctx context.Context, d amqp.Delivery, handle HandlerFunc, logger *zap.Logger) {
	msg, err := decode(d.Body)
	if err != nil {
		logger.Error("Failed to decode message",
			zap.Error(err),
			zap.ByteString("body", d.Body))
		if err := d.Reject(false); err != nil {
			logger.Error("Failed to reject message", zap.Error(err))
		}
		return
	}

	if err := handle(ctx, msg); err != nil {
		logger.Warn("Entity-ready message not handled",
			zap.String("entity", msg.Key().String()),
			zap.Int64("sequence", msg.Sequence),
			zap.Error(err))
		if err := d.Nack(false, false); err != nil {
			logger.Error("Failed to nack message", zap.Error(err))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		logger.Error("Failed to ack message", zap.Error(err))
	}
}

func decode(body []byte) (EntityReady, error) {
	var msg EntityReady
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if msg.EntityType == "" || msg.EntityID == "" {
		return msg, fmt.Errorf("%w: missing entity", errMalformed)
	}
	return msg, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.ch.Close(); err != nil {
		r.logger.Error("Failed to close channel", zap.Error(err))
	}
	if err := r.conn.Close(); err != nil {
		r.logger.Error("Failed to close connection", zap.Error(err))
	}
	return nil
}
