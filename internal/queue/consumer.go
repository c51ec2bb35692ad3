package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
	"github.com/kawacukennedy/polygot-sub000/internal/metrics"
)

const (
	// Reconnection parameters
	maxConsumerReconnectDelay  = 30 * time.Second
	baseConsumerReconnectDelay = 1 * time.Second

	// depthPollInterval is how often the observable queue depth gauge is refreshed.
	depthPollInterval = 10 * time.Second
)

// Consumer listens to RabbitMQ and dispatches JobMessages (with ACK callbacks)
// to the worker pool's channel. It does not auto-ACK: the pool acknowledges
// only after the result is durably reconciled, so a crash between execution
// and persistence causes a safe redelivery.
type Consumer struct {
	url      string
	prefetch int
	conn     *amqp.Connection
	channel  *amqp.Channel
	logger   *zap.Logger
	jobs     chan<- *JobMessage

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// NewConsumer creates a RabbitMQ consumer. prefetch bounds the number of
// unacknowledged deliveries per worker process, which together with the pool
// size caps total in-flight sandboxes.
func NewConsumer(url string, prefetch int, jobs chan<- *JobMessage, logger *zap.Logger) (*Consumer, error) {
	c := &Consumer{
		url:      url,
		prefetch: prefetch,
		logger:   logger,
		jobs:     jobs,
		closeCh:  make(chan struct{}),
	}

	if err := c.connect(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}

	// Idempotent topology declaration — the worker may start before the API.
	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	return nil
}

// Start begins consuming messages. It blocks until the context is cancelled.
// On connection loss it automatically reconnects with exponential backoff.
func (c *Consumer) Start(ctx context.Context) error {
	go c.pollDepth(ctx)

	for {
		err := c.consume(ctx)
		if err == nil {
			// Context was cancelled — clean shutdown.
			return nil
		}

		select {
		case <-c.closeCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		c.logger.Warn("AMQP consumer lost connection, reconnecting...", zap.Error(err))

		for attempt := 0; ; attempt++ {
			select {
			case <-c.closeCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			delay := time.Duration(math.Min(
				float64(baseConsumerReconnectDelay)*math.Pow(2, float64(attempt)),
				float64(maxConsumerReconnectDelay),
			))
			c.logger.Info("Reconnect attempt",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
			)
			time.Sleep(delay)

			if err := c.connect(); err != nil {
				c.logger.Error("Reconnect failed", zap.Error(err))
				continue
			}

			c.logger.Info("Reconnected to RabbitMQ")
			break
		}
	}
}

// consume runs one consume session until the delivery channel closes or ctx is cancelled.
func (c *Consumer) consume(ctx context.Context) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("channel is nil")
	}

	deliveries, err := ch.Consume(
		QueueName,
		"",    // auto-generated consumer tag
		false, // auto-ack disabled (manual ack)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	c.logger.Info("AMQP consumer started", zap.String("queue", QueueName))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("AMQP consumer stopping (context cancelled)")
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			var job domain.Job
			if err := json.Unmarshal(delivery.Body, &job); err != nil {
				c.logger.Error("Failed to unmarshal job",
					zap.Error(err),
					zap.String("body", string(delivery.Body)),
				)
				delivery.Nack(false, false) // reject → DLQ
				continue
			}

			// Schema is validated again on dequeue; a payload from an
			// incompatible publisher goes straight to the DLQ.
			if err := job.Validate(); err != nil {
				c.logger.Error("Rejected job with invalid schema",
					zap.Error(err),
					zap.String("execution_id", job.ExecutionID.String()),
				)
				delivery.Nack(false, false)
				continue
			}

			c.logger.Debug("Received job from queue",
				zap.String("execution_id", job.ExecutionID.String()),
				zap.String("language", job.Language),
			)

			// Local copies so the closures are safe.
			tag := delivery.DeliveryTag
			localCh := ch

			msg := &JobMessage{
				Job:           &job,
				DeliveryCount: deliveryCount(delivery.Headers),
				Ack: func() error {
					return localCh.Ack(tag, false)
				},
				Nack: func(requeue bool) error {
					return localCh.Nack(tag, false, requeue)
				},
			}

			// Dispatch to worker pool. This blocks when all workers are
			// busy, which is the desired back-pressure.
			select {
			case c.jobs <- msg:
			case <-ctx.Done():
				// Shutting down — nack so the message is requeued.
				delivery.Nack(false, true)
				return nil
			}
		}
	}
}

// deliveryCount reads the quorum queue's redelivery counter. Missing header
// means first delivery.
func deliveryCount(headers amqp.Table) int64 {
	v, ok := headers["x-delivery-count"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}

// pollDepth periodically refreshes the queue depth gauge via a passive declare.
func (c *Consumer) pollDepth(ctx context.Context) {
	ticker := time.NewTicker(depthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			ch := c.channel
			c.mu.Unlock()
			if ch == nil {
				continue
			}
			q, err := ch.QueueDeclarePassive(QueueName, true, false, false, false, amqp.Table{
				"x-dead-letter-exchange": DeadLetterExchange,
				"x-queue-type":           "quorum",
			})
			if err != nil {
				c.logger.Debug("Queue depth poll failed", zap.Error(err))
				continue
			}
			metrics.QueueDepth.Set(float64(q.Messages))
		}
	}
}

// Close gracefully shuts down the consumer.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)

	var firstErr error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
