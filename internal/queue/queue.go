// Package queue carries jobs between the submission API and the execution
// workers over RabbitMQ. Delivery is at-least-once: a worker that crashes
// before acknowledging causes redelivery, and the broker's quorum-queue
// delivery counter bounds how often an infrastructure failure is retried
// before the job is parked on the dead-letter queue.
package queue

import (
	"context"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
)

const (
	// ExchangeName is the direct exchange jobs are published to.
	ExchangeName = "codeexec.direct"

	// QueueName is the durable quorum queue workers consume from.
	QueueName = "execution_jobs"

	// DeadLetterExchange and DeadLetterQueue hold jobs that exhausted their
	// retry budget, for operator inspection.
	DeadLetterExchange = "codeexec.dlx"
	DeadLetterQueue    = "execution_jobs.dlq"

	routingKey = "execute"
)

// Publisher enqueues jobs for the worker fleet.
type Publisher interface {
	Publish(ctx context.Context, job *domain.Job) error
	Close() error
}

// JobMessage wraps a delivered job with its acknowledgement callbacks and the
// broker-side delivery attempt count. The worker pool calls exactly one of
// Ack or Nack after handling the job.
type JobMessage struct {
	Job *domain.Job

	// DeliveryCount is how many times the broker has delivered this message
	// before, taken from the quorum queue's x-delivery-count header. First
	// delivery is 0.
	DeliveryCount int64

	Ack  func() error
	Nack func(requeue bool) error
}
