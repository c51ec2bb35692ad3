package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
)

const (
	// eventChannelPrefix scopes status events per owner so one user's
	// execution content is never broadcast to another.
	eventChannelPrefix = "codeexec:events:"

	// killChannel carries admin kill signals to every worker; the worker that
	// owns the instance acts, the rest ignore the id.
	killChannel = "codeexec:kill"

	// subscriberBuffer bounds per-subscriber memory; slow consumers drop
	// events rather than block the bus.
	subscriberBuffer = 16
)

// RedisBus implements the notify interfaces over Redis pub/sub.
type RedisBus struct {
	client *goredis.Client
	logger *zap.Logger
}

var (
	_ EventPublisher  = (*RedisBus)(nil)
	_ EventSubscriber = (*RedisBus)(nil)
	_ KillSignaler    = (*RedisBus)(nil)
	_ KillListener    = (*RedisBus)(nil)
)

// NewRedisBus creates the pub/sub bus on an existing Redis client.
func NewRedisBus(client *goredis.Client, logger *zap.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

func (b *RedisBus) PublishStatus(ctx context.Context, event *domain.StatusEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	channel := eventChannelPrefix + event.OwnerID
	if err := b.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("notify: publish status: %w", err)
	}
	return nil
}

func (b *RedisBus) SubscribeStatus(ctx context.Context, ownerID string) (<-chan *domain.StatusEvent, error) {
	sub := b.client.Subscribe(ctx, eventChannelPrefix+ownerID)

	// Confirm the subscription before handing out the channel.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("notify: subscribe: %w", err)
	}

	out := make(chan *domain.StatusEvent, subscriberBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event domain.StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("notify: malformed status event", zap.Error(err))
					continue
				}
				select {
				case out <- &event:
				default:
					// Slow subscriber — drop. Status reads stay authoritative.
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) SignalKill(ctx context.Context, executionID uuid.UUID) error {
	if err := b.client.Publish(ctx, killChannel, executionID.String()).Err(); err != nil {
		return fmt.Errorf("notify: signal kill: %w", err)
	}
	return nil
}

func (b *RedisBus) ListenKills(ctx context.Context) (<-chan uuid.UUID, error) {
	sub := b.client.Subscribe(ctx, killChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("notify: subscribe kills: %w", err)
	}

	out := make(chan uuid.UUID, subscriberBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				id, err := uuid.Parse(msg.Payload)
				if err != nil {
					b.logger.Warn("notify: malformed kill signal", zap.String("payload", msg.Payload))
					continue
				}
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
