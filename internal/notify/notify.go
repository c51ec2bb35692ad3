// Package notify is the best-effort real-time side channel: status events
// pushed to subscribed clients and kill signals broadcast to the worker fleet.
// Nothing here is a source of truth — a disconnected subscriber silently
// misses events and recovers by reading the execution record.
package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
)

// EventPublisher pushes status transitions onto the per-owner channel.
type EventPublisher interface {
	PublishStatus(ctx context.Context, event *domain.StatusEvent) error
}

// EventSubscriber delivers one owner's status events until ctx is cancelled.
// Events for other owners are never delivered.
type EventSubscriber interface {
	SubscribeStatus(ctx context.Context, ownerID string) (<-chan *domain.StatusEvent, error)
}

// KillSignaler broadcasts a kill request to whichever worker owns the
// execution's runtime instance.
type KillSignaler interface {
	SignalKill(ctx context.Context, executionID uuid.UUID) error
}

// KillListener receives kill signals on the worker side.
type KillListener interface {
	ListenKills(ctx context.Context) (<-chan uuid.UUID, error)
}
