package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/truongminhphung/realtime-messaging-app/domain/notification"
)

// EventQueue accepts first-attempt notification events.
type EventQueue interface {
	PublishEvent(ctx context.Context, ev *notification.Event) error
}

// Publisher enqueues notification events. When the queue is down it degrades
// to writing pending rows directly so no notification is lost; those rows
// skip live push and provider delivery until a later reconciliation.
type Publisher struct {
	queue EventQueue
	store NotificationStore
}

// NewPublisher creates a publisher with a direct-store fallback.
func NewPublisher(queue EventQueue, store NotificationStore) *Publisher {
	return &Publisher{queue: queue, store: store}
}

// Publish enqueues the event, falling back to direct row creation on
// queue failure.
func (p *Publisher) Publish(ctx context.Context, ev *notification.Event) error {
	if p.queue != nil {
		err := p.queue.PublishEvent(ctx, ev)
		if err == nil {
			return nil
		}
		log.Printf("[notify] Queue publish failed, falling back to direct rows: %v", err)
	}

	return p.storeDirect(ctx, ev)
}

// storeDirect writes a pending row per recipient without queue involvement.
func (p *Publisher) storeDirect(ctx context.Context, ev *notification.Event) error {
	if !ev.Type.Valid() {
		return nil
	}

	content, err := buildContent(ev)
	if err != nil {
		return err
	}

	for _, recipientID := range ev.RecipientIDs {
		if recipientID == ev.SenderID {
			continue
		}
		n := &notification.Notification{
			ID:        uuid.NewString(),
			UserID:    recipientID,
			Type:      ev.Type,
			Content:   content,
			Status:    notification.StatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := p.store.Create(ctx, n); err != nil {
			return fmt.Errorf("failed to create fallback notification row: %w", err)
		}
	}
	return nil
}
