package notify

import (
	"context"
	"log"

	"github.com/truongminhphung/realtime-messaging-app/domain/notification"
)

// Provider delivers a notification through an external channel such as email
// or a mobile push service.
type Provider interface {
	Name() string
	Deliver(ctx context.Context, n *notification.Notification, ev *notification.Event) error
}

// LogEmailProvider simulates an email gateway by logging the delivery.
// Swap it for a real SMTP or transactional-mail client in production.
type LogEmailProvider struct{}

// Name returns the provider name.
func (p *LogEmailProvider) Name() string { return "email" }

// Deliver logs the would-be email.
func (p *LogEmailProvider) Deliver(_ context.Context, n *notification.Notification, ev *notification.Event) error {
	log.Printf("[notify] email -> user %s: %s from %s", n.UserID, n.Type, ev.SenderInfo.Name())
	return nil
}

// LogPushProvider simulates a mobile push gateway by logging the delivery.
type LogPushProvider struct{}

// Name returns the provider name.
func (p *LogPushProvider) Name() string { return "push" }

// Deliver logs the would-be push notification.
func (p *LogPushProvider) Deliver(_ context.Context, n *notification.Notification, ev *notification.Event) error {
	log.Printf("[notify] push -> user %s: %s from %s", n.UserID, n.Type, ev.SenderInfo.Name())
	return nil
}
