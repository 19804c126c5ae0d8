package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/truongminhphung/realtime-messaging-app/domain/notification"
)

// NotificationStore persists notification rows and their status transitions.
type NotificationStore interface {
	Create(ctx context.Context, n *notification.Notification) error
	UpdateStatus(ctx context.Context, id string, status notification.Status) error
}

// LivePusher sends a payload to every live connection of a user. It returns
// the number of connections reached.
type LivePusher interface {
	SendToUser(userID string, payload any) int
}

// RetryQueue routes failed events back into the pipeline.
type RetryQueue interface {
	PublishRetry(ctx context.Context, ev *notification.Event) error
	PublishDeadLetter(ctx context.Context, ev *notification.Event, reason string) error
}

// DispatcherConfig holds dispatcher tuning.
type DispatcherConfig struct {
	NumWorkers     int
	MaxRetries     int
	RetryDelay     time.Duration
	ProcessTimeout time.Duration
}

// DefaultDispatcherConfig returns the default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		NumWorkers:     3,
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
		ProcessTimeout: 30 * time.Second,
	}
}

// Dispatcher consumes notification events and fans each one out to its
// recipients: a durable pending row, a live WebSocket push, and provider
// delivery. Failed events are republished for retry with an incremented
// count; events past the retry limit go to the dead-letter subject.
type Dispatcher struct {
	config    DispatcherConfig
	store     NotificationStore
	pusher    LivePusher
	queue     RetryQueue
	providers []Provider

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig, store NotificationStore, pusher LivePusher, queue RetryQueue, providers ...Provider) *Dispatcher {
	return &Dispatcher{
		config:    cfg,
		store:     store,
		pusher:    pusher,
		queue:     queue,
		providers: providers,
	}
}

// Start launches the worker loops over the subscription channel.
func (d *Dispatcher) Start(ctx context.Context, msgChan <-chan *ConsumeMessage) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is already running")
	}
	d.running = true
	d.mu.Unlock()

	workerCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.config.NumWorkers; i++ {
		workerID := fmt.Sprintf("dispatcher-%d", i+1)
		d.wg.Add(1)
		go func(id string) {
			defer d.wg.Done()
			d.run(workerCtx, id, msgChan)
		}(workerID)
	}

	log.Printf("[notify] Dispatcher started with %d workers", d.config.NumWorkers)
	return nil
}

// Stop stops the workers, waiting for in-flight events up to the context
// deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[notify] All dispatcher workers stopped")
		return nil
	case <-ctx.Done():
		log.Println("[notify] Timeout waiting for dispatcher workers")
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, workerID string, msgChan <-chan *ConsumeMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgChan:
			if !ok {
				log.Printf("[%s] Message channel closed, worker stopping", workerID)
				return
			}
			d.processMessage(ctx, workerID, msg)
		}
	}
}

// processMessage handles a single queued event, including its retry delay
// and acknowledgment.
func (d *Dispatcher) processMessage(ctx context.Context, workerID string, msg *ConsumeMessage) {
	ev := msg.Event

	// Retried events wait out a linear backoff before reprocessing.
	if ev.RetryCount > 0 {
		delay := d.retryDelay(ev.RetryCount)
		log.Printf("[%s] Retry %d/%d for message %s, waiting %v", workerID, ev.RetryCount, d.config.MaxRetries, ev.MessageID, delay)
		select {
		case <-ctx.Done():
			// Redeliver promptly once the service is back.
			if err := msg.NakWithDelay(time.Second); err != nil {
				log.Printf("[%s] Error NAKing message: %v", workerID, err)
			}
			return
		case <-time.After(delay):
		}
	}

	processCtx, cancel := context.WithTimeout(ctx, d.config.ProcessTimeout)
	err := d.Process(processCtx, ev)
	cancel()

	if err == nil {
		if err := msg.Ack(); err != nil {
			log.Printf("[%s] Error acknowledging message: %v", workerID, err)
		}
		return
	}

	d.handleFailure(ctx, workerID, msg, err)
}

// handleFailure routes a failed event to the retry subject, or to the
// dead-letter subject once the retry budget is spent.
func (d *Dispatcher) handleFailure(ctx context.Context, workerID string, msg *ConsumeMessage, procErr error) {
	ev := msg.Event

	if ev.RetryCount >= d.config.MaxRetries {
		reason := fmt.Sprintf("max retries (%d) exceeded: %v", d.config.MaxRetries, procErr)
		if err := d.queue.PublishDeadLetter(ctx, ev, reason); err != nil {
			log.Printf("[%s] Error publishing to dead-letter: %v", workerID, err)
		}
		if err := msg.Term(); err != nil {
			log.Printf("[%s] Error terminating message: %v", workerID, err)
		}
		return
	}

	retry := *ev
	retry.RetryCount = ev.RetryCount + 1
	if err := d.queue.PublishRetry(ctx, &retry); err != nil {
		// Could not republish; fall back to broker-side redelivery of the
		// original message.
		log.Printf("[%s] Error publishing retry: %v", workerID, err)
		if err := msg.NakWithDelay(d.retryDelay(retry.RetryCount)); err != nil {
			log.Printf("[%s] Error NAKing message: %v", workerID, err)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		log.Printf("[%s] Error acknowledging message: %v", workerID, err)
	}

	log.Printf("[%s] Event for message %s failed (retry %d/%d): %v",
		workerID, ev.MessageID, retry.RetryCount, d.config.MaxRetries, procErr)
}

// retryDelay grows linearly with the attempt number.
func (d *Dispatcher) retryDelay(retryCount int) time.Duration {
	return time.Duration(retryCount) * d.config.RetryDelay
}

// Process fans one event out to all its recipients. Its error reflects only
// durable persistence; transport delivery is best-effort. Events with an
// unknown type are dropped as successes so they are never retried.
func (d *Dispatcher) Process(ctx context.Context, ev *notification.Event) error {
	if !ev.Type.Valid() {
		log.Printf("[notify] Dropping event with unknown type %q", ev.Type)
		return nil
	}

	var errs []error
	for _, recipientID := range ev.RecipientIDs {
		if recipientID == ev.SenderID {
			continue
		}
		if err := d.deliverTo(ctx, recipientID, ev); err != nil {
			errs = append(errs, fmt.Errorf("recipient %s: %w", recipientID, err))
		}
	}
	return errors.Join(errs...)
}

// deliverTo creates the durable row, pushes to live connections, and runs
// the providers for one recipient. Only the row creation can fail the
// delivery: provider errors mark the row failed and are logged, never
// surfaced, so a persisted event is not retried into duplicate rows.
func (d *Dispatcher) deliverTo(ctx context.Context, recipientID string, ev *notification.Event) error {
	content, err := buildContent(ev)
	if err != nil {
		return err
	}

	n := &notification.Notification{
		ID:        uuid.NewString(),
		UserID:    recipientID,
		Type:      ev.Type,
		Content:   content,
		Status:    notification.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.Create(ctx, n); err != nil {
		return fmt.Errorf("failed to create notification row: %w", err)
	}

	// Live push is best-effort; an offline user still has the durable row.
	if d.pusher != nil {
		d.pusher.SendToUser(recipientID, wsEvent{Type: "notification", Data: n})
	}

	status := notification.StatusSent
	for _, p := range d.providers {
		if err := p.Deliver(ctx, n, ev); err != nil {
			log.Printf("[notify] Provider %s failed for notification %s: %v", p.Name(), n.ID, err)
			status = notification.StatusFailed
			break
		}
	}

	if err := d.store.UpdateStatus(ctx, n.ID, status); err != nil {
		log.Printf("[notify] Error marking notification %s %s: %v", n.ID, status, err)
	}
	return nil
}

// contentPayload is the JSON body stored in a notification row.
type contentPayload struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	RoomID    string `json:"room_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
}

// buildContent renders the stored content for an event.
func buildContent(ev *notification.Event) (string, error) {
	sender := ev.SenderInfo.Name()

	p := contentPayload{
		RoomID:    ev.RoomID,
		MessageID: ev.MessageID,
		SenderID:  ev.SenderID,
	}

	switch ev.Type {
	case notification.TypeNewMessage:
		if ev.RoomName != "" {
			p.Title = fmt.Sprintf("New message in %s", ev.RoomName)
		} else {
			p.Title = "New message"
		}
		p.Message = fmt.Sprintf("%s: %s", sender, ev.Preview())
	case notification.TypeRoomInvite:
		p.Title = "Room invitation"
		p.Message = fmt.Sprintf("%s invited you to %s", sender, ev.RoomName)
	case notification.TypeFriendRequest:
		p.Title = "Friend request"
		p.Message = fmt.Sprintf("%s sent you a friend request", sender)
	case notification.TypeFriendRequestAccepted:
		p.Title = "Friend request accepted"
		p.Message = fmt.Sprintf("%s accepted your friend request", sender)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notification content: %w", err)
	}
	return string(data), nil
}
