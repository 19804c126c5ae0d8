// Package notify implements the notification pipeline: durable queueing over
// NATS JetStream, fan-out dispatch with retry and dead-letter handling,
// delivery providers, and the notification WebSocket channel.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/truongminhphung/realtime-messaging-app/domain/notification"
)

const (
	// StreamName is the name of the JetStream stream for notifications.
	StreamName = "NOTIFICATIONS"
	// SubjectAll captures every notification subject in the stream.
	SubjectAll = "notifications.>"
	// SubjectEvent carries first-attempt notification events.
	SubjectEvent = "notifications.event"
	// SubjectRetry carries events republished after a delivery failure.
	SubjectRetry = "notifications.retry"
	// SubjectDeadLetter holds events that exhausted their retries.
	SubjectDeadLetter = "notifications.dead_letter"
	// ConsumerName is the name of the durable dispatcher consumer.
	ConsumerName = "notification-dispatcher"
)

// QueueConfig holds NATS queue configuration.
type QueueConfig struct {
	URL             string
	MaxDeliverCount int
	AckWait         time.Duration
	MaxAge          time.Duration
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		URL:             "nats://localhost:4222",
		MaxDeliverCount: 5,
		AckWait:         30 * time.Second,
		MaxAge:          24 * time.Hour,
	}
}

// Queue provides NATS JetStream operations for the notification pipeline.
type Queue struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumer jetstream.Consumer
	config   QueueConfig
}

// NewQueue creates a new queue client. Connect must be called before use.
func NewQueue(cfg QueueConfig) *Queue {
	return &Queue{config: cfg}
}

// Connect establishes the NATS connection and ensures the stream exists.
func (q *Queue) Connect(ctx context.Context) error {
	nc, err := nats.Connect(q.config.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	q.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	q.js = js

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Notification fan-out queue",
		Subjects:    []string{SubjectAll},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      q.config.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	q.stream = stream

	log.Printf("[notify] Connected to NATS at %s, stream %s ready", q.config.URL, StreamName)
	return nil
}

// CreateConsumer creates the durable dispatcher consumer. Dead-letter
// messages are excluded; they stay in the stream for offline inspection.
func (q *Queue) CreateConsumer(ctx context.Context) error {
	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:           ConsumerName,
		Durable:        ConsumerName,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        q.config.AckWait,
		MaxDeliver:     q.config.MaxDeliverCount,
		FilterSubjects: []string{SubjectEvent, SubjectRetry},
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	q.consumer = consumer

	log.Printf("[notify] Consumer %s created", ConsumerName)
	return nil
}

// PublishEvent publishes a first-attempt notification event.
func (q *Queue) PublishEvent(ctx context.Context, ev *notification.Event) error {
	return q.publish(ctx, SubjectEvent, ev)
}

// PublishRetry republishes an event after a delivery failure. The event's
// RetryCount must already be incremented by the caller.
func (q *Queue) PublishRetry(ctx context.Context, ev *notification.Event) error {
	return q.publish(ctx, SubjectRetry, ev)
}

// PublishDeadLetter parks an event that exhausted its retries.
func (q *Queue) PublishDeadLetter(ctx context.Context, ev *notification.Event, reason string) error {
	if err := q.publish(ctx, SubjectDeadLetter, ev); err != nil {
		return err
	}
	log.Printf("[notify] Event for message %s moved to dead-letter: %s", ev.MessageID, reason)
	return nil
}

func (q *Queue) publish(ctx context.Context, subject string, ev *notification.Event) error {
	if q.js == nil {
		return notification.ErrQueueUnavailable
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := q.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	log.Printf("[notify] Published %s event to %s, sequence %d", ev.Type, subject, ack.Sequence)
	return nil
}

// Subscribe starts consuming notification events. The returned channel is
// closed when the context is cancelled.
func (q *Queue) Subscribe(ctx context.Context) (<-chan *ConsumeMessage, error) {
	if q.consumer == nil {
		return nil, fmt.Errorf("consumer not initialized")
	}

	msgChan := make(chan *ConsumeMessage, 100)

	go func() {
		defer close(msgChan)

		iter, err := q.consumer.Messages()
		if err != nil {
			log.Printf("[notify] Error creating message iterator: %v", err)
			return
		}
		defer iter.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("[notify] Consumer context cancelled, stopping...")
				return
			default:
				msg, err := iter.Next()
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Printf("[notify] Error fetching message: %v", err)
					continue
				}

				var ev notification.Event
				if err := json.Unmarshal(msg.Data(), &ev); err != nil {
					log.Printf("[notify] Error unmarshaling event: %v", err)
					if err := msg.Term(); err != nil {
						log.Printf("[notify] Error terminating message: %v", err)
					}
					continue
				}

				msgChan <- &ConsumeMessage{Event: &ev, msg: msg}
			}
		}
	}()

	return msgChan, nil
}

// ConsumeMessage wraps a queued event with acknowledgment methods.
type ConsumeMessage struct {
	Event *notification.Event
	msg   jetstream.Msg
}

// Ack acknowledges successful processing of the message.
func (m *ConsumeMessage) Ack() error {
	return m.msg.Ack()
}

// NakWithDelay negatively acknowledges with a delay before redelivery.
func (m *ConsumeMessage) NakWithDelay(delay time.Duration) error {
	return m.msg.NakWithDelay(delay)
}

// Term terminates the message so it is never redelivered.
func (m *ConsumeMessage) Term() error {
	return m.msg.Term()
}

// IsConnected returns true if connected to NATS.
func (q *Queue) IsConnected() bool {
	return q.nc != nil && q.nc.IsConnected()
}

// Close closes the NATS connection.
func (q *Queue) Close() error {
	if q.nc != nil {
		q.nc.Close()
		log.Println("[notify] NATS connection closed")
	}
	return nil
}
