package notify

import (
	"context"
	"log"
	"os"

	"github.com/go-monolith/mono"
)

// Module wires the notification pipeline: queue, dispatcher, publisher, and
// the notification WebSocket channel.
type Module struct {
	queue      *Queue
	dispatcher *Dispatcher
	publisher  *Publisher
	handlers   *Handlers
	cancel     context.CancelFunc
}

// notifyStore is the storage surface the pipeline needs.
type notifyStore interface {
	NotificationStore
	ReadStore
}

// pushRegistry is the registry surface the pipeline needs.
type pushRegistry interface {
	UserRegistry
	LivePusher
}

var (
	_ mono.Module                = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates the notify module. The NATS URL comes from NATS_URL,
// defaulting to localhost.
func NewModule(tokens TokenValidator, store notifyStore, pusher pushRegistry) *Module {
	cfg := DefaultQueueConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	queue := NewQueue(cfg)
	return &Module{
		queue:     queue,
		publisher: NewPublisher(queue, store),
		handlers:  NewHandlers(tokens, store, pusher),
		dispatcher: NewDispatcher(DefaultDispatcherConfig(), store, pusher, queue,
			&LogEmailProvider{}, &LogPushProvider{}),
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "notify"
}

// Start connects to NATS and launches the dispatcher. An unreachable broker
// is not fatal: the publisher falls back to direct row creation, so the
// module starts degraded and logs the condition.
func (m *Module) Start(ctx context.Context) error {
	if err := m.queue.Connect(ctx); err != nil {
		log.Printf("[notify] NATS unreachable, starting degraded (direct-store fallback): %v", err)
		return nil
	}

	if err := m.queue.CreateConsumer(ctx); err != nil {
		return err
	}

	// The dispatcher outlives the Start context; Stop cancels it.
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	msgChan, err := m.queue.Subscribe(runCtx)
	if err != nil {
		cancel()
		return err
	}
	if err := m.dispatcher.Start(runCtx, msgChan); err != nil {
		cancel()
		return err
	}

	log.Println("[notify] Module started")
	return nil
}

// Stop stops the dispatcher and closes the NATS connection.
func (m *Module) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.dispatcher != nil {
		if err := m.dispatcher.Stop(ctx); err != nil {
			log.Printf("[notify] Dispatcher stop: %v", err)
		}
	}
	if m.queue != nil {
		m.queue.Close()
	}
	log.Println("[notify] Module stopped")
	return nil
}

// Health reports broker connectivity. A degraded pipeline still records
// notifications through the fallback, so this is informational.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	if m.queue == nil || !m.queue.IsConnected() {
		return mono.HealthStatus{Healthy: false, Message: "nats disconnected (publisher using direct-store fallback)"}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{"stream": StreamName, "consumer": ConsumerName},
	}
}

// Publisher returns the event publisher used by the gateway. It is safe to
// hold before Start: publishes degrade to direct rows until the queue
// connects.
func (m *Module) Publisher() *Publisher {
	return m.publisher
}

// Handlers returns the notification channel handlers.
func (m *Module) Handlers() *Handlers {
	return m.handlers
}

// Dispatcher returns the dispatcher, for inspection.
func (m *Module) Dispatcher() *Dispatcher {
	return m.dispatcher
}
