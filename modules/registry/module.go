package registry

import (
	"context"
	"log"

	"github.com/go-monolith/mono"
)

// Module holds the two connection registries: one scoped to chat rooms,
// one to notification-only connections.
type Module struct {
	chat          *Registry
	notifications *Registry
}

var _ mono.Module = (*Module)(nil)

// NewModule creates the registry module.
func NewModule() *Module {
	return &Module{
		chat:          New(DefaultWriteTimeout),
		notifications: New(DefaultWriteTimeout),
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "registry"
}

// Start initializes the module.
func (m *Module) Start(_ context.Context) error {
	log.Println("[registry] Module started")
	return nil
}

// Stop shuts down the module.
func (m *Module) Stop(_ context.Context) error {
	log.Println("[registry] Module stopped")
	return nil
}

// Chat returns the room-scoped registry.
func (m *Module) Chat() *Registry {
	return m.chat
}

// Notifications returns the notification-scoped registry.
func (m *Module) Notifications() *Registry {
	return m.notifications
}
