package msgcache

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-monolith/mono"
	"github.com/redis/go-redis/v9"
)

// Module owns the Redis client backing the message cache.
type Module struct {
	client *redis.Client
	cache  *Cache
	store  Store
	addr   string
}

var (
	_ mono.Module                = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates the message cache module over the given durable store.
func NewModule(store Store) *Module {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &Module{
		addr:   addr,
		store:  store,
		client: client,
		cache:  New(client, store, DefaultConfig()),
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "msgcache"
}

// Start connects to Redis. An unreachable Redis is not fatal: reads degrade
// to direct durable-storage queries.
func (m *Module) Start(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		log.Printf("[msgcache] Redis unreachable at %s, starting degraded (direct reads): %v", m.addr, err)
	} else {
		log.Printf("[msgcache] Module started (redis: %s)", m.addr)
	}
	return nil
}

// Stop closes the Redis client.
func (m *Module) Stop(_ context.Context) error {
	if m.client != nil {
		m.client.Close()
	}
	log.Println("[msgcache] Module stopped")
	return nil
}

// Health reports Redis connectivity.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	if m.client == nil {
		return mono.HealthStatus{Healthy: false, Message: "redis client not initialized"}
	}
	if err := m.client.Ping(ctx).Err(); err != nil {
		return mono.HealthStatus{Healthy: false, Message: fmt.Sprintf("redis ping failed (cache degraded to direct reads): %v", err)}
	}
	return mono.HealthStatus{Healthy: true, Message: "operational"}
}

// Cache returns the message cache.
func (m *Module) Cache() *Cache {
	return m.cache
}
