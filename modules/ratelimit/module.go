package ratelimit

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-monolith/mono"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rate_limit:messages:"

// Module owns the Redis client backing the send limiter.
type Module struct {
	client  *redis.Client
	limiter *Limiter
	addr    string
}

var (
	_ mono.Module                = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates the rate limit module. Redis address comes from
// REDIS_ADDR, defaulting to localhost.
func NewModule() *Module {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &Module{
		addr:    addr,
		client:  client,
		limiter: NewLimiter(client, DefaultConfig(), keyPrefix),
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "ratelimit"
}

// Start connects to Redis. An unreachable Redis is not fatal: the limiter
// fails open, so the module starts degraded and logs the condition.
func (m *Module) Start(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		log.Printf("[ratelimit] Redis unreachable at %s, starting degraded (fail-open): %v", m.addr, err)
	} else {
		log.Printf("[ratelimit] Module started (redis: %s)", m.addr)
	}
	return nil
}

// Stop closes the Redis client.
func (m *Module) Stop(_ context.Context) error {
	if m.client != nil {
		m.client.Close()
	}
	log.Println("[ratelimit] Module stopped")
	return nil
}

// Health reports Redis connectivity. A degraded limiter still permits
// sends, so this is informational.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	if m.client == nil {
		return mono.HealthStatus{Healthy: false, Message: "redis client not initialized"}
	}
	if err := m.client.Ping(ctx).Err(); err != nil {
		return mono.HealthStatus{Healthy: false, Message: fmt.Sprintf("redis ping failed (limiter failing open): %v", err)}
	}
	return mono.HealthStatus{Healthy: true, Message: "operational"}
}

// Limiter returns the send limiter.
func (m *Module) Limiter() *Limiter {
	return m.limiter
}
