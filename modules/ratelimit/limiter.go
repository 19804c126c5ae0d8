// Package ratelimit provides the Redis-backed per-user message send
// throttle.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds rate limiting configuration.
type Config struct {
	// MaxMessages is the maximum number of sends allowed per window.
	MaxMessages int
	// Window is the duration of the fixed window. The expiry is set on
	// first use and not refreshed, approximating a sliding window.
	Window time.Duration
}

// DefaultConfig returns the default send limit: 10 messages per 60 seconds.
func DefaultConfig() Config {
	return Config{
		MaxMessages: 10,
		Window:      60 * time.Second,
	}
}

// Info describes a user's current window, included in rate-limit errors so
// clients can back off.
type Info struct {
	MessagesSent      int `json:"messages_sent"`
	MessagesRemaining int `json:"messages_remaining"`
	ResetInSeconds    int `json:"reset_in_seconds"`
	Limit             int `json:"limit"`
}

// Limiter bounds per-user message throughput using a shared Redis counter.
type Limiter struct {
	client *redis.Client
	config Config
	prefix string
}

// NewLimiter creates a new Limiter. A nil client is valid for unit testing;
// Allow then always permits (fail-open).
func NewLimiter(client *redis.Client, config Config, prefix string) *Limiter {
	return &Limiter{
		client: client,
		config: config,
		prefix: prefix,
	}
}

func (l *Limiter) key(userID string) string {
	return l.prefix + userID
}

// Allow reports whether the user may send another message in the current
// window. The first call in a window initializes the counter with the
// window expiry; rejected calls leave the counter and its expiry untouched.
// If the counter store is unreachable, Allow fails open: availability of
// chat outranks strict throttling.
func (l *Limiter) Allow(ctx context.Context, userID string) bool {
	if l.client == nil {
		return true
	}
	key := l.key(userID)

	current, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		if err := l.client.SetEx(ctx, key, 1, l.config.Window).Err(); err != nil {
			log.Printf("[ratelimit] Degraded mode, failing open for user %s: %v", userID, err)
			return true
		}
		return true
	}
	if err != nil {
		log.Printf("[ratelimit] Degraded mode, failing open for user %s: %v", userID, err)
		return true
	}

	if current >= l.config.MaxMessages {
		return false
	}

	if err := l.client.Incr(ctx, key).Err(); err != nil {
		log.Printf("[ratelimit] Degraded mode, failing open for user %s: %v", userID, err)
	}
	return true
}

// Info returns the user's current window state. On store errors it returns
// a zeroed window, mirroring the fail-open policy of Allow.
func (l *Limiter) Info(ctx context.Context, userID string) Info {
	info := Info{
		MessagesRemaining: l.config.MaxMessages,
		Limit:             l.config.MaxMessages,
	}
	if l.client == nil {
		return info
	}
	key := l.key(userID)

	current, err := l.client.Get(ctx, key).Int()
	if err != nil {
		return info
	}
	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = 0
	}

	info.MessagesSent = current
	info.MessagesRemaining = max(0, l.config.MaxMessages-current)
	info.ResetInSeconds = int(ttl.Seconds())
	return info
}
