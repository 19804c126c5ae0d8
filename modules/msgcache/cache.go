// Package msgcache caches the most recent messages of each room in Redis
// so reads avoid a durable-storage round trip.
package msgcache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/truongminhphung/realtime-messaging-app/domain/chat"
)

// Store loads recent messages from durable storage on cache misses.
type Store interface {
	RecentWithSender(ctx context.Context, roomID string, limit int) ([]chat.MessageWithSender, error)
}

// Config holds cache configuration.
type Config struct {
	// TTL is the lifetime of a cached room window.
	TTL time.Duration
	// WindowSize is the maximum number of messages kept per room.
	WindowSize int
	// Prefix is prepended to all cache keys.
	Prefix string
}

// DefaultConfig returns the default cache configuration: 50 messages per
// room for 10 minutes.
func DefaultConfig() Config {
	return Config{
		TTL:        10 * time.Minute,
		WindowSize: chat.RecentWindowSize,
		Prefix:     "room_messages:",
	}
}

// Cache is a read-through/write-through window cache. The cache is always a
// subset-or-equal view of durable truth; unavailability degrades to direct
// durable reads, never a hard failure.
type Cache struct {
	client *redis.Client
	store  Store
	config Config
	group  singleflight.Group
}

// New creates a new Cache. A nil client is valid: every read goes straight
// to the store.
func New(client *redis.Client, store Store, config Config) *Cache {
	return &Cache{
		client: client,
		store:  store,
		config: config,
	}
}

func (c *Cache) key(roomID string) string {
	return c.config.Prefix + roomID
}

// GetRecent returns up to limit of the room's most recent messages, oldest
// first. On a miss the full window is loaded from storage and cached with
// the TTL; concurrent misses for one room collapse into a single load.
func (c *Cache) GetRecent(ctx context.Context, roomID string, limit int) ([]chat.MessageWithSender, error) {
	if limit <= 0 || limit > c.config.WindowSize {
		limit = c.config.WindowSize
	}

	if window, ok := c.readWindow(ctx, roomID); ok {
		return tail(window, limit), nil
	}

	val, err, _ := c.group.Do(roomID, func() (any, error) {
		// Re-check under the flight: another goroutine may have
		// repopulated the window while we waited.
		if window, ok := c.readWindow(ctx, roomID); ok {
			return window, nil
		}
		window, err := c.store.RecentWithSender(ctx, roomID, c.config.WindowSize)
		if err != nil {
			return nil, err
		}
		c.writeWindow(ctx, roomID, window)
		return window, nil
	})
	if err != nil {
		return nil, err
	}
	return tail(val.([]chat.MessageWithSender), limit), nil
}

// Append adds a freshly persisted message to the room's cached window. If
// no window is cached it does nothing: the next read repopulates from
// storage, which already includes the message.
func (c *Cache) Append(ctx context.Context, roomID string, msg chat.MessageWithSender) {
	window, ok := c.readWindow(ctx, roomID)
	if !ok {
		return
	}
	window = append(window, msg)
	window = tail(window, c.config.WindowSize)
	c.writeWindow(ctx, roomID, window)
}

// Invalidate drops the cached window for a room.
func (c *Cache) Invalidate(ctx context.Context, roomID string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.key(roomID)).Err(); err != nil {
		log.Printf("[msgcache] Failed to invalidate room %s: %v", roomID, err)
	}
}

// readWindow returns the cached window and whether it was usable. Any
// Redis or decode error counts as a miss.
func (c *Cache) readWindow(ctx context.Context, roomID string) ([]chat.MessageWithSender, bool) {
	if c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, c.key(roomID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[msgcache] Cache read error for room %s, reading from storage: %v", roomID, err)
		}
		return nil, false
	}
	var window []chat.MessageWithSender
	if err := json.Unmarshal(data, &window); err != nil {
		log.Printf("[msgcache] Corrupt window for room %s, dropping: %v", roomID, err)
		c.Invalidate(ctx, roomID)
		return nil, false
	}
	return window, true
}

// writeWindow stores the window with a fresh TTL. Last write wins.
func (c *Cache) writeWindow(ctx context.Context, roomID string, window []chat.MessageWithSender) {
	if c.client == nil {
		return
	}
	data, err := json.Marshal(window)
	if err != nil {
		log.Printf("[msgcache] Failed to marshal window for room %s: %v", roomID, err)
		return
	}
	if err := c.client.Set(ctx, c.key(roomID), data, c.config.TTL).Err(); err != nil {
		log.Printf("[msgcache] Cache write error for room %s: %v", roomID, err)
	}
}

// tail returns the newest n entries of an oldest-first window.
func tail(window []chat.MessageWithSender, n int) []chat.MessageWithSender {
	if len(window) <= n {
		return window
	}
	return window[len(window)-n:]
}
