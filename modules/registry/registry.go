// Package registry tracks live WebSocket connections and performs
// best-effort broadcast delivery, independent of transport details.
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Peer is the write side of a live connection. It is the substitution seam
// for transports: the gateway wraps real WebSocket connections, tests use
// fakes, and a cross-instance adapter can implement it for remote fan-out.
type Peer interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one live duplex channel bound to a user and, for chat
// connections, a room. It is owned exclusively by the Registry.
type Connection struct {
	ID        string
	UserID    string
	RoomID    string // empty for notification-only connections
	CreatedAt time.Time

	peer Peer

	// One writer at a time per underlying socket.
	writeMu sync.Mutex

	activeMu   sync.Mutex
	lastActive time.Time
}

// NewConnection wraps a peer as a registry-owned connection.
func NewConnection(userID, roomID string, peer Peer) *Connection {
	now := time.Now()
	return &Connection{
		ID:         uuid.New().String(),
		UserID:     userID,
		RoomID:     roomID,
		CreatedAt:  now,
		peer:       peer,
		lastActive: now,
	}
}

// Touch records inbound activity on the connection.
func (c *Connection) Touch() {
	c.activeMu.Lock()
	c.lastActive = time.Now()
	c.activeMu.Unlock()
}

// LastActive returns the time of the last recorded inbound activity.
func (c *Connection) LastActive() time.Time {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	return c.lastActive
}

// write sends one payload with a bounded deadline.
func (c *Connection) write(payload any, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.peer.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.peer.WriteJSON(payload)
}

// Close closes the underlying peer.
func (c *Connection) Close() error {
	return c.peer.Close()
}

// Broadcaster is the capability set the gateway depends on, so a remote
// fan-out adapter can be substituted without changing gateway logic.
type Broadcaster interface {
	Register(c *Connection)
	Unregister(c *Connection)
	Broadcast(roomID string, payload any, exclude *Connection) int
	Count(roomID string) int
}

// room holds the live connections of one room behind its own lock, so
// unrelated rooms never serialize each other.
type room struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// Registry is the in-memory source of truth for who is online. It is
// process-local: each instance only knows about connections it holds.
type Registry struct {
	writeTimeout time.Duration

	mu    sync.RWMutex
	rooms map[string]*room

	usersMu sync.RWMutex
	users   map[string]map[string]*Connection
}

var _ Broadcaster = (*Registry)(nil)

// DefaultWriteTimeout bounds a single peer delivery; a slower peer is
// treated as disconnected.
const DefaultWriteTimeout = 5 * time.Second

// New creates an empty Registry.
func New(writeTimeout time.Duration) *Registry {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Registry{
		writeTimeout: writeTimeout,
		rooms:        make(map[string]*room),
		users:        make(map[string]map[string]*Connection),
	}
}

// Register adds a connection to the room and user indexes. A user may hold
// multiple connections (multi-tab); all receive broadcasts.
func (r *Registry) Register(c *Connection) {
	if c.RoomID != "" {
		// The insert happens under the registry lock: releasing it between
		// room lookup and insert would let a concurrent Unregister prune
		// the room and strand this connection in an unreachable set.
		r.mu.Lock()
		rm, ok := r.rooms[c.RoomID]
		if !ok {
			rm = &room{conns: make(map[string]*Connection)}
			r.rooms[c.RoomID] = rm
		}
		rm.mu.Lock()
		rm.conns[c.ID] = c
		rm.mu.Unlock()
		r.mu.Unlock()
	}

	r.usersMu.Lock()
	set, ok := r.users[c.UserID]
	if !ok {
		set = make(map[string]*Connection)
		r.users[c.UserID] = set
	}
	set[c.ID] = c
	r.usersMu.Unlock()
}

// Unregister removes a connection from both indexes. Empty room entries
// are pruned. Unregistering an unknown connection is a no-op.
func (r *Registry) Unregister(c *Connection) {
	if c.RoomID != "" {
		r.mu.Lock()
		if rm, ok := r.rooms[c.RoomID]; ok {
			rm.mu.Lock()
			delete(rm.conns, c.ID)
			empty := len(rm.conns) == 0
			rm.mu.Unlock()
			if empty {
				delete(r.rooms, c.RoomID)
			}
		}
		r.mu.Unlock()
	}

	r.usersMu.Lock()
	if set, ok := r.users[c.UserID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(r.users, c.UserID)
		}
	}
	r.usersMu.Unlock()
}

// Broadcast sends payload to every connection registered for the room
// except exclude, returning the number of successful deliveries. The lock
// protects only the snapshot of who is registered; delivery happens
// outside it. A failed or slow peer is unregistered and closed without
// blocking delivery to the others.
func (r *Registry) Broadcast(roomID string, payload any, exclude *Connection) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.RLock()
	targets := make([]*Connection, 0, len(rm.conns))
	for _, c := range rm.conns {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	rm.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := r.Send(c, payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// Send delivers one payload to one connection. On failure the connection
// is treated as disconnected: unregistered and closed.
func (r *Registry) Send(c *Connection, payload any) error {
	if err := c.write(payload, r.writeTimeout); err != nil {
		log.Printf("[registry] Dropping connection %s (user %s): %v", c.ID, c.UserID, err)
		r.Unregister(c)
		c.Close()
		return err
	}
	return nil
}

// SendToUser delivers payload to every connection the user currently
// holds, returning the number of successful deliveries.
func (r *Registry) SendToUser(userID string, payload any) int {
	delivered := 0
	for _, c := range r.ConnectionsForUser(userID) {
		if err := r.Send(c, payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// Count returns the number of live connections for the room. Multiple tabs
// of one user inflate this count; it is not deduplicated by user.
func (r *Registry) Count(roomID string) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.conns)
}

// ConnectionsForUser returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsForUser(userID string) []*Connection {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()
	set, ok := r.users[userID]
	if !ok {
		return nil
	}
	conns := make([]*Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}
