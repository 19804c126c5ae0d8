package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/truongminhphung/realtime-messaging-app/modules/auth"
	"github.com/truongminhphung/realtime-messaging-app/modules/registry"
)

// TokenValidator validates identity tokens presented at handshake.
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
}

// ReadStore answers unread queries and records read receipts.
type ReadStore interface {
	CountUnread(ctx context.Context, userID string) (int64, error)
	MarkRead(ctx context.Context, id, userID string) error
}

// UserRegistry is the capability set the notification channel needs from
// the connection registry.
type UserRegistry interface {
	Register(c *registry.Connection)
	Unregister(c *registry.Connection)
	Send(c *registry.Connection, payload any) error
}

// wsEvent is an outbound notification-channel frame.
type wsEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// inbound frame types on the notification channel.
const (
	typePing           = "ping"
	typeGetUnreadCount = "get_unread_count"
	typeMarkRead       = "mark_read"
)

// notifyIdleTimeout closes notification connections with no inbound
// traffic, heartbeats included.
const notifyIdleTimeout = 90 * time.Second

// Handlers serves the user-scoped notification WebSocket channel.
type Handlers struct {
	tokens   TokenValidator
	store    ReadStore
	registry UserRegistry
	logger   *slog.Logger
}

// NewHandlers creates the notification channel handlers.
func NewHandlers(tokens TokenValidator, store ReadStore, reg UserRegistry) *Handlers {
	return &Handlers{
		tokens:   tokens,
		store:    store,
		registry: reg,
		logger:   slog.Default(),
	}
}

// HandleNotificationSocket serves one notification connection: authenticate,
// register, send the unread count, then answer pings, unread queries, and
// read receipts until the client goes away.
func (h *Handlers) HandleNotificationSocket(c *websocket.Conn) {
	token := c.Query("token")
	ctx := context.Background()

	if token == "" {
		closePolicyViolation(c, "Authentication required")
		return
	}

	claims, err := h.tokens.ValidateAccessToken(token)
	if err != nil {
		closePolicyViolation(c, "Invalid authentication")
		return
	}
	userID := claims.UserID

	conn := registry.NewConnection(userID, "", c)
	h.registry.Register(conn)
	defer func() {
		h.registry.Unregister(conn)
		conn.Close()
		h.logger.Info("Notification socket disconnected", "userID", userID, "connID", conn.ID)
	}()

	h.logger.Info("Notification socket connected", "userID", userID, "connID", conn.ID)

	h.sendUnreadCount(ctx, conn, userID)

	for {
		c.SetReadDeadline(time.Now().Add(notifyIdleTimeout))
		_, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Error("Notification socket read error", "connID", conn.ID, "error", err)
			}
			return
		}
		conn.Touch()

		var envelope struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			h.registry.Send(conn, wsEvent{Type: "error", Data: map[string]any{"error": "Invalid message format"}})
			continue
		}

		switch envelope.Type {
		case typePing:
			h.registry.Send(conn, wsEvent{Type: "pong", Data: map[string]any{"timestamp": time.Now().UTC()}})
		case typeGetUnreadCount:
			h.sendUnreadCount(ctx, conn, userID)
		case typeMarkRead:
			h.handleMarkRead(ctx, conn, userID, envelope.Data)
		default:
			h.registry.Send(conn, wsEvent{Type: "error", Data: map[string]any{"error": "Unknown message type: " + envelope.Type}})
		}
	}
}

func (h *Handlers) sendUnreadCount(ctx context.Context, conn *registry.Connection, userID string) {
	count, err := h.store.CountUnread(ctx, userID)
	if err != nil {
		h.logger.Error("Failed to count unread notifications", "userID", userID, "error", err)
		h.registry.Send(conn, wsEvent{Type: "error", Data: map[string]any{"error": "Failed to load unread count"}})
		return
	}
	h.registry.Send(conn, wsEvent{Type: "unread_count", Data: map[string]any{"count": count}})
}

func (h *Handlers) handleMarkRead(ctx context.Context, conn *registry.Connection, userID string, data json.RawMessage) {
	var payload struct {
		NotificationID string `json:"notification_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.NotificationID == "" {
		h.registry.Send(conn, wsEvent{Type: "error", Data: map[string]any{"error": "notification_id is required"}})
		return
	}

	if err := h.store.MarkRead(ctx, payload.NotificationID, userID); err != nil {
		h.logger.Error("Failed to mark notification read", "notificationID", payload.NotificationID, "userID", userID, "error", err)
		h.registry.Send(conn, wsEvent{Type: "error", Data: map[string]any{"error": "Failed to mark notification read"}})
		return
	}

	h.registry.Send(conn, wsEvent{Type: "notification_update", Data: map[string]any{
		"notification_id": payload.NotificationID,
		"status":          "read",
	}})
}

// closePolicyViolation closes the handshake with the policy-violation code
// used for authentication failures.
func closePolicyViolation(c *websocket.Conn, reason string) {
	c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	c.Close()
}
