package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/truongminhphung/realtime-messaging-app/domain/chat"
	"github.com/truongminhphung/realtime-messaging-app/domain/notification"
	"github.com/truongminhphung/realtime-messaging-app/modules/auth"
	"github.com/truongminhphung/realtime-messaging-app/modules/ratelimit"
	"github.com/truongminhphung/realtime-messaging-app/modules/registry"
)

// TokenValidator validates identity tokens presented at handshake.
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
}

// UserStore resolves authenticated users to their profile rows.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*chat.User, error)
}

// MembershipStore checks room membership against durable storage.
type MembershipStore interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	MemberIDs(ctx context.Context, roomID string) ([]string, error)
}

// MessageStore persists messages durably.
type MessageStore interface {
	Create(ctx context.Context, msg *chat.Message) error
}

// MessageCache is the recent-message window the gateway appends to and the
// history route reads through.
type MessageCache interface {
	GetRecent(ctx context.Context, roomID string, limit int) ([]chat.MessageWithSender, error)
	Append(ctx context.Context, roomID string, msg chat.MessageWithSender)
}

// SendLimiter throttles per-user message sends.
type SendLimiter interface {
	Allow(ctx context.Context, userID string) bool
	Info(ctx context.Context, userID string) ratelimit.Info
}

// EventPublisher enqueues notification events for asynchronous dispatch.
type EventPublisher interface {
	Publish(ctx context.Context, event *notification.Event) error
}

// ConnectionRegistry is the capability set the gateway needs from the
// registry; a cross-instance adapter can substitute it without changing
// gateway logic.
type ConnectionRegistry interface {
	Register(c *registry.Connection)
	Unregister(c *registry.Connection)
	Broadcast(roomID string, payload any, exclude *registry.Connection) int
	Count(roomID string) int
	Send(c *registry.Connection, payload any) error
}

// idleTimeout closes connections with no inbound traffic, heartbeats
// included.
const idleTimeout = 90 * time.Second

// opTimeout bounds each dependency call made on behalf of one event.
const opTimeout = 10 * time.Second

// Handlers implements the room connection state machine.
type Handlers struct {
	tokens    TokenValidator
	users     UserStore
	members   MembershipStore
	messages  MessageStore
	cache     MessageCache
	limiter   SendLimiter
	publisher EventPublisher
	registry  ConnectionRegistry
	logger    *slog.Logger

	typingMu sync.Mutex
	typing   map[string]map[string]bool // roomID -> set of typing user IDs
}

// NewHandlers creates the gateway handlers.
func NewHandlers(
	tokens TokenValidator,
	users UserStore,
	members MembershipStore,
	messages MessageStore,
	cache MessageCache,
	limiter SendLimiter,
	publisher EventPublisher,
	reg ConnectionRegistry,
) *Handlers {
	return &Handlers{
		tokens:    tokens,
		users:     users,
		members:   members,
		messages:  messages,
		cache:     cache,
		limiter:   limiter,
		publisher: publisher,
		registry:  reg,
		logger:    slog.Default(),
		typing:    make(map[string]map[string]bool),
	}
}

// HandleChatSocket serves one room connection:
// authenticate, authorize, register, then run the event loop until the
// client closes, errors, or goes idle.
func (h *Handlers) HandleChatSocket(c *websocket.Conn) {
	roomID := c.Params("room_id")
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

	user, err := h.users.FindByID(ctx, claims.UserID)
	if err != nil {
		closePolicyViolation(c, "Invalid authentication")
		return
	}

	isMember, err := h.members.IsMember(ctx, roomID, user.ID)
	if err != nil {
		h.logger.Error("Membership check failed", "roomID", roomID, "userID", user.ID, "error", err)
		closeInternalError(c, "Membership check unavailable")
		return
	}
	if !isMember {
		closePolicyViolation(c, "Not a room participant")
		return
	}

	conn := registry.NewConnection(user.ID, roomID, c)
	h.registry.Register(conn)

	s := &session{h: h, conn: conn, user: user, roomID: roomID}
	defer s.teardown()

	h.logger.Info("WebSocket connected", "roomID", roomID, "userID", user.ID, "connID", conn.ID)

	// Connected acknowledgment to the new connection, join event to peers.
	h.registry.Send(conn, Event{Type: TypeConnected, Data: map[string]any{
		"room_id":         roomID,
		"user_id":         user.ID,
		"connected_users": h.registry.Count(roomID),
		"timestamp":       time.Now().UTC(),
	}})
	h.registry.Broadcast(roomID, Event{Type: TypeUserJoined, Data: map[string]any{
		"user_id":         user.ID,
		"username":        user.Username,
		"display_name":    user.DisplayName,
		"connected_users": h.registry.Count(roomID),
		"timestamp":       time.Now().UTC(),
	}}, conn)

	for {
		c.SetReadDeadline(time.Now().Add(idleTimeout))
		_, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error", "connID", conn.ID, "error", err)
			}
			return
		}
		conn.Touch()

		var envelope Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			s.sendError("Invalid message format")
			continue
		}
		s.handleEnvelope(ctx, envelope)
	}
}

// RecentMessages returns the recent window for a room through the cache,
// after checking membership. The bool reports whether access was allowed.
func (h *Handlers) RecentMessages(ctx context.Context, roomID, userID string, limit int) ([]chat.MessageWithSender, bool, error) {
	isMember, err := h.members.IsMember(ctx, roomID, userID)
	if err != nil {
		return nil, false, err
	}
	if !isMember {
		return nil, false, nil
	}
	msgs, err := h.cache.GetRecent(ctx, roomID, limit)
	if err != nil {
		return nil, true, err
	}
	return msgs, true, nil
}

// ValidateToken exposes token validation to the HTTP routes.
func (h *Handlers) ValidateToken(token string) (*auth.Claims, error) {
	return h.tokens.ValidateAccessToken(token)
}

// session is the per-connection state machine context after OPEN.
type session struct {
	h      *Handlers
	conn   *registry.Connection
	user   *chat.User
	roomID string
}

func (s *session) handleEnvelope(ctx context.Context, envelope Envelope) {
	switch envelope.Type {
	case TypeSendMessage:
		s.handleSendMessage(ctx, envelope.Data)
	case TypeTypingStart:
		s.handleTypingStart()
	case TypeTypingStop:
		s.handleTypingStop()
	case TypePing:
		s.send(Event{Type: TypePong, Data: map[string]any{"timestamp": time.Now().UTC()}})
	default:
		s.sendError("Unknown message type: " + envelope.Type)
	}
}

// handleSendMessage runs the send pipeline: rate limit, validate, persist,
// cache, broadcast, enqueue notification. A storage failure aborts this one
// send; the connection stays open.
func (s *session) handleSendMessage(ctx context.Context, data json.RawMessage) {
	h := s.h

	var payload SendMessagePayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			s.send(Event{Type: TypeMessageError, Data: map[string]any{"error": "Invalid send_message payload"}})
			return
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if !h.limiter.Allow(opCtx, s.user.ID) {
		info := h.limiter.Info(opCtx, s.user.ID)
		s.send(Event{Type: TypeRateLimitExceeded, Data: map[string]any{
			"error": "Rate limit exceeded",
			"rate_limit_info": map[string]any{
				"messages_sent":    info.MessagesSent,
				"max_messages":     info.Limit,
				"time_until_reset": info.ResetInSeconds,
			},
		}})
		return
	}

	content, err := chat.ValidateContent(payload.Content)
	if err != nil {
		s.send(Event{Type: TypeMessageError, Data: map[string]any{"error": err.Error()}})
		return
	}

	msg := &chat.Message{
		ID:        uuid.New().String(),
		RoomID:    s.roomID,
		SenderID:  s.user.ID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.messages.Create(opCtx, msg); err != nil {
		h.logger.Error("Failed to persist message", "roomID", s.roomID, "userID", s.user.ID, "error", err)
		s.send(Event{Type: TypeMessageError, Data: map[string]any{"error": "Failed to send message"}})
		return
	}

	projection := chat.MessageWithSender{
		MessageID:               msg.ID,
		RoomID:                  msg.RoomID,
		SenderID:                msg.SenderID,
		SenderUsername:          s.user.Username,
		SenderDisplayName:       s.user.DisplayName,
		SenderProfilePictureURL: s.user.ProfilePictureURL,
		Content:                 msg.Content,
		CreatedAt:               msg.CreatedAt,
	}
	h.cache.Append(opCtx, s.roomID, projection)

	// Sender gets only the ack; peers get new_message. This avoids double
	// display on clients with optimistic local echo.
	s.send(Event{Type: TypeMessageSent, Data: map[string]any{
		"message_id": msg.ID,
		"timestamp":  msg.CreatedAt,
	}})
	h.registry.Broadcast(s.roomID, Event{Type: TypeNewMessage, Data: projection}, s.conn)

	s.enqueueNotification(ctx, msg)
}

// enqueueNotification publishes a new-message event for the other room
// members. Publish failures are handled inside the publisher (synchronous
// fallback); they never fail the send.
func (s *session) enqueueNotification(ctx context.Context, msg *chat.Message) {
	h := s.h

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	memberIDs, err := h.members.MemberIDs(opCtx, s.roomID)
	if err != nil {
		h.logger.Error("Failed to list members for notification", "roomID", s.roomID, "error", err)
		return
	}
	recipients := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id != s.user.ID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return
	}

	event := &notification.Event{
		Type:           notification.TypeNewMessage,
		MessageID:      msg.ID,
		RoomID:         s.roomID,
		SenderID:       s.user.ID,
		RecipientIDs:   recipients,
		MessageContent: msg.Content,
		SenderInfo: notification.SenderInfo{
			UserID:            s.user.ID,
			Username:          s.user.Username,
			DisplayName:       s.user.DisplayName,
			ProfilePictureURL: s.user.ProfilePictureURL,
		},
		Timestamp: msg.CreatedAt,
	}
	if err := h.publisher.Publish(opCtx, event); err != nil {
		h.logger.Error("Failed to enqueue notification event", "messageID", msg.ID, "error", err)
	}
}

func (s *session) handleTypingStart() {
	h := s.h
	h.typingMu.Lock()
	set, ok := h.typing[s.roomID]
	if !ok {
		set = make(map[string]bool)
		h.typing[s.roomID] = set
	}
	set[s.user.ID] = true
	h.typingMu.Unlock()

	h.registry.Broadcast(s.roomID, Event{Type: TypeUserTyping, Data: map[string]any{
		"user_id":      s.user.ID,
		"username":     s.user.Username,
		"display_name": s.user.DisplayName,
		"timestamp":    time.Now().UTC(),
	}}, s.conn)
}

func (s *session) handleTypingStop() {
	s.clearTyping()
	s.h.registry.Broadcast(s.roomID, Event{Type: TypeUserStoppedTyping, Data: map[string]any{
		"user_id":      s.user.ID,
		"username":     s.user.Username,
		"display_name": s.user.DisplayName,
		"timestamp":    time.Now().UTC(),
	}}, s.conn)
}

func (s *session) clearTyping() {
	h := s.h
	h.typingMu.Lock()
	if set, ok := h.typing[s.roomID]; ok {
		delete(set, s.user.ID)
		if len(set) == 0 {
			delete(h.typing, s.roomID)
		}
	}
	h.typingMu.Unlock()
}

// teardown runs the CLOSING transition: unregister, clean typing state,
// notify remaining peers with the updated live count.
func (s *session) teardown() {
	h := s.h
	h.registry.Unregister(s.conn)
	s.clearTyping()
	s.conn.Close()

	h.registry.Broadcast(s.roomID, Event{Type: TypeUserLeft, Data: map[string]any{
		"user_id":         s.user.ID,
		"username":        s.user.Username,
		"display_name":    s.user.DisplayName,
		"connected_users": h.registry.Count(s.roomID),
		"timestamp":       time.Now().UTC(),
	}}, s.conn)

	h.logger.Info("WebSocket disconnected", "roomID", s.roomID, "userID", s.user.ID, "connID", s.conn.ID)
}

func (s *session) send(event Event) {
	s.h.registry.Send(s.conn, event)
}

func (s *session) sendError(message string) {
	s.send(Event{Type: TypeError, Data: map[string]any{"error": message}})
}

// closePolicyViolation closes the handshake with the policy-violation code
// used for authentication and authorization failures.
func closePolicyViolation(c *websocket.Conn, reason string) {
	c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	c.Close()
}

func closeInternalError(c *websocket.Conn, reason string) {
	c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason),
		time.Now().Add(time.Second))
	c.Close()
}
