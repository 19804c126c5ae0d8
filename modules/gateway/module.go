// Package gateway serves the WebSocket endpoints and the room connection
// state machine over Fiber.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-monolith/mono"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/truongminhphung/realtime-messaging-app/domain/chat"
)

// Module owns the Fiber app hosting the chat and notification WebSocket
// endpoints plus the small REST surface around them.
type Module struct {
	app          *fiber.App
	handlers     *Handlers
	notifySocket func(*websocket.Conn)
	addr         string
}

var _ mono.Module = (*Module)(nil)

// NewModule creates the gateway module. The notification socket handler is
// injected so the notify module owns its own protocol.
func NewModule(handlers *Handlers, notifySocket func(*websocket.Conn)) *Module {
	addr := os.Getenv("GATEWAY_ADDR")
	if addr == "" {
		addr = ":3000"
	}
	return &Module{
		handlers:     handlers,
		notifySocket: notifySocket,
		addr:         addr,
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "gateway"
}

// Start initializes and starts the WebSocket server.
func (m *Module) Start(ctx context.Context) error {
	m.app = fiber.New(fiber.Config{
		AppName:               "Realtime Messaging Gateway",
		DisableStartupMessage: true,
		ErrorHandler:          m.errorHandler,
	})

	m.app.Use(recover.New())
	m.app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} ${method} ${path} ${latency}\n",
	}))

	allowedOrigins := os.Getenv("CORS_ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000,http://localhost:8080"
	}
	m.app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))

	m.registerRoutes()

	// Start server in goroutine with startup error detection.
	errCh := make(chan error, 1)
	go func() {
		if err := m.app.Listen(m.addr); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	log.Printf("[gateway] Module started (addr: %s)", m.addr)
	return nil
}

// Stop gracefully shuts down the server.
func (m *Module) Stop(ctx context.Context) error {
	if m.app != nil {
		if err := m.app.ShutdownWithContext(ctx); err != nil {
			return fmt.Errorf("failed to shutdown gateway: %w", err)
		}
	}
	log.Println("[gateway] Module stopped")
	return nil
}

// registerRoutes sets up the WebSocket and REST routes.
func (m *Module) registerRoutes() {
	m.app.Get("/health", m.healthCheck)

	m.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// Notification channel first so it is not captured by the room route.
	m.app.Get("/ws/notifications", websocket.New(m.notifySocket))
	m.app.Get("/ws/:room_id", websocket.New(m.handlers.HandleChatSocket))

	api := m.app.Group("/api/v1")
	api.Get("/rooms/:id/messages", m.roomHistory)
}

// roomHistory serves the recent message window of a room.
func (m *Module) roomHistory(c *fiber.Ctx) error {
	roomID := c.Params("id")
	token := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Authentication required"})
	}

	claims, err := m.handlers.ValidateToken(token)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid authentication"})
	}

	limit := c.QueryInt("limit", chat.RecentWindowSize)
	messages, allowed, err := m.handlers.RecentMessages(c.Context(), roomID, claims.UserID, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load messages"})
	}
	if !allowed {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Not a room participant"})
	}

	return c.JSON(fiber.Map{
		"room_id":  roomID,
		"messages": messages,
		"total":    len(messages),
	})
}

// healthCheck handles GET /health.
func (m *Module) healthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"service": "realtime-messaging-app",
	})
}

// errorHandler handles errors globally.
func (m *Module) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	log.Printf("[gateway] HTTP error: code=%d message=%s error=%v", code, message, err)

	return c.Status(code).JSON(fiber.Map{"error": message})
}
