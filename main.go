package main

import (
	"context"
	"log"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"

	"github.com/truongminhphung/realtime-messaging-app/modules/auth"
	"github.com/truongminhphung/realtime-messaging-app/modules/gateway"
	"github.com/truongminhphung/realtime-messaging-app/modules/msgcache"
	"github.com/truongminhphung/realtime-messaging-app/modules/notify"
	"github.com/truongminhphung/realtime-messaging-app/modules/ratelimit"
	"github.com/truongminhphung/realtime-messaging-app/modules/registry"
	"github.com/truongminhphung/realtime-messaging-app/modules/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.Println("=== Realtime Messaging App ===")

	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(shutdownTimeout),
		mono.WithLogLevel(mono.LogLevelInfo),
		mono.WithLogFormat(mono.LogFormatText),
	)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	// Create modules. Accessors are valid from construction; connections
	// open in Start, in registration order.
	storageModule := storage.NewModule()
	authModule := auth.NewModule()
	ratelimitModule := ratelimit.NewModule()
	msgcacheModule := msgcache.NewModule(storageModule.Messages())
	registryModule := registry.NewModule()
	notifyModule := notify.NewModule(
		authModule.TokenManager(),
		storageModule.Notifications(),
		registryModule.Notifications(),
	)

	chatHandlers := gateway.NewHandlers(
		authModule.TokenManager(),
		storageModule.Users(),
		storageModule.Memberships(),
		storageModule.Messages(),
		msgcacheModule.Cache(),
		ratelimitModule.Limiter(),
		notifyModule.Publisher(),
		registryModule.Chat(),
	)
	gatewayModule := gateway.NewModule(chatHandlers, notifyModule.Handlers().HandleNotificationSocket)

	// Order: infrastructure first, then consumers, then the server.
	app.Register(storageModule)
	app.Register(authModule)
	app.Register(ratelimitModule)
	app.Register(msgcacheModule)
	app.Register(registryModule)
	app.Register(notifyModule)
	app.Register(gatewayModule)

	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	printStartupInfo()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"mono-app": func(ctx context.Context) error {
				log.Println("Graceful shutdown initiated...")
				return app.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Application exited with code: %d", exitCode)
	os.Exit(exitCode)
}

func printStartupInfo() {
	addr := os.Getenv("GATEWAY_ADDR")
	if addr == "" {
		addr = ":3000"
	}
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	log.Println("")
	log.Println("Application started successfully!")
	log.Println("")
	log.Println("Architecture:")
	log.Println("  - HTTP Framework: Fiber with WebSocket support")
	log.Println("  - Storage: GORM (SQLite)")
	log.Printf("  - Cache / Rate limiting: Redis at %s", redisAddr)
	log.Printf("  - Notification queue: NATS JetStream at %s", natsURL)
	log.Println("")
	log.Printf("Endpoints (listening on %s):", addr)
	log.Println("  GET  /health                        - Health check")
	log.Println("  GET  /api/v1/rooms/:id/messages     - Recent message history")
	log.Println("  WS   /ws/:room_id?token=JWT         - Room chat channel")
	log.Println("  WS   /ws/notifications?token=JWT    - Notification channel")
	log.Println("")
	log.Println("Chat message types: send_message, typing_start, typing_stop, ping")
	log.Println("Notification message types: ping, get_unread_count, mark_read")
	log.Println("")
	log.Println("Press Ctrl+C to shutdown gracefully")
}
