// Package storage provides the durable persistence layer using GORM.
package storage

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-monolith/mono"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/truongminhphung/realtime-messaging-app/domain/chat"
	"github.com/truongminhphung/realtime-messaging-app/domain/notification"
)

// Module owns the database connection and exposes the repositories.
type Module struct {
	db     *gorm.DB
	dbPath string

	messages      *MessageRepository
	memberships   *MembershipRepository
	users         *UserRepository
	notifications *NotificationRepository
}

// Compile-time interface checks.
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates the storage module. The database path comes from
// CHAT_DB_PATH, defaulting to a local file.
func NewModule() *Module {
	dbPath := os.Getenv("CHAT_DB_PATH")
	if dbPath == "" {
		dbPath = "realtime_chat.db"
	}
	// Repositories exist from construction so dependent modules can hold
	// them; they become usable once Start opens the database.
	return &Module{
		dbPath:        dbPath,
		messages:      &MessageRepository{},
		memberships:   &MembershipRepository{},
		users:         &UserRepository{},
		notifications: &NotificationRepository{},
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "storage"
}

// Start opens the database and migrates the schema.
func (m *Module) Start(_ context.Context) error {
	db, err := gorm.Open(sqlite.Open(m.dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	m.db = db

	if err := db.AutoMigrate(
		&chat.User{},
		&chat.RoomMembership{},
		&chat.Message{},
		&notification.Notification{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	m.messages.db = db
	m.memberships.db = db
	m.users.db = db
	m.notifications.db = db

	log.Printf("[storage] Module started (database: %s)", m.dbPath)
	return nil
}

// Stop closes the database connection.
func (m *Module) Stop(_ context.Context) error {
	if m.db != nil {
		sqlDB, err := m.db.DB()
		if err == nil {
			sqlDB.Close()
		}
	}
	log.Println("[storage] Module stopped")
	return nil
}

// Health reports database connectivity.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	if m.db == nil {
		return mono.HealthStatus{Healthy: false, Message: "database not initialized"}
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return mono.HealthStatus{Healthy: false, Message: fmt.Sprintf("failed to get database connection: %v", err)}
	}
	if err := sqlDB.Ping(); err != nil {
		return mono.HealthStatus{Healthy: false, Message: fmt.Sprintf("database ping failed: %v", err)}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{"database": m.dbPath},
	}
}

// Messages returns the message repository.
func (m *Module) Messages() *MessageRepository { return m.messages }

// Memberships returns the membership repository.
func (m *Module) Memberships() *MembershipRepository { return m.memberships }

// Users returns the user repository.
func (m *Module) Users() *UserRepository { return m.users }

// Notifications returns the notification repository.
func (m *Module) Notifications() *NotificationRepository { return m.notifications }
