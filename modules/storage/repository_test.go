package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/truongminhphung/realtime-messaging-app/domain/chat"
	"github.com/truongminhphung/realtime-messaging-app/domain/notification"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(
		&chat.User{},
		&chat.RoomMembership{},
		&chat.Message{},
		&notification.Notification{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id, username string) {
	t.Helper()
	user := chat.User{
		ID:          id,
		Username:    username,
		DisplayName: username + " display",
		Email:       username + "@example.com",
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func TestMessageRepository_RecentWithSender(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	seedUser(t, db, "user-1", "alice")
	seedUser(t, db, "user-2", "bob")

	repo := NewMessageRepository(db)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		sender := "user-1"
		if i%2 == 1 {
			sender = "user-2"
		}
		msg := &chat.Message{
			ID:        fmt.Sprintf("msg-%03d", i),
			RoomID:    "room-1",
			SenderID:  sender,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Create(ctx, msg); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	// A message in another room must not leak in.
	if err := repo.Create(ctx, &chat.Message{
		ID: "msg-other", RoomID: "room-2", SenderID: "user-1",
		Content: "elsewhere", CreatedAt: base,
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rows, err := repo.RecentWithSender(ctx, "room-1", 3)
	if err != nil {
		t.Fatalf("RecentWithSender() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("RecentWithSender() length = %d, want 3", len(rows))
	}

	// The newest 3, oldest first.
	wantIDs := []string{"msg-002", "msg-003", "msg-004"}
	for i, want := range wantIDs {
		if rows[i].MessageID != want {
			t.Errorf("rows[%d].MessageID = %s, want %s", i, rows[i].MessageID, want)
		}
	}

	if rows[0].SenderUsername != "alice" {
		t.Errorf("SenderUsername = %q, want alice", rows[0].SenderUsername)
	}
	if rows[1].SenderDisplayName != "bob display" {
		t.Errorf("SenderDisplayName = %q, want bob display", rows[1].SenderDisplayName)
	}
}

func TestMessageRepository_RecentWithSenderEmptyRoom(t *testing.T) {
	db := setupDB(t)
	repo := NewMessageRepository(db)

	rows, err := repo.RecentWithSender(context.Background(), "room-empty", 50)
	if err != nil {
		t.Fatalf("RecentWithSender() error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("RecentWithSender() length = %d, want 0", len(rows))
	}
}

func TestMembershipRepository(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	memberships := []chat.RoomMembership{
		{RoomID: "room-1", UserID: "user-1", JoinedAt: time.Now()},
		{RoomID: "room-1", UserID: "user-2", JoinedAt: time.Now()},
		{RoomID: "room-2", UserID: "user-1", JoinedAt: time.Now()},
	}
	if err := db.Create(&memberships).Error; err != nil {
		t.Fatalf("failed to seed memberships: %v", err)
	}

	repo := NewMembershipRepository(db)

	ok, err := repo.IsMember(ctx, "room-1", "user-1")
	if err != nil {
		t.Fatalf("IsMember() error = %v", err)
	}
	if !ok {
		t.Error("IsMember() = false for a member, want true")
	}

	ok, err = repo.IsMember(ctx, "room-2", "user-2")
	if err != nil {
		t.Fatalf("IsMember() error = %v", err)
	}
	if ok {
		t.Error("IsMember() = true for a non-member, want false")
	}

	ids, err := repo.MemberIDs(ctx, "room-1")
	if err != nil {
		t.Fatalf("MemberIDs() error = %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("MemberIDs() length = %d, want 2", len(ids))
	}
}

func TestUserRepository_FindByID(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	seedUser(t, db, "user-1", "alice")

	repo := NewUserRepository(db)

	user, err := repo.FindByID(ctx, "user-1")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("Username = %q, want alice", user.Username)
	}

	if _, err := repo.FindByID(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("FindByID() error = %v, want ErrUserNotFound", err)
	}
}

func TestNotificationRepository_StatusTransitions(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewNotificationRepository(db)

	n := &notification.Notification{
		ID:        "notif-1",
		UserID:    "user-1",
		Type:      notification.TypeNewMessage,
		Content:   `{"title":"New message"}`,
		Status:    notification.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.Create(ctx, n); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.UpdateStatus(ctx, "notif-1", notification.StatusSent); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	var got notification.Notification
	if err := db.First(&got, "id = ?", "notif-1").Error; err != nil {
		t.Fatalf("failed to reload notification: %v", err)
	}
	if got.Status != notification.StatusSent {
		t.Errorf("Status = %q, want sent", got.Status)
	}
	if got.UpdatedAt == nil {
		t.Error("UpdatedAt = nil after status update, want set")
	}

	if err := repo.UpdateStatus(ctx, "missing", notification.StatusFailed); !errors.Is(err, ErrNotificationNotFound) {
		t.Errorf("UpdateStatus() error = %v, want ErrNotificationNotFound", err)
	}
}

func TestNotificationRepository_MarkReadAndCountUnread(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewNotificationRepository(db)

	for i := 0; i < 3; i++ {
		n := &notification.Notification{
			ID:        fmt.Sprintf("notif-%d", i),
			UserID:    "user-1",
			Type:      notification.TypeNewMessage,
			Content:   "{}",
			Status:    notification.StatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.Create(ctx, n); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	count, err := repo.CountUnread(ctx, "user-1")
	if err != nil {
		t.Fatalf("CountUnread() error = %v", err)
	}
	if count != 3 {
		t.Errorf("CountUnread() = %d, want 3", count)
	}

	if err := repo.MarkRead(ctx, "notif-0", "user-1"); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}

	count, err = repo.CountUnread(ctx, "user-1")
	if err != nil {
		t.Fatalf("CountUnread() error = %v", err)
	}
	if count != 2 {
		t.Errorf("CountUnread() = %d after MarkRead, want 2", count)
	}

	// A user cannot mark someone else's notification read.
	if err := repo.MarkRead(ctx, "notif-1", "user-2"); !errors.Is(err, ErrNotificationNotFound) {
		t.Errorf("MarkRead() error = %v, want ErrNotificationNotFound", err)
	}

	count, err = repo.CountUnread(ctx, "user-2")
	if err != nil {
		t.Fatalf("CountUnread() error = %v", err)
	}
	if count != 0 {
		t.Errorf("CountUnread() = %d for other user, want 0", count)
	}
}
