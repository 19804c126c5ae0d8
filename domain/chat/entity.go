// Package chat defines the core chat domain entities shared across modules.
package chat

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxContentLength is the maximum length of a message after trimming,
	// in characters.
	MaxContentLength = 500
	// RecentWindowSize is the number of recent messages kept per room.
	RecentWindowSize = 50
)

var (
	// ErrEmptyContent is returned when a message is empty after trimming.
	ErrEmptyContent = errors.New("message content is required")
	// ErrContentTooLong is returned when a message exceeds MaxContentLength.
	ErrContentTooLong = errors.New("message content exceeds maximum length")
)

// Message is a durable chat message. Messages are immutable once created
// except through the edit path, which sets EditedAt.
type Message struct {
	ID        string     `gorm:"primaryKey;size:36" json:"message_id"`
	RoomID    string     `gorm:"size:36;index:idx_messages_room_created" json:"room_id"`
	SenderID  string     `gorm:"size:36;index" json:"sender_id"`
	Content   string     `gorm:"size:500;not null" json:"content"`
	CreatedAt time.Time  `gorm:"index:idx_messages_room_created" json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

// RoomMembership is a (room, user) pair. The chat core only reads these:
// a connection to a room requires an existing membership row.
type RoomMembership struct {
	RoomID   string    `gorm:"primaryKey;size:36" json:"room_id"`
	UserID   string    `gorm:"primaryKey;size:36" json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// User is the identity projection the chat core reads. Account management
// is owned by the identity service.
type User struct {
	ID                string `gorm:"primaryKey;size:36" json:"user_id"`
	Username          string `gorm:"size:50;uniqueIndex" json:"username"`
	DisplayName       string `gorm:"size:100" json:"display_name"`
	Email             string `gorm:"size:255" json:"email"`
	ProfilePictureURL string `gorm:"size:500" json:"profile_picture_url"`
}

// MessageWithSender is the message projection cached per room and sent to
// clients, with sender fields denormalized so reads need no extra lookup.
type MessageWithSender struct {
	MessageID               string    `json:"message_id"`
	RoomID                  string    `json:"room_id"`
	SenderID                string    `json:"sender_id"`
	SenderUsername          string    `json:"sender_username"`
	SenderDisplayName       string    `json:"sender_display_name"`
	SenderProfilePictureURL string    `json:"sender_profile_picture_url"`
	Content                 string    `json:"content"`
	CreatedAt               time.Time `json:"created_at"`
}

// ValidateContent trims and validates message content, returning the
// cleaned content.
func ValidateContent(content string) (string, error) {
	cleaned := strings.TrimSpace(content)
	if cleaned == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(cleaned) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return cleaned, nil
}
