// Package notification defines the notification entity and the queue event
// shape consumed by the dispatcher.
package notification

import (
	"errors"
	"time"
)

// Type enumerates the notification kinds the dispatcher understands.
type Type string

const (
	TypeNewMessage            Type = "new_message"
	TypeRoomInvite            Type = "room_invite"
	TypeFriendRequest         Type = "friend_request"
	TypeFriendRequestAccepted Type = "friend_request_accepted"
)

// Valid reports whether t is a known notification type.
func (t Type) Valid() bool {
	switch t {
	case TypeNewMessage, TypeRoomInvite, TypeFriendRequest, TypeFriendRequestAccepted:
		return true
	}
	return false
}

// Status is the delivery status of a notification row.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// ErrQueueUnavailable is returned when the notification queue cannot accept
// a publish; callers fall back to direct row creation.
var ErrQueueUnavailable = errors.New("notification queue unavailable")

// Notification is the durable notification record. Rows are created pending
// by the dispatcher (or the publisher fallback) and mutated on read and
// delivery-status transitions; they are never deleted automatically.
type Notification struct {
	ID        string     `gorm:"primaryKey;size:36" json:"notification_id"`
	UserID    string     `gorm:"size:36;index" json:"user_id"`
	Type      Type       `gorm:"size:40;not null" json:"type"`
	Content   string     `gorm:"size:500;not null" json:"content"`
	Status    Status     `gorm:"size:20;not null;default:pending" json:"status"`
	IsRead    bool       `gorm:"not null;default:false" json:"is_read"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// SenderInfo is the denormalized sender snapshot carried inside an Event so
// delivery never needs a user lookup.
type SenderInfo struct {
	UserID            string `json:"user_id"`
	Username          string `json:"username"`
	DisplayName       string `json:"display_name"`
	ProfilePictureURL string `json:"profile_picture_url"`
}

// Name returns the sender's display name, falling back to the username.
func (s SenderInfo) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Username
}

// Event is the in-flight queue message describing a fan-out-worthy
// occurrence. It is published on a durable trigger and discarded after
// terminal success or max-retry exhaustion.
type Event struct {
	Type           Type       `json:"type"`
	MessageID      string     `json:"message_id,omitempty"`
	RoomID         string     `json:"room_id,omitempty"`
	RoomName       string     `json:"room_name,omitempty"`
	SenderID       string     `json:"sender_id"`
	RecipientIDs   []string   `json:"recipient_ids"`
	MessageContent string     `json:"message_content,omitempty"`
	SenderInfo     SenderInfo `json:"sender_info"`
	Timestamp      time.Time  `json:"timestamp"`
	RetryCount     int        `json:"retry_count"`
}

// previewLength bounds the message snippet embedded in notification
// content, in characters.
const previewLength = 100

// Preview returns a bounded snippet of the message content for use in
// notification payloads. Truncation is on rune boundaries so multibyte
// content never yields invalid UTF-8.
func (e *Event) Preview() string {
	runes := []rune(e.MessageContent)
	if len(runes) <= previewLength {
		return e.MessageContent
	}
	return string(runes[:previewLength]) + "..."
}
