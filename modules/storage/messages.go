package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/truongminhphung/realtime-messaging-app/domain/chat"
)

// MessageRepository handles message persistence.
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts a new message.
func (r *MessageRepository) Create(ctx context.Context, msg *chat.Message) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// RecentWithSender returns the most recent messages for a room joined with
// sender info, in chronological order (oldest first).
func (r *MessageRepository) RecentWithSender(ctx context.Context, roomID string, limit int) ([]chat.MessageWithSender, error) {
	var rows []chat.MessageWithSender
	err := r.db.WithContext(ctx).
		Table("messages").
		Select(`messages.id AS message_id,
			messages.room_id,
			messages.sender_id,
			users.username AS sender_username,
			users.display_name AS sender_display_name,
			users.profile_picture_url AS sender_profile_picture_url,
			messages.content,
			messages.created_at`).
		Joins("JOIN users ON users.id = messages.sender_id").
		Where("messages.room_id = ?", roomID).
		Order("messages.created_at DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}

	// Query is newest-first for the LIMIT; callers want oldest-first.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}
