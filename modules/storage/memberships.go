package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/truongminhphung/realtime-messaging-app/domain/chat"
)

// MembershipRepository reads room membership rows. The chat core never
// creates memberships, only checks them.
type MembershipRepository struct {
	db *gorm.DB
}

// NewMembershipRepository creates a new MembershipRepository.
func NewMembershipRepository(db *gorm.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

// IsMember reports whether the user holds a membership row for the room.
func (r *MembershipRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&chat.RoomMembership{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return count > 0, nil
}

// MemberIDs returns the user IDs of all members of a room.
func (r *MembershipRepository) MemberIDs(ctx context.Context, roomID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&chat.RoomMembership{}).
		Where("room_id = ?", roomID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list room members: %w", err)
	}
	return ids, nil
}
