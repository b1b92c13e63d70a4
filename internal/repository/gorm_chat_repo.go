package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
)

// GormChatRepository implements ChatRepository using GORM.
type GormChatRepository struct {
	db *gorm.DB
}

func NewGormChatRepository(db *gorm.DB) *GormChatRepository {
	return &GormChatRepository{db: db}
}

func (r *GormChatRepository) SaveMessage(ctx context.Context, msg *domain.ChatMessage) error {
	l := log.Ctx(ctx)

	now := time.Now().UTC()
	id, err := NewMessageID(now)
	if err != nil {
		return err
	}
	model := &domain.ChatMessageModel{
		ID:        id,
		RoomID:    msg.RoomID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Content:   msg.Content,
		CreatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, msg.RoomID).Msg("failed to save chat message")
		return err
	}
	msg.ID = model.ID
	msg.CreatedAt = model.CreatedAt
	return nil
}

func (r *GormChatRepository) ToggleReaction(ctx context.Context, roomID, messageID, userID, emoji string) (bool, error) {
	added := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg domain.ChatMessageModel
		if err := tx.Select("id").First(&msg, "id = ? AND room_id = ?", messageID, roomID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}

		result := tx.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
			Delete(&domain.ChatReactionModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}

		added = true
		return tx.Create(&domain.ChatReactionModel{MessageID: messageID, UserID: userID, Emoji: emoji}).Error
	})
	if err != nil && !errors.Is(err, ErrMessageNotFound) {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str("message_id", messageID).Msg("failed to toggle reaction")
	}
	return added, err
}
