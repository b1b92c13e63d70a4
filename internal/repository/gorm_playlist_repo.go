package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
)

// GormPlaylistRepository implements PlaylistRepository using GORM.
type GormPlaylistRepository struct {
	db *gorm.DB
}

func NewGormPlaylistRepository(db *gorm.DB) *GormPlaylistRepository {
	return &GormPlaylistRepository{db: db}
}

func (r *GormPlaylistRepository) Add(ctx context.Context, item *domain.PlaylistItem) error {
	l := log.Ctx(ctx)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPos int64
		if err := tx.Model(&domain.PlaylistItemModel{}).
			Where("room_id = ?", item.RoomID).
			Select("COALESCE(MAX(position), -1)").
			Row().Scan(&maxPos); err != nil {
			l.Error().Err(err).Str(log.FieldRoomID, item.RoomID).Msg("failed to read playlist position")
			return err
		}

		model := &domain.PlaylistItemModel{
			ID:       uuid.New().String(),
			RoomID:   item.RoomID,
			VideoID:  item.VideoID,
			Title:    item.Title,
			AddedBy:  item.AddedBy,
			Position: int(maxPos) + 1,
		}
		if err := tx.Create(model).Error; err != nil {
			l.Error().Err(err).Str(log.FieldRoomID, item.RoomID).Msg("failed to add playlist item")
			return err
		}
		*item = *model.ToDomain()
		return nil
	})
}

func (r *GormPlaylistRepository) Remove(ctx context.Context, roomID, itemID string) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND room_id = ?", itemID, roomID).
		Delete(&domain.PlaylistItemModel{})
	if result.Error != nil {
		l := log.Ctx(ctx)
		l.Error().Err(result.Error).Str(log.FieldRoomID, roomID).Msg("failed to remove playlist item")
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPlaylistItemNotFound
	}
	return nil
}

func (r *GormPlaylistRepository) Reorder(ctx context.Context, roomID string, itemIDs []string) ([]domain.PlaylistItem, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var total, named int64
		if err := tx.Model(&domain.PlaylistItemModel{}).Where("room_id = ?", roomID).Count(&total).Error; err != nil {
			return err
		}
		if err := tx.Model(&domain.PlaylistItemModel{}).
			Where("room_id = ? AND id IN ?", roomID, itemIDs).
			Count(&named).Error; err != nil {
			return err
		}
		if int(total) != len(itemIDs) || int(named) != len(itemIDs) {
			return ErrPlaylistMismatch
		}
		for pos, id := range itemIDs {
			if err := tx.Model(&domain.PlaylistItemModel{}).
				Where("id = ? AND room_id = ?", id, roomID).
				Update("position", pos).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrPlaylistMismatch) {
			l := log.Ctx(ctx)
			l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to reorder playlist")
		}
		return nil, err
	}
	return r.List(ctx, roomID)
}

func (r *GormPlaylistRepository) List(ctx context.Context, roomID string) ([]domain.PlaylistItem, error) {
	var models []domain.PlaylistItemModel
	if err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("position ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.PlaylistItem, len(models))
	for i, m := range models {
		items[i] = *m.ToDomain()
	}
	return items, nil
}
