package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
)

// GormRoomRepository implements RoomRepository using GORM.
type GormRoomRepository struct {
	db *gorm.DB
}

func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	return &GormRoomRepository{db: db}
}

// GetByID retrieves a room by ID.
func (r *GormRoomRepository) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	l := log.Ctx(ctx)

	var model domain.RoomModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		l.Error().Err(result.Error).Str(log.FieldRoomID, id).Msg("failed to get room by id")
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

// CanAccess allows anyone into public active rooms; private rooms admit the
// owner and users with a room_members row. Closed rooms admit nobody.
func (r *GormRoomRepository) CanAccess(ctx context.Context, roomID, userID string) (bool, error) {
	room, err := r.GetByID(ctx, roomID)
	if err != nil {
		return false, err
	}
	if room.Status != domain.RoomStatusActive {
		return false, nil
	}
	if !room.IsPrivate || room.OwnerID == userID {
		return true, nil
	}

	var count int64
	result := r.db.WithContext(ctx).Model(&domain.RoomMemberModel{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count)
	if result.Error != nil {
		l := log.Ctx(ctx)
		l.Error().Err(result.Error).Str(log.FieldRoomID, roomID).Msg("failed to check room membership")
		return false, result.Error
	}
	return count > 0, nil
}

// SetCurrentVideo records the room's selected video.
func (r *GormRoomRepository) SetCurrentVideo(ctx context.Context, roomID, videoID string) error {
	l := log.Ctx(ctx)

	result := r.db.WithContext(ctx).Model(&domain.RoomModel{}).
		Where("id = ?", roomID).
		Update("current_video_id", videoID)
	if result.Error != nil {
		l.Error().Err(result.Error).Str(log.FieldRoomID, roomID).Msg("failed to update current video")
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	l.Debug().Str(log.FieldRoomID, roomID).Str("video_id", videoID).Msg("current video updated in db")
	return nil
}

// GormVideoRepository implements VideoRepository using GORM.
type GormVideoRepository struct {
	db *gorm.DB
}

func NewGormVideoRepository(db *gorm.DB) *GormVideoRepository {
	return &GormVideoRepository{db: db}
}

func (r *GormVideoRepository) GetByID(ctx context.Context, id string) (*domain.Video, error) {
	var model domain.VideoModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrVideoNotFound
		}
		l := log.Ctx(ctx)
		l.Error().Err(result.Error).Str("video_id", id).Msg("failed to get video by id")
		return nil, result.Error
	}
	return model.ToDomain(), nil
}
