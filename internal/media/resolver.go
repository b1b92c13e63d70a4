// Package media turns video records into URLs a player can stream.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/repository"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/storage"
)

// ErrSourceMissing means the video record exists but its manifest does not.
var ErrSourceMissing = errors.New("video source is missing from storage")

// Resolver looks up videos and resolves their stored manifest to a URL.
type Resolver struct {
	videos  repository.VideoRepository
	storage storage.Storage
	expiry  time.Duration
}

func NewResolver(videos repository.VideoRepository, store storage.Storage, expiry time.Duration) *Resolver {
	if expiry <= 0 {
		expiry = 6 * time.Hour
	}
	return &Resolver{videos: videos, storage: store, expiry: expiry}
}

// Resolve returns the video and its stream URL. Unknown videos yield
// repository.ErrVideoNotFound.
func (r *Resolver) Resolve(ctx context.Context, videoID string) (*domain.Video, string, error) {
	video, err := r.videos.GetByID(ctx, videoID)
	if err != nil {
		return nil, "", err
	}
	url, err := r.StreamURL(ctx, video)
	if err != nil {
		return nil, "", err
	}
	return video, url, nil
}

// Lookup returns the video record without resolving its source.
func (r *Resolver) Lookup(ctx context.Context, videoID string) (*domain.Video, error) {
	return r.videos.GetByID(ctx, videoID)
}

// StreamURL resolves the video's storage key.
func (r *Resolver) StreamURL(ctx context.Context, video *domain.Video) (string, error) {
	if video.StorageKey == "" {
		return "", ErrSourceMissing
	}
	ok, err := r.storage.Exists(ctx, video.StorageKey)
	if err != nil {
		return "", fmt.Errorf("failed to check video source: %w", err)
	}
	if !ok {
		return "", ErrSourceMissing
	}
	url, err := r.storage.GetURL(ctx, video.StorageKey, r.expiry)
	if err != nil {
		return "", fmt.Errorf("failed to resolve video source: %w", err)
	}
	return url, nil
}
