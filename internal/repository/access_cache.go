package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
)

// CachedAuthorizer caches room-access decisions in Redis. Concurrent misses
// for the same (room, user) share one store lookup.
type CachedAuthorizer struct {
	next   Authorizer
	client *redis.Client
	prefix string
	ttl    time.Duration
	sf     singleflight.Group
}

func NewCachedAuthorizer(next Authorizer, client *redis.Client, prefix string, ttl time.Duration) *CachedAuthorizer {
	if prefix == "" {
		prefix = "watch"
	}
	return &CachedAuthorizer{next: next, client: client, prefix: prefix, ttl: ttl}
}

func (a *CachedAuthorizer) key(roomID, userID string) string {
	return fmt.Sprintf("%s:access:%s:%s", a.prefix, roomID, userID)
}

func (a *CachedAuthorizer) CanAccess(ctx context.Context, roomID, userID string) (bool, error) {
	key := a.key(roomID, userID)

	val, err := a.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return val == "1", nil
	case !errors.Is(err, redis.Nil):
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("access cache get error")
	}

	result, err, _ := a.sf.Do(key, func() (interface{}, error) {
		allowed, err := a.next.CanAccess(ctx, roomID, userID)
		if err != nil {
			return false, err
		}
		v := "0"
		if allowed {
			v = "1"
		}
		if err := a.client.Set(ctx, key, v, a.ttl).Err(); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("access cache set error")
		}
		return allowed, nil
	})
	if err != nil {
		return false, err
	}
	allowed, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type from singleflight")
	}
	return allowed, nil
}

// Invalidate forgets a cached decision, e.g. after membership changes.
func (a *CachedAuthorizer) Invalidate(ctx context.Context, roomID, userID string) error {
	return a.client.Del(ctx, a.key(roomID, userID)).Err()
}
