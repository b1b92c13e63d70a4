package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
)

// Redis key patterns ({p} is the configured prefix):
// {p}:presence:{room_id}:members   HASH<user_id\0connection_id, PresenceEntry JSON>
// {p}:presence:{room_id}:conns     HASH<user_id\0connection_id, connection_id>
// {p}:presence:{room_id}:seen      ZSET<user_id\0connection_id, last seen unix ms>
// {p}:voice:{room_id}:roster       HASH<user_id, VoiceRosterEntry JSON>
// {p}:voice:{room_id}:conns        HASH<user_id, connection_id>
// {p}:voice:{room_id}:seen         ZSET<user_id, last seen unix ms>
// {p}:playback:{room_id}           STRING<PlaybackState JSON>
//
// The three keys of a roster always change together inside one script.

const pruneLua = `
local stale = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[1])
for _, u in ipairs(stale) do
  redis.call('HDEL', KEYS[1], u)
  redis.call('HDEL', KEYS[2], u)
  redis.call('ZREM', KEYS[3], u)
end
`

// ARGV: cutoff, user, entry json, connection, now, max, key ttl ms
var addScript = redis.NewScript(pruneLua + `
local max = tonumber(ARGV[6])
if max > 0 and redis.call('HEXISTS', KEYS[1], ARGV[2]) == 0 and redis.call('HLEN', KEYS[1]) >= max then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[2])
for i = 1, 3 do
  redis.call('PEXPIRE', KEYS[i], ARGV[7])
end
return 1
`)

// userPresentLua sets present when a member field still starts with the
// user prefix held in the local prefix.
const userPresentLua = `
local present = false
for _, k in ipairs(redis.call('HKEYS', KEYS[1])) do
  if string.sub(k, 1, #prefix) == prefix then
    present = true
    break
  end
end
`

// ARGV: cutoff, field, entry json, connection, now, key ttl ms, user prefix
var memberAddScript = redis.NewScript(pruneLua + `
redis.call('HDEL', KEYS[1], ARGV[2])
local prefix = ARGV[7]
` + userPresentLua + `
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[2])
for i = 1, 3 do
  redis.call('PEXPIRE', KEYS[i], ARGV[6])
end
if present then
  return 0
end
return 1
`)

// ARGV: cutoff, field, user prefix
var memberRemoveScript = redis.NewScript(pruneLua + `
redis.call('HDEL', KEYS[1], ARGV[2])
redis.call('HDEL', KEYS[2], ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[2])
local prefix = ARGV[3]
` + userPresentLua + `
if present then
  return 0
end
return 1
`)

// ARGV: user, connection. Returns -1 when another connection owns the entry.
var removeScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[2], ARGV[1])
if not owner then
  return 0
end
if owner ~= ARGV[2] then
  return -1
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

// ARGV: user, connection, now, key ttl ms
var touchScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
for i = 1, 3 do
  redis.call('PEXPIRE', KEYS[i], ARGV[4])
end
return 1
`)

// ARGV: user, connection, entry json
var updateScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// ARGV: cutoff
var listScript = redis.NewScript(pruneLua + `
return {redis.call('HGETALL', KEYS[1]), redis.call('ZRANGE', KEYS[3], 0, -1, 'WITHSCORES')}
`)

// RedisCache implements Cache on a Redis server shared by all processes.
type RedisCache struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

func NewRedisCache(client *redis.Client, cfg Config) *RedisCache {
	return &RedisCache{client: client, cfg: cfg.withDefaults(), now: time.Now}
}

func (c *RedisCache) memberKeys(roomID string) []string {
	p := c.cfg.KeyPrefix
	return []string{
		fmt.Sprintf("%s:presence:%s:members", p, roomID),
		fmt.Sprintf("%s:presence:%s:conns", p, roomID),
		fmt.Sprintf("%s:presence:%s:seen", p, roomID),
	}
}

func (c *RedisCache) voiceKeys(roomID string) []string {
	p := c.cfg.KeyPrefix
	return []string{
		fmt.Sprintf("%s:voice:%s:roster", p, roomID),
		fmt.Sprintf("%s:voice:%s:conns", p, roomID),
		fmt.Sprintf("%s:voice:%s:seen", p, roomID),
	}
}

func (c *RedisCache) playbackKey(roomID string) string {
	return fmt.Sprintf("%s:playback:%s", c.cfg.KeyPrefix, roomID)
}

func (c *RedisCache) cutoff(now time.Time) int64 {
	return now.Add(-c.cfg.TTL).UnixMilli()
}

// keyTTL keeps abandoned rosters from living forever.
func (c *RedisCache) keyTTL() int64 {
	return (2 * c.cfg.TTL).Milliseconds()
}

func (c *RedisCache) add(ctx context.Context, keys []string, userID, connectionID string, entry interface{}, max int) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	now := c.now()
	res, err := addScript.Run(ctx, c.client, keys,
		c.cutoff(now), userID, data, connectionID, now.UnixMilli(), max, c.keyTTL()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (c *RedisCache) remove(ctx context.Context, keys []string, userID, connectionID string) (int, error) {
	return removeScript.Run(ctx, c.client, keys, userID, connectionID).Int()
}

func (c *RedisCache) touch(ctx context.Context, keys []string, userID, connectionID string) error {
	return touchScript.Run(ctx, c.client, keys, userID, connectionID, c.now().UnixMilli(), c.keyTTL()).Err()
}

// list returns raw entries and their last-seen times keyed by hash field.
func (c *RedisCache) list(ctx context.Context, keys []string) (map[string]string, map[string]time.Time, error) {
	res, err := listScript.Run(ctx, c.client, keys, c.cutoff(c.now())).Slice()
	if err != nil {
		return nil, nil, err
	}
	if len(res) != 2 {
		return nil, nil, fmt.Errorf("unexpected presence reply of %d elements", len(res))
	}

	fields, _ := res[0].([]interface{})
	entries := make(map[string]string, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		k, _ := fields[i].(string)
		v, _ := fields[i+1].(string)
		entries[k] = v
	}

	scores, _ := res[1].([]interface{})
	seen := make(map[string]time.Time, len(scores)/2)
	for i := 0; i+1 < len(scores); i += 2 {
		k, _ := scores[i].(string)
		var ms float64
		switch s := scores[i+1].(type) {
		case string:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				continue
			}
			ms = f
		case int64:
			ms = float64(s)
		case float64:
			ms = s
		default:
			continue
		}
		seen[k] = time.UnixMilli(int64(ms))
	}
	return entries, seen, nil
}

func (c *RedisCache) AddMember(ctx context.Context, entry domain.PresenceEntry) (bool, error) {
	now := c.now()
	if entry.LastSeen.IsZero() {
		entry.LastSeen = now
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	first, err := memberAddScript.Run(ctx, c.client, c.memberKeys(entry.RoomID),
		c.cutoff(now), memberField(entry.UserID, entry.ConnectionID), data, entry.ConnectionID,
		now.UnixMilli(), c.keyTTL(), entry.UserID+memberSep).Int()
	if err != nil {
		return false, fmt.Errorf("failed to add presence entry: %w", err)
	}
	return first == 1, nil
}

func (c *RedisCache) RemoveMember(ctx context.Context, roomID, userID, connectionID string) (bool, error) {
	gone, err := memberRemoveScript.Run(ctx, c.client, c.memberKeys(roomID),
		c.cutoff(c.now()), memberField(userID, connectionID), userID+memberSep).Int()
	if err != nil {
		return false, fmt.Errorf("failed to remove presence entry: %w", err)
	}
	return gone == 1, nil
}

func (c *RedisCache) Members(ctx context.Context, roomID string) ([]domain.PresenceEntry, error) {
	raw, seen, err := c.list(ctx, c.memberKeys(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	out := make([]domain.PresenceEntry, 0, len(raw))
	for field, data := range raw {
		var e domain.PresenceEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		if t, ok := seen[field]; ok {
			e.LastSeen = t
		}
		out = append(out, e)
	}
	return distinctUsers(out), nil
}

func (c *RedisCache) TouchMember(ctx context.Context, roomID, userID, connectionID string) error {
	if err := c.touch(ctx, c.memberKeys(roomID), memberField(userID, connectionID), connectionID); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

func (c *RedisCache) SetPlayback(ctx context.Context, roomID string, state domain.PlaybackState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.playbackKey(roomID), data, playbackTTL).Err(); err != nil {
		return fmt.Errorf("failed to store playback snapshot: %w", err)
	}
	return nil
}

func (c *RedisCache) GetPlayback(ctx context.Context, roomID string) (*domain.PlaybackState, error) {
	data, err := c.client.Get(ctx, c.playbackKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read playback snapshot: %w", err)
	}
	var state domain.PlaybackState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt playback snapshot: %w", err)
	}
	return &state, nil
}

func (c *RedisCache) DeletePlayback(ctx context.Context, roomID string) error {
	return c.client.Del(ctx, c.playbackKey(roomID)).Err()
}

func (c *RedisCache) AddVoiceParticipant(ctx context.Context, roomID string, entry domain.VoiceRosterEntry, max int) (bool, error) {
	added, err := c.add(ctx, c.voiceKeys(roomID), entry.UserID, entry.ConnectionID, entry, max)
	if err != nil {
		return false, fmt.Errorf("failed to add voice participant: %w", err)
	}
	return added, nil
}

func (c *RedisCache) UpdateVoiceParticipant(ctx context.Context, roomID string, entry domain.VoiceRosterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := updateScript.Run(ctx, c.client, c.voiceKeys(roomID), entry.UserID, entry.ConnectionID, data).Err(); err != nil {
		return fmt.Errorf("failed to update voice participant: %w", err)
	}
	return nil
}

func (c *RedisCache) RemoveVoiceParticipant(ctx context.Context, roomID, userID, connectionID string) (bool, error) {
	res, err := c.remove(ctx, c.voiceKeys(roomID), userID, connectionID)
	if err != nil {
		return false, fmt.Errorf("failed to remove voice participant: %w", err)
	}
	if res < 0 {
		return false, ErrVoiceReplaced
	}
	return res == 1, nil
}

func (c *RedisCache) VoiceParticipants(ctx context.Context, roomID string) ([]domain.VoiceRosterEntry, error) {
	raw, _, err := c.list(ctx, c.voiceKeys(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to list voice roster: %w", err)
	}
	out := make([]domain.VoiceRosterEntry, 0, len(raw))
	for _, data := range raw {
		var e domain.VoiceRosterEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	sortRoster(out)
	return out, nil
}

func (c *RedisCache) TouchVoiceParticipant(ctx context.Context, roomID, userID, connectionID string) error {
	if err := c.touch(ctx, c.voiceKeys(roomID), userID, connectionID); err != nil {
		return fmt.Errorf("failed to refresh voice participant: %w", err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (c *RedisCache) Close() error {
	return nil
}
