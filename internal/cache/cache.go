package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL applied on every write. Cached entries may be ahead of the durable
// store (edits land here on every change, the database only on explicit
// save), so readers check here first and fall back to the database.
const DefaultTTL = 24 * time.Hour

// RoomCache holds the most recently edited code and language per room.
type RoomCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(opts *redis.Options) *RoomCache {
	return &RoomCache{
		rdb: redis.NewClient(opts),
		ttl: DefaultTTL,
	}
}

func (c *RoomCache) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *RoomCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func codeKey(roomID string) string {
	return fmt.Sprintf("room:%s:code", roomID)
}

func languageKey(roomID string) string {
	return fmt.Sprintf("room:%s:language", roomID)
}

// GetCode returns the cached code and whether the key was present. A miss is
// not an error.
func (c *RoomCache) GetCode(ctx context.Context, roomID string) (string, bool, error) {
	return c.get(ctx, codeKey(roomID))
}

func (c *RoomCache) SetCode(ctx context.Context, roomID, code string) error {
	if err := c.rdb.Set(ctx, codeKey(roomID), code, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache code for room %s: %w", roomID, err)
	}
	return nil
}

func (c *RoomCache) GetLanguage(ctx context.Context, roomID string) (string, bool, error) {
	return c.get(ctx, languageKey(roomID))
}

func (c *RoomCache) SetLanguage(ctx context.Context, roomID, language string) error {
	if err := c.rdb.Set(ctx, languageKey(roomID), language, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache language for room %s: %w", roomID, err)
	}
	return nil
}

// Purge drops both keys for a room. Used by the room-deletion path.
func (c *RoomCache) Purge(ctx context.Context, roomID string) error {
	if err := c.rdb.Del(ctx, codeKey(roomID), languageKey(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to purge cache for room %s: %w", roomID, err)
	}
	return nil
}

func (c *RoomCache) get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return val, true, nil
}
