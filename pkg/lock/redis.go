package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAcquireScript sets the lock and its acquisition time if unset.
// KEYS[1] = lock key
// KEYS[2] = acquisition time key
// ARGV[1] = proposal id
// ARGV[2] = acquisition time, unix milliseconds
// Returns 1 when set, 0 when already held.
var redisAcquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX") then
    redis.call("SET", KEYS[2], ARGV[2])
    return 1
end
return 0
`)

// redisReleaseScript deletes the lock only if the caller still holds it.
// KEYS[1] = lock key
// KEYS[2] = acquisition time key
// ARGV[1] = proposal id
// Returns 1 when deleted, 0 when absent, -1 when held by someone else.
var redisReleaseScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if not holder then
    return 0
end
if holder == ARGV[1] then
    redis.call("DEL", KEYS[1], KEYS[2])
    return 1
end
return -1
`)

// RedisManager is a Manager for governors sharing a Redis instance.
// Locks have no expiry: a unit stays locked until its holder releases it
// or the engine reclaims it as orphaned.
type RedisManager struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedisManager creates a manager backed by Redis.
func NewRedisManager(addr, password string, db int) *RedisManager {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisManagerWithClient(rdb)
}

// NewRedisManagerWithClient wraps an existing client.
func NewRedisManagerWithClient(client *redis.Client) *RedisManager {
	return &RedisManager{client: client, prefix: "governor:lock:", clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *RedisManager) WithClock(clock func() time.Time) *RedisManager {
	m.clock = clock
	return m
}

// Ping checks connectivity.
func (m *RedisManager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisManager) key(unitID string) string {
	return m.prefix + unitID
}

func (m *RedisManager) keys(unitID string) []string {
	k := m.key(unitID)
	return []string{k, k + ":at"}
}

func (m *RedisManager) Acquire(ctx context.Context, unitID, proposalID string) error {
	set, err := redisAcquireScript.Run(ctx, m.client, m.keys(unitID), proposalID, m.clock().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("redis lock error: %w", err)
	}
	if set == 1 {
		return nil
	}
	holder, held, err := m.Holder(ctx, unitID)
	if err != nil {
		return err
	}
	if held && holder == proposalID {
		return nil
	}
	return conflict(unitID, holder)
}

func (m *RedisManager) Release(ctx context.Context, unitID, proposalID string) error {
	res, err := redisReleaseScript.Run(ctx, m.client, m.keys(unitID), proposalID).Int64()
	if err != nil {
		return fmt.Errorf("redis unlock error: %w", err)
	}
	if res < 0 {
		return ErrNotHolder
	}
	return nil
}

func (m *RedisManager) Holder(ctx context.Context, unitID string) (string, bool, error) {
	holder, err := m.client.Get(ctx, m.key(unitID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis lock error: %w", err)
	}
	return holder, true, nil
}

func (m *RedisManager) Holding(ctx context.Context, unitID string) (Holding, bool, error) {
	vals, err := m.client.MGet(ctx, m.keys(unitID)...).Result()
	if err != nil {
		return Holding{}, false, fmt.Errorf("redis lock error: %w", err)
	}
	holder, ok := vals[0].(string)
	if !ok {
		return Holding{}, false, nil
	}
	h := Holding{UnitID: unitID, HolderID: holder}
	// A lock with no recorded time reads as acquired at the epoch.
	if raw, ok := vals[1].(string); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			h.AcquiredAt = time.UnixMilli(ms).UTC()
		}
	}
	return h, true, nil
}
