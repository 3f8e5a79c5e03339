// Package cache keeps the most recent reading per device and sensor in Redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-iot-hub/config"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

// Latest is a Redis-backed latest-value cache. A nil *Latest is a valid, empty cache.
type Latest struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLatest connects to Redis. It returns nil, without error, when the cache is
// disabled or the server cannot be reached, so callers fall back to the store.
func NewLatest(ctx context.Context, cfg *config.Config) *Latest {
	if !cfg.Redis.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.GetRedisAddr()).Msg("Redis not available, latest-value cache disabled")
		client.Close()
		return nil
	}

	log.Info().Str("addr", cfg.GetRedisAddr()).Msg("Redis connected")
	return &Latest{client: client, ttl: cfg.Redis.TTL}
}

func key(deviceID int64) string {
	return fmt.Sprintf("latest:device:%d", deviceID)
}

// stampKey holds the created_at of each cached reading, in microseconds.
func stampKey(deviceID int64) string {
	return key(deviceID) + ":at"
}

// stamp fits in a Lua number without losing precision.
func stamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

// putScript writes the reading unless a newer one is cached, in one atomic step.
// KEYS: values, stamps. ARGV: field, stamp, reading, ttl in milliseconds.
var putScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[2], ARGV[1])
if prev and tonumber(prev) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
if tonumber(ARGV[4]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	redis.call('PEXPIRE', KEYS[2], ARGV[4])
end
return 1
`)

// Put records m as the newest reading of its sensor unless a newer one is cached.
func (c *Latest) Put(ctx context.Context, m *models.Measurement) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode measurement: %w", err)
	}
	keys := []string{key(m.DeviceID), stampKey(m.DeviceID)}
	args := []interface{}{strconv.FormatInt(m.SensorTypeID, 10), stamp(m.CreatedAt), data, c.ttl.Milliseconds()}
	if err := putScript.Run(ctx, c.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to cache latest measurement: %w", err)
	}
	return nil
}

// Get returns the cached readings of a device ordered by sensor type. The bool is
// false on a miss, including when the cache is disabled.
func (c *Latest) Get(ctx context.Context, deviceID int64) ([]*models.Measurement, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	fields, err := c.client.HGetAll(ctx, key(deviceID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read latest measurements: %w", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	out := make([]*models.Measurement, 0, len(fields))
	for _, raw := range fields {
		var m models.Measurement
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			log.Warn().Err(err).Int64("device_id", deviceID).Msg("Dropping undecodable cache entry")
			continue
		}
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorTypeID < out[j].SensorTypeID })
	return out, true, nil
}

// Forget drops everything cached for a device.
func (c *Latest) Forget(ctx context.Context, deviceID int64) error {
	if c == nil {
		return nil
	}
	return c.client.Del(ctx, key(deviceID), stampKey(deviceID)).Err()
}

func (c *Latest) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// LatestFromList picks the newest reading per sensor type from a newest-first list.
func LatestFromList(ms []*models.Measurement) []*models.Measurement {
	seen := map[int64]bool{}
	out := []*models.Measurement{}
	for _, m := range ms {
		if seen[m.SensorTypeID] {
			continue
		}
		seen[m.SensorTypeID] = true
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorTypeID < out[j].SensorTypeID })
	return out
}
