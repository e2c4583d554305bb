package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"payment-recovery/config"
	"payment-recovery/internal/models"

	"github.com/redis/go-redis/v9"
)

// observeScript refreshes an existing record or creates a new one. The key TTL
// is the window, pushed forward on every sighting.
var observeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'last_seen_at', ARGV[2])
	redis.call('HINCRBY', KEYS[1], 'occurrence_count', 1)
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return 0
end
redis.call('HSET', KEYS[1],
	'first_seen_at', ARGV[2],
	'last_seen_at', ARGV[2],
	'occurrence_count', 1,
	'processed_event_id', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RedisStore keeps the dedup index in Redis, letting key expiry do the purging.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Connect opens a Redis client and checks it answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "dedup:"}
}

func (s *RedisStore) ObserveDedup(ctx context.Context, hash, eventID string, now time.Time, window time.Duration) (*models.DedupRecord, bool, error) {
	key := s.prefix + hash
	created, err := observeScript.Run(ctx, s.client, []string{key},
		eventID, now.UnixNano(), window.Milliseconds()).Int()
	if err != nil {
		return nil, false, err
	}

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, err
	}
	rec := &models.DedupRecord{
		DedupHash:        hash,
		FirstSeenAt:      unixNano(fields["first_seen_at"]),
		LastSeenAt:       unixNano(fields["last_seen_at"]),
		ProcessedEventID: fields["processed_event_id"],
	}
	rec.OccurrenceCount, _ = strconv.ParseInt(fields["occurrence_count"], 10, 64)
	return rec, created == 1, nil
}

// PurgeDedup is a no-op; Redis expires the keys.
func (s *RedisStore) PurgeDedup(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func unixNano(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
