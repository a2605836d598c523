package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/agentdb/internal/data"
)

// RedisRangeStore keeps offloaded batches in a Redis hash per table:
// field "lo-hi" holds the JSON-encoded rows of that revision range.
type RedisRangeStore struct {
	client *redis.Client
}

// NewRedisRangeStore wraps an established Redis client.
func NewRedisRangeStore(client *redis.Client) *RedisRangeStore {
	return &RedisRangeStore{client: client}
}

// Conn dials Redis and verifies the connection with a ping.
func Conn(ctx context.Context, addr, password string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func redisKey(instance, table string) string {
	return fmt.Sprintf("agentdb:%s:%s:ranges", instance, table)
}

func rangeField(rng data.RevRange) string {
	return fmt.Sprintf("%d-%d", rng.Lo, rng.Hi)
}

func parseRangeField(field string) (data.RevRange, error) {
	var rng data.RevRange
	if _, err := fmt.Sscanf(field, "%d-%d", &rng.Lo, &rng.Hi); err != nil {
		return rng, fmt.Errorf("malformed range field %q: %w", field, err)
	}
	return rng, nil
}

// List returns the ranges held for a table, ordered by ascending revision.
func (s *RedisRangeStore) List(ctx context.Context, instance, table string) ([]data.RevRange, error) {
	fields, err := s.client.HKeys(ctx, redisKey(instance, table)).Result()
	if err != nil {
		return nil, fmt.Errorf("hkeys: %w", err)
	}
	out := make([]data.RevRange, 0, len(fields))
	for _, f := range fields {
		rng, err := parseRangeField(f)
		if err != nil {
			return nil, err
		}
		out = append(out, rng)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lo < out[j].Lo })
	return out, nil
}

// Get fetches and decodes one batch.
func (s *RedisRangeStore) Get(ctx context.Context, instance, table string, rng data.RevRange) ([]data.Record, error) {
	raw, err := s.client.HGet(ctx, redisKey(instance, table), rangeField(rng)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("range %s not held for %s", rangeField(rng), table)
	}
	if err != nil {
		return nil, fmt.Errorf("hget: %w", err)
	}
	var rows []data.Record
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, fmt.Errorf("decode range %s: %w", rangeField(rng), err)
	}
	return rows, nil
}

// Put encodes and stores one batch.
func (s *RedisRangeStore) Put(ctx context.Context, instance, table string, rng data.RevRange, rows []data.Record) error {
	raw, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode range %s: %w", rangeField(rng), err)
	}
	if err := s.client.HSet(ctx, redisKey(instance, table), rangeField(rng), raw).Err(); err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	return nil
}

// Delete drops one batch; deleting an absent batch is a no-op.
func (s *RedisRangeStore) Delete(ctx context.Context, instance, table string, rng data.RevRange) error {
	if err := s.client.HDel(ctx, redisKey(instance, table), rangeField(rng)).Err(); err != nil {
		return fmt.Errorf("hdel: %w", err)
	}
	return nil
}
