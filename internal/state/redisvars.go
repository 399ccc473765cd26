package state

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisVarPrefix = "tidewheel:var:"

// RedisVars is the Redis-backed Variables implementation, for
// deployments where chains run in more than one process and need a
// shared global store.
type RedisVars struct {
	client *redis.Client
}

func NewRedisVars(addr, password string, db int) *RedisVars {
	return &RedisVars{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// NewRedisVarsFromClient wraps an existing client; used in tests.
func NewRedisVarsFromClient(client *redis.Client) *RedisVars {
	return &RedisVars{client: client}
}

func (s *RedisVars) Close() error {
	return s.client.Close()
}

func (s *RedisVars) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.HGet(ctx, redisVarPrefix+key, "value").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis vars: get %q: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisVars) Set(ctx context.Context, key, value, note string) error {
	err := s.client.HSet(ctx, redisVarPrefix+key,
		"value", value,
		"note", note,
		"updated_at", time.Now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return fmt.Errorf("redis vars: set %q: %w", key, err)
	}
	return nil
}

func (s *RedisVars) Substitute(ctx context.Context, text string) (string, error) {
	var firstErr error
	out := PlaceholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := PlaceholderPattern.FindStringSubmatch(match)[1]
		val, ok, err := s.Get(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		if !ok {
			return match
		}
		return val
	})
	return out, firstErr
}

func (s *RedisVars) List(ctx context.Context) ([]Variable, error) {
	var (
		vars   []Variable
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisVarPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis vars: scan: %w", err)
		}
		for _, k := range keys {
			fields, err := s.client.HGetAll(ctx, k).Result()
			if err != nil {
				return nil, fmt.Errorf("redis vars: read %q: %w", k, err)
			}
			v := Variable{
				Key:   k[len(redisVarPrefix):],
				Value: fields["value"],
				Note:  fields["note"],
			}
			if ts, err := time.Parse(time.RFC3339, fields["updated_at"]); err == nil {
				v.UpdatedAt = ts
			}
			vars = append(vars, v)
		}
		cursor = next
		if cursor == 0 {
			return vars, nil
		}
	}
}
