package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each record as a JSON string under "<prefix>v:<path>" and
// each parent's children in a sorted set "<prefix>c:<path>" scored by a
// global insertion counter.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed record store
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	return &RedisStore{redis: redisClient, prefix: prefix}
}

func (rs *RedisStore) valueKey(path string) string { return rs.prefix + "v:" + path }
func (rs *RedisStore) indexKey(path string) string { return rs.prefix + "c:" + path }
func (rs *RedisStore) seqKey() string              { return rs.prefix + "seq" }

func (rs *RedisStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	path, err := validatePath(path)
	if err != nil {
		return nil, err
	}

	data, err := rs.redis.Get(ctx, rs.valueKey(path)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record from Redis: %w", err)
	}
	return data, nil
}

func (rs *RedisStore) Children(ctx context.Context, path string) ([]Child, error) {
	path = strings.Trim(path, "/")

	keys, err := rs.redis.ZRange(ctx, rs.indexKey(path), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list children from Redis: %w", err)
	}
	if len(keys) == 0 {
		return []Child{}, nil
	}

	valueKeys := make([]string, len(keys))
	for i, k := range keys {
		valueKeys[i] = rs.valueKey(Join(path, k))
	}

	values, err := rs.redis.MGet(ctx, valueKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read children from Redis: %w", err)
	}

	result := make([]Child, 0, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		result = append(result, Child{Key: keys[i], Value: json.RawMessage(s)})
	}
	return result, nil
}

func (rs *RedisStore) QueryByField(ctx context.Context, path, field string, value any) ([]Child, error) {
	all, err := rs.Children(ctx, path)
	if err != nil {
		return nil, err
	}

	var matched []Child
	for _, c := range all {
		if fieldEquals(c.Value, field, value) {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

func (rs *RedisStore) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := NewPushID()
	if err != nil {
		return "", err
	}
	if err := rs.Set(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (rs *RedisStore) Set(ctx context.Context, path string, value any) error {
	path, err := validatePath(path)
	if err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	return rs.write(ctx, rs.redis.TxPipelined, path, data)
}

func (rs *RedisStore) Update(ctx context.Context, path string, fields map[string]any) error {
	path, err := validatePath(path)
	if err != nil {
		return err
	}

	key := rs.valueKey(path)
	return rs.redis.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to get record from Redis: %w", err)
		}

		merged, err := mergeFields(existing, fields)
		if err != nil {
			return err
		}
		return rs.write(ctx, tx.TxPipelined, path, merged)
	}, key)
}

type txPipelinedFunc func(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)

// write stores data and indexes path under its parent inside one MULTI block.
func (rs *RedisStore) write(ctx context.Context, txPipelined txPipelinedFunc, path string, data []byte) error {
	seq, err := rs.redis.Incr(ctx, rs.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	parent, key := Split(path)
	pipeline := func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rs.valueKey(path), data, 0)
		pipe.ZAddNX(ctx, rs.indexKey(parent), redis.Z{Score: float64(seq), Member: key})
		return nil
	}

	if _, err := txPipelined(ctx, pipeline); err != nil {
		return fmt.Errorf("failed to set record in Redis: %w", err)
	}
	return nil
}

func (rs *RedisStore) Delete(ctx context.Context, path string) error {
	path, err := validatePath(path)
	if err != nil {
		return err
	}

	keys := []string{rs.valueKey(path), rs.indexKey(path)}
	for _, prefix := range []string{rs.valueKey(path) + "/", rs.indexKey(path) + "/"} {
		iter := rs.redis.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan records for delete: %w", err)
		}
	}

	parent, key := Split(path)
	_, err = rs.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, rs.indexKey(parent), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete record from Redis: %w", err)
	}
	return nil
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Ping checks the connection.
func (rs *RedisStore) Ping(ctx context.Context) error {
	if err := rs.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}
