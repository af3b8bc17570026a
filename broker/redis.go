package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Broker over a go-redis client. All methods translate
// redis.Nil into ErrNotFound and otherwise pass errors through wrapped.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an existing Redis client. The caller owns the client's
// lifecycle.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// SetNX sets key only if absent.
func (b *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Set unconditionally writes key.
func (b *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get returns the value at key or ErrNotFound.
func (b *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// Del removes keys.
func (b *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Expire resets the ttl on key.
func (b *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := b.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// SAdd adds members to a set.
func (b *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := b.rdb.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes members from a set.
func (b *Redis) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := b.rdb.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

// SMembers returns all members of a set.
func (b *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := b.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

// StreamAdd appends to a stream with approximate maxlen trimming and an
// optional ttl on the stream key.
func (b *Redis) StreamAdd(ctx context.Context, stream string, values map[string]any, maxLen int64, ttl time.Duration) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	if ttl > 0 {
		// Best effort: the stream stays usable without the expiry.
		_ = b.rdb.Expire(ctx, stream, ttl).Err()
	}
	return id, nil
}

// StreamRange returns all entries in append order.
func (b *Redis) StreamRange(ctx context.Context, stream string) ([]StreamEntry, error) {
	msgs, err := b.rdb.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", stream, err)
	}
	entries := make([]StreamEntry, len(msgs))
	for i, m := range msgs {
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			values[k] = fmt.Sprint(v)
		}
		entries[i] = StreamEntry{ID: m.ID, Values: values}
	}
	return entries, nil
}

// StreamDel removes entries by id.
func (b *Redis) StreamDel(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XDel(ctx, stream, ids...).Err(); err != nil {
		return fmt.Errorf("xdel %s: %w", stream, err)
	}
	return nil
}

// StreamLen returns the entry count.
func (b *Redis) StreamLen(ctx context.Context, stream string) (int64, error) {
	n, err := b.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

// DeleteStream removes the stream key entirely.
func (b *Redis) DeleteStream(ctx context.Context, stream string) error {
	if err := b.rdb.Del(ctx, stream).Err(); err != nil {
		return fmt.Errorf("del stream %s: %w", stream, err)
	}
	return nil
}

// Ping verifies connectivity.
func (b *Redis) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}
