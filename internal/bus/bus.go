// Package bus wraps Redis Streams and the small-state KV used by every
// service in the pipeline.
//
// Streams are the only cross-process transport: producers append, consumer
// groups read with per-record ownership, and every topic is length-capped
// with approximate trimming. The KV side holds the counters, leases, and
// caches that must outlive any single process.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamCap bounds every topic unless configured otherwise.
const DefaultStreamCap int64 = 200_000

// Message is one stream record: the bus-assigned monotone id plus the field
// map as appended.
type Message struct {
	ID     string
	Fields map[string]string
}

// Bus is the event bus handle. Safe for concurrent use.
type Bus struct {
	rdb       *redis.Client
	streamCap int64
}

// Connect dials Redis from a redis:// URL and pings it once.
func Connect(ctx context.Context, url string, streamCap int64) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if streamCap <= 0 {
		streamCap = DefaultStreamCap
	}
	return &Bus{rdb: rdb, streamCap: streamCap}, nil
}

// Close releases the underlying connection pool.
func (b *Bus) Close() error { return b.rdb.Close() }

// Append adds a record to a topic with approximate length capping. Topics
// are created on first append. Returns the assigned id.
func (b *Bus) Append(ctx context.Context, topic string, fields map[string]any) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: b.streamCap,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}

// EnsureGroup creates a consumer group at the given start id ("$" for new
// records only, "0" for the full backlog), creating the topic if missing.
// An already-existing group is success.
func (b *Bus) EnsureGroup(ctx context.Context, topic, group, start string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, topic, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s %s: %w", topic, group, err)
	}
	return nil
}

// ReadGroup fetches up to count undelivered records for the consumer,
// blocking up to block. A block timeout returns an empty slice, not an error.
func (b *Bus) ReadGroup(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", topic, err)
	}

	var out []Message
	for _, stream := range res {
		for _, m := range stream.Messages {
			out = append(out, Message{ID: m.ID, Fields: stringFields(m.Values)})
		}
	}
	return out, nil
}

// Read fetches new records from multiple topics without a group, resuming
// from the per-topic ids in cursor ("$" to start at the tail). The cursor is
// advanced in place.
func (b *Bus) Read(ctx context.Context, cursor map[string]string, count int64, block time.Duration) (map[string][]Message, error) {
	streams := make([]string, 0, len(cursor)*2)
	ids := make([]string, 0, len(cursor))
	for topic := range cursor {
		streams = append(streams, topic)
		ids = append(ids, cursor[topic])
	}
	streams = append(streams, ids...)

	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{Streams: streams, Count: count, Block: block}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xread: %w", err)
	}

	out := make(map[string][]Message, len(res))
	for _, stream := range res {
		for _, m := range stream.Messages {
			out[stream.Stream] = append(out[stream.Stream], Message{ID: m.ID, Fields: stringFields(m.Values)})
			cursor[stream.Stream] = m.ID
		}
	}
	return out, nil
}

// Ack acknowledges one record for the group.
func (b *Bus) Ack(ctx context.Context, topic, group, id string) error {
	return b.rdb.XAck(ctx, topic, group, id).Err()
}

// Trim caps a topic to maxlen with approximate trimming.
func (b *Bus) Trim(ctx context.Context, topic string, maxlen int64) error {
	return b.rdb.XTrimMaxLenApprox(ctx, topic, maxlen, 0).Err()
}

// RevRangeN returns the newest n records of a topic, newest first.
func (b *Bus) RevRangeN(ctx context.Context, topic string, n int64) ([]Message, error) {
	res, err := b.rdb.XRevRangeN(ctx, topic, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", topic, err)
	}
	out := make([]Message, 0, len(res))
	for _, m := range res {
		out = append(out, Message{ID: m.ID, Fields: stringFields(m.Values)})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// KV operations
// ————————————————————————————————————————————————————————————————————————

// Get returns the value for key, or "" when the key does not exist.
func (b *Bus) Get(ctx context.Context, key string) (string, error) {
	v, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// Set stores a string value with an optional TTL (0 = no expiry).
func (b *Bus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.rdb.Set(ctx, key, value, ttl).Err()
}

// MSet stores several string values in one round trip.
func (b *Bus) MSet(ctx context.Context, pairs map[string]string) error {
	args := make([]any, 0, len(pairs)*2)
	for k, v := range pairs {
		args = append(args, k, v)
	}
	return b.rdb.MSet(ctx, args...).Err()
}

// SetNX acquires key iff it is unset; used for guard leases.
func (b *Bus) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return b.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Expire renews a TTL; used for lease renewal.
func (b *Bus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.rdb.Expire(ctx, key, ttl).Err()
}

// Del removes keys.
func (b *Bus) Del(ctx context.Context, keys ...string) error {
	return b.rdb.Del(ctx, keys...).Err()
}

// HSet sets hash fields.
func (b *Bus) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return b.rdb.HSet(ctx, key, args...).Err()
}

// HGetAll returns the whole hash; empty map when the key is missing.
func (b *Bus) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return b.rdb.HGetAll(ctx, key).Result()
}

// HIncrByFloat atomically bumps a hash field; the counter discipline for
// exposure bookkeeping.
func (b *Bus) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	return b.rdb.HIncrByFloat(ctx, key, field, delta).Result()
}

// HLen returns the number of fields in a hash.
func (b *Bus) HLen(ctx context.Context, key string) (int64, error) {
	return b.rdb.HLen(ctx, key).Result()
}

// SAdd adds members to a set.
func (b *Bus) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return b.rdb.SAdd(ctx, key, args...).Err()
}

// SMembers returns all members of a set.
func (b *Bus) SMembers(ctx context.Context, key string) ([]string, error) {
	return b.rdb.SMembers(ctx, key).Result()
}

// LRange returns list entries in [start, stop].
func (b *Bus) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return b.rdb.LRange(ctx, key, start, stop).Result()
}

// RPush appends to a list.
func (b *Bus) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return b.rdb.RPush(ctx, key, args...).Err()
}

// Scan walks keys matching pattern, returning up to count per page together
// with the next cursor.
func (b *Bus) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	return b.rdb.Scan(ctx, cursor, pattern, count).Result()
}

// ReplaceListAndSet atomically swaps the ordered selection (list + set) and
// bumps the version key; used by the universe selector.
func (b *Bus) ReplaceListAndSet(ctx context.Context, setKey, listKey, versionKey string, items []string, version string) error {
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, setKey, listKey)
	if len(items) > 0 {
		members := make([]any, len(items))
		for i, m := range items {
			members[i] = m
		}
		pipe.SAdd(ctx, setKey, members...)
		pipe.RPush(ctx, listKey, members...)
	}
	pipe.Set(ctx, versionKey, version, 0)
	_, err := pipe.Exec(ctx)
	return err
}

// ReplaceList rewrites a plain list in one transaction; used by the
// reconciler to publish the running guard set.
func (b *Bus) ReplaceList(ctx context.Context, listKey string, items []string) error {
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, listKey)
	if len(items) > 0 {
		vals := make([]any, len(items))
		for i, m := range items {
			vals[i] = m
		}
		pipe.RPush(ctx, listKey, vals...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func stringFields(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
