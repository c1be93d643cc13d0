// Copyright 2024-2026 Aiku AI

package mapstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-mirror/pkg/mirror"
)

const (
	redisKeyPrefix    = "mirror:"
	redisMappingKey   = redisKeyPrefix + "map:"
	redisCursorKey    = redisKeyPrefix + "cursor:"
	redisScanPageSize = 500
)

// putScript writes one hash field unless it already holds a concrete id.
// A placeholder (empty value) never overwrites an existing field.
var putScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current then
	if current ~= '' or ARGV[2] == '' then
		return 0
	end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// advanceCursorScript moves the cursor forward only.
var advanceCursorScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'position')
if current and tonumber(current) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'position', ARGV[2])
return 1
`)

// RedisStore keeps one hash per source message, keyed by target feed. An
// empty hash value marks a placeholder.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
}

var _ mirror.MappingStore = (*RedisStore)(nil)

// OpenRedis connects to the Redis server named by a redis:// or rediss:// URL.
func OpenRedis(ctx context.Context, dsn string, log zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDSN, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, log), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, log zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		log:    log.With().Str("component", "mapstore").Str("dialect", "redis").Logger(),
	}
}

func mappingKey(source mirror.MessageID) string {
	return redisMappingKey + string(source)
}

func (s *RedisStore) Put(ctx context.Context, source mirror.MessageID, target mirror.FeedID, targetID mirror.MessageID) error {
	written, err := putScript.Run(ctx, s.client, []string{mappingKey(source)}, string(target), string(targetID)).Int()
	if err != nil {
		return err
	}
	if written == 0 && targetID != "" {
		s.log.Debug().
			Str("source_id", string(source)).
			Str("target_feed", string(target)).
			Str("target_id", string(targetID)).
			Msg("Kept existing concrete mapping")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, source mirror.MessageID) ([]mirror.Mapping, error) {
	fields, err := s.client.HGetAll(ctx, mappingKey(source)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]mirror.Mapping, 0, len(fields))
	for target, targetID := range fields {
		out = append(out, mirror.Mapping{
			SourceID:   source,
			TargetFeed: mirror.FeedID(target),
			TargetID:   mirror.MessageID(targetID),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetFeed < out[j].TargetFeed })
	return out, nil
}

func (s *RedisStore) Exists(ctx context.Context, source mirror.MessageID) (bool, error) {
	n, err := s.client.Exists(ctx, mappingKey(source)).Result()
	return n > 0, err
}

func (s *RedisStore) Delete(ctx context.Context, source mirror.MessageID) error {
	return s.client.Del(ctx, mappingKey(source)).Err()
}

// DeleteTarget removes one field. Redis drops the hash with its last field.
func (s *RedisStore) DeleteTarget(ctx context.Context, source mirror.MessageID, target mirror.FeedID) error {
	return s.client.HDel(ctx, mappingKey(source), string(target)).Err()
}

func (s *RedisStore) Stats(ctx context.Context) (mirror.Stats, error) {
	var st mirror.Stats
	iter := s.client.Scan(ctx, 0, redisMappingKey+"*", redisScanPageSize).Iterator()
	for iter.Next(ctx) {
		values, err := s.client.HVals(ctx, iter.Val()).Result()
		if err != nil {
			return st, err
		}
		if len(values) == 0 {
			continue
		}
		st.Sources++
		for _, v := range values {
			if v == "" {
				st.Placeholders++
			} else {
				st.Mapped++
			}
		}
	}
	return st, iter.Err()
}

func (s *RedisStore) Cursor(ctx context.Context, feed mirror.FeedID) (*mirror.Cursor, error) {
	fields, err := s.client.HGetAll(ctx, redisCursorKey+string(feed)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	position, err := strconv.ParseInt(fields["position"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt cursor for %s: %w", feed, err)
	}
	return &mirror.Cursor{MessageID: mirror.MessageID(fields["id"]), Position: position}, nil
}

func (s *RedisStore) AdvanceCursor(ctx context.Context, feed mirror.FeedID, cursor mirror.Cursor) error {
	err := advanceCursorScript.Run(ctx, s.client, []string{redisCursorKey + string(feed)},
		string(cursor.MessageID), strconv.FormatInt(cursor.Position, 10)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
