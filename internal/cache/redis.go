package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Decoder rebuilds a typed canonical payload from its serialized form.
// The cache key carries enough context (category/operation) to pick the
// target type.
type Decoder func(key string, raw []byte) (interface{}, error)

// RedisLevel is a shared second-level cache backed by Redis. Any Redis
// error is reported as a miss; the gateway stays correct without it.
type RedisLevel struct {
	client *redis.Client
	prefix string
	decode Decoder
}

type redisEnvelope struct {
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
	Value     json.RawMessage `json:"value"`
}

// NewRedisLevel builds a Redis level with a key prefix.
func NewRedisLevel(client *redis.Client, prefix string, decode Decoder) *RedisLevel {
	if prefix == "" {
		prefix = "cryptogate:"
	}
	return &RedisLevel{client: client, prefix: prefix, decode: decode}
}

// Get implements Level.
func (r *RedisLevel) Get(ctx context.Context, key string) (Payload, bool) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("redis cache read failed")
		}
		return Payload{}, false
	}
	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("redis cache entry malformed")
		return Payload{}, false
	}
	value, err := r.decode(key, env.Value)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("redis cache entry undecodable")
		return Payload{}, false
	}
	return Payload{Value: value, Source: env.Source, FetchedAt: env.FetchedAt}, true
}

// Set implements Level. Writes are best-effort.
func (r *RedisLevel) Set(ctx context.Context, key string, p Payload, ttl time.Duration) {
	raw, err := json.Marshal(p.Value)
	if err != nil {
		return
	}
	data, err := json.Marshal(redisEnvelope{Source: p.Source, FetchedAt: p.FetchedAt, Value: raw})
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("redis cache write failed")
	}
}
