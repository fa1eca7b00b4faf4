package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"marketplace/internal/middleware"
	"marketplace/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Store is the cache used by the conversation service. Entries are grouped into
// scopes so that a write can drop everything derived from the data it changed.
type Store interface {
	// Get decodes the entry at key into dest and reports whether it was present.
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	// Generation returns the invalidation counter of a scope. It is read before the
	// source of truth so that a later fill can detect an invalidation in between.
	Generation(ctx context.Context, scope string) (int64, error)
	// SetWithTTL stores v as JSON under key and records key in its scope, unless the
	// scope has been invalidated since gen was read. It reports whether v was stored.
	SetWithTTL(ctx context.Context, key string, v interface{}, ttl time.Duration, gen int64) (bool, error)
	// DeleteByPrefix bumps the scope generation and removes every entry recorded under it.
	DeleteByPrefix(ctx context.Context, prefix string) error
}

const (
	// indexGrace keeps a scope index alive slightly longer than its members.
	indexGrace = time.Minute
	// generationTTL only has to outlive the slowest fill.
	generationTTL = 24 * time.Hour
)

// fillScript stores a value only while the scope generation still matches.
// KEYS: generation, entry, index. ARGV: expected generation, value, entry ttl ms, index ttl ms.
var fillScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1]) or '0'
if current ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SADD', KEYS[3], KEYS[2])
redis.call('PEXPIRE', KEYS[3], ARGV[4])
return 1
`)

// RedisStore is a Store backed by Redis. Each scope keeps a set of its member keys,
// so invalidation costs one SMEMBERS plus one pipelined delete and never scans the keyspace.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore returns a Store on rdb, or a NopStore when rdb is nil.
func NewRedisStore(rdb *redis.Client) Store {
	if rdb == nil {
		return NopStore{}
	}
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	ctx, span := observability.TraceRedisOperation(ctx, "get")
	defer span.End()

	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) Generation(ctx context.Context, scope string) (int64, error) {
	ctx, span := observability.TraceRedisOperation(ctx, "generation")
	defer span.End()

	gen, err := s.rdb.Get(ctx, generationKey(scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key string, v interface{}, ttl time.Duration, gen int64) (bool, error) {
	ctx, span := observability.TraceRedisOperation(ctx, "set")
	defer span.End()

	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode cache entry %s: %w", key, err)
	}

	scope := scopeOf(key)
	// Within a scope every key shares one TTL, so refreshing the index on each
	// write keeps it alive for at least as long as any member.
	stored, err := fillScript.Run(ctx, s.rdb,
		[]string{generationKey(scope), key, indexKey(scope)},
		strconv.FormatInt(gen, 10), raw, ttl.Milliseconds(), (ttl + indexGrace).Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) error {
	ctx, span := observability.TraceRedisOperation(ctx, "invalidate")
	defer span.End()

	// The generation moves before the index is read: a fill that started earlier
	// either lands in the index and is deleted below, or is refused by fillScript.
	gen := generationKey(prefix)
	bump := s.rdb.TxPipeline()
	bump.Incr(ctx, gen)
	bump.Expire(ctx, gen, generationTTL)
	if _, err := bump.Exec(ctx); err != nil {
		return err
	}

	idx := indexKey(prefix)
	members, err := s.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return err
	}
	observability.CacheInvalidations.WithLabelValues(ScopeKind(prefix)).Inc()
	if len(members) == 0 {
		return nil
	}

	// SREM only what was read so that keys added concurrently stay indexed.
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, members...)
	removed := make([]interface{}, len(members))
	for i, m := range members {
		removed[i] = m
	}
	pipe.SRem(ctx, idx, removed...)
	_, err = pipe.Exec(ctx)
	return err
}

// NopStore caches nothing. It is used when Redis is not configured or unreachable.
type NopStore struct{}

func (NopStore) Get(context.Context, string, interface{}) (bool, error) { return false, nil }

func (NopStore) Generation(context.Context, string) (int64, error) { return 0, nil }

func (NopStore) SetWithTTL(context.Context, string, interface{}, time.Duration, int64) (bool, error) {
	return false, nil
}

func (NopStore) DeleteByPrefix(context.Context, string) error { return nil }

// Aside implements the cache-aside read: it fills dest from the cache when the key is
// present and otherwise calls fetch and stores the result. The scope generation is read
// before fetch, so a result that raced with an invalidation is returned but not stored.
// Cache failures are logged and never returned; only fetch errors reach the caller.
func Aside(ctx context.Context, store Store, key string, dest interface{}, ttl time.Duration, fetch func() error) error {
	hit, err := store.Get(ctx, key, dest)
	if err != nil {
		middleware.Logger.WarnContext(ctx, "cache read failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
	if hit {
		return nil
	}

	gen, genErr := store.Generation(ctx, scopeOf(key))
	if genErr != nil {
		middleware.Logger.WarnContext(ctx, "cache generation read failed",
			slog.String("key", key),
			slog.String("error", genErr.Error()))
	}

	if err := fetch(); err != nil {
		return err
	}
	if genErr != nil {
		return nil
	}

	stored, err := store.SetWithTTL(ctx, key, dest, ttl, gen)
	if err != nil {
		middleware.Logger.WarnContext(ctx, "cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return nil
	}
	if !stored {
		middleware.Logger.DebugContext(ctx, "cache fill skipped after invalidation",
			slog.String("key", key))
	}
	return nil
}
