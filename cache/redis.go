package cache

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// incrementScript adjusts a counter only when the key exists, so a missing
// key is not created with the delta as its value. A non-integer value
// yields nil as well.
var incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
local result = redis.pcall('INCRBY', KEYS[1], ARGV[1])
if type(result) == 'table' and result.err then
	return false
end
return result
`)

type redisStore struct {
	client redis.UniversalClient
	cfg    config
}

var (
	_ Store             = (*redisStore)(nil)
	_ ConditionalWriter = (*redisStore)(nil)
	_ Taggable          = (*redisStore)(nil)
	_ ReferenceIndexer  = (*redisStore)(nil)
)

// NewRedis returns a Store backed by Redis. Expiry uses native Redis TTLs.
// The caller owns the client lifecycle; Close is a no-op on the client.
func NewRedis(client redis.UniversalClient, opts ...Option) Store {
	return &redisStore{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func (s *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return withQueryTimeout(parent, s.cfg.queryTimeout)
}

func ttlDuration(ttl int64) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return time.Duration(ttl) * time.Millisecond
}

func (s *redisStore) Get(ctx context.Context, key string) (bool, Value, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	data, err := s.client.Get(qctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, errors.Wrapf(err, "redis: get %q", key)
	}
	return true, Value(data), nil
}

func (s *redisStore) Many(ctx context.Context, keys []string) (map[string]Value, error) {
	result := make(map[string]Value, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	values, err := s.client.MGet(qctx, keys...).Result()
	if err != nil {
		return result, errors.Wrap(err, "redis: mget")
	}
	for i, v := range values {
		if str, ok := v.(string); ok {
			result[keys[i]] = Value(str)
		}
	}
	return result, nil
}

func (s *redisStore) Has(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := s.client.Exists(qctx, key).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis: exists %q", key)
	}
	return n > 0, nil
}

func (s *redisStore) Put(ctx context.Context, key string, val Value, ttl int64) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if err := s.client.Set(qctx, key, []byte(val), ttlDuration(ttl)).Err(); err != nil {
		return false, errors.Wrapf(err, "redis: set %q", key)
	}
	return true, nil
}

func (s *redisStore) Add(ctx context.Context, key string, val Value, ttl int64) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	ok, err := s.client.SetNX(qctx, key, []byte(val), ttlDuration(ttl)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis: setnx %q", key)
	}
	return ok, nil
}

func (s *redisStore) Increment(ctx context.Context, key string, delta int64) (bool, int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := incrementScript.Run(qctx, s.client, []string{key}, delta).Int64()
	if errors.Is(err, redis.Nil) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, errors.Wrapf(err, "redis: incrby %q", key)
	}
	return true, n, nil
}

func (s *redisStore) Decrement(ctx context.Context, key string, delta int64) (bool, int64, error) {
	return s.Increment(ctx, key, -delta)
}

func (s *redisStore) putMany(ctx context.Context, items map[string]Value, expiration time.Duration) (map[string]bool, error) {
	results := make(map[string]bool, len(items))
	if len(items) == 0 {
		return results, nil
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	cmds := make(map[string]*redis.StatusCmd, len(items))
	_, err := s.client.Pipelined(qctx, func(pipe redis.Pipeliner) error {
		for key, val := range items {
			cmds[key] = pipe.Set(qctx, key, []byte(val), expiration)
		}
		return nil
	})
	for key, cmd := range cmds {
		results[key] = cmd.Err() == nil
	}
	if err != nil {
		return results, errors.Wrap(err, "redis: pipelined set")
	}
	return results, nil
}

func (s *redisStore) PutMany(ctx context.Context, items map[string]Value, ttl int64) (map[string]bool, error) {
	return s.putMany(ctx, items, ttlDuration(ttl))
}

func (s *redisStore) PutManyForever(ctx context.Context, items map[string]Value) (map[string]bool, error) {
	return s.putMany(ctx, items, 0)
}

func (s *redisStore) Forever(ctx context.Context, key string, val Value) (bool, error) {
	return s.Put(ctx, key, val, 0)
}

func (s *redisStore) Forget(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := s.client.Del(qctx, key).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis: del %q", key)
	}
	return n > 0, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Flush empties the selected database when prefix is empty. Otherwise it
// scans for keys under prefix and deletes them in batches.
func (s *redisStore) Flush(ctx context.Context, prefix string) (bool, error) {
	if prefix == "" {
		qctx, cancel := s.queryCtx(ctx)
		defer cancel()
		if err := s.client.FlushDB(qctx).Err(); err != nil {
			return false, errors.Wrap(err, "redis: flushdb")
		}
		return true, nil
	}
	match := globEscaper.Replace(prefix) + "*"
	iter := s.client.Scan(ctx, 0, match, 500).Iterator()
	batch := make([]string, 0, 500)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		qctx, cancel := s.queryCtx(ctx)
		defer cancel()
		err := s.client.Del(qctx, batch...).Err()
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return false, errors.Wrap(err, "redis: del")
			}
		}
	}
	if err := iter.Err(); err != nil {
		return false, errors.Wrap(err, "redis: scan")
	}
	if err := flush(); err != nil {
		return false, errors.Wrap(err, "redis: del")
	}
	return true, nil
}

func (s *redisStore) CalculateTTL(ms int64) int64 {
	return ms
}

func (s *redisStore) NewTagSet(prefix string, names ...string) *TagSet {
	return NewTagSet(s, prefix, names...)
}

func (s *redisStore) AddReference(ctx context.Context, referenceKey string, fullKey string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if err := s.client.SAdd(qctx, referenceKey, fullKey).Err(); err != nil {
		return errors.Wrapf(err, "redis: sadd %q", referenceKey)
	}
	return nil
}

func (s *redisStore) References(ctx context.Context, referenceKey string) ([]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	members, err := s.client.SMembers(qctx, referenceKey).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis: smembers %q", referenceKey)
	}
	return members, nil
}

// Close is a no-op; the caller owns the redis client lifecycle.
func (s *redisStore) Close() error {
	return nil
}
