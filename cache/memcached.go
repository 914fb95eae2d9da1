package cache

import (
	"context"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cockroachdb/errors"
)

// memcachedRelativeLimit is the longest expiration memcached accepts as a
// relative number of seconds; longer ones must be absolute unix times.
const memcachedRelativeLimit = 60 * 60 * 24 * 30

// MemcacheClient is the subset of *memcache.Client used by the memcached store.
type MemcacheClient interface {
	Get(key string) (*memcache.Item, error)
	GetMulti(keys []string) (map[string]*memcache.Item, error)
	Set(item *memcache.Item) error
	Add(item *memcache.Item) error
	Increment(key string, delta uint64) (uint64, error)
	Decrement(key string, delta uint64) (uint64, error)
	Delete(key string) error
	FlushAll() error
}

var _ MemcacheClient = (*memcache.Client)(nil)

type memcachedStore struct {
	client MemcacheClient
	cfg    config
}

var (
	_ Store             = (*memcachedStore)(nil)
	_ ConditionalWriter = (*memcachedStore)(nil)
	_ Taggable          = (*memcachedStore)(nil)
)

// NewMemcached returns a Store backed by memcached. TTLs are in seconds.
// Memcached cannot enumerate keys, so Flush empties every server
// regardless of prefix. Counters are unsigned on the server; a decrement
// below zero stops at zero.
func NewMemcached(client MemcacheClient, opts ...Option) Store {
	return &memcachedStore{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func memcachedExpiration(ttl int64) int32 {
	if ttl <= 0 {
		return 0
	}
	if ttl > memcachedRelativeLimit {
		return int32(nowSeconds() + ttl)
	}
	return int32(ttl)
}

func (s *memcachedStore) Get(_ context.Context, key string) (bool, Value, error) {
	item, err := s.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, errors.Wrapf(err, "memcached: get %q", key)
	}
	return true, Value(item.Value), nil
}

func (s *memcachedStore) Many(_ context.Context, keys []string) (map[string]Value, error) {
	result := make(map[string]Value, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	items, err := s.client.GetMulti(keys)
	if err != nil {
		return result, errors.Wrap(err, "memcached: get multi")
	}
	for key, item := range items {
		result[key] = Value(item.Value)
	}
	return result, nil
}

func (s *memcachedStore) Has(ctx context.Context, key string) (bool, error) {
	found, _, err := s.Get(ctx, key)
	return found, err
}

func (s *memcachedStore) Put(_ context.Context, key string, val Value, ttl int64) (bool, error) {
	err := s.client.Set(&memcache.Item{Key: key, Value: []byte(val), Expiration: memcachedExpiration(ttl)})
	if err != nil {
		return false, errors.Wrapf(err, "memcached: set %q", key)
	}
	return true, nil
}

func (s *memcachedStore) Add(_ context.Context, key string, val Value, ttl int64) (bool, error) {
	err := s.client.Add(&memcache.Item{Key: key, Value: []byte(val), Expiration: memcachedExpiration(ttl)})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "memcached: add %q", key)
	}
	return true, nil
}

// nonNumeric reports the server's rejection of incr/decr on a value that
// is not a number.
func nonNumeric(err error) bool {
	return err != nil && strings.Contains(err.Error(), "non-numeric")
}

func (s *memcachedStore) Increment(_ context.Context, key string, delta int64) (bool, int64, error) {
	var n uint64
	var err error
	if delta < 0 {
		n, err = s.client.Decrement(key, uint64(-delta))
	} else {
		n, err = s.client.Increment(key, uint64(delta))
	}
	if errors.Is(err, memcache.ErrCacheMiss) || nonNumeric(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, errors.Wrapf(err, "memcached: incr %q", key)
	}
	return true, int64(n), nil
}

func (s *memcachedStore) Decrement(ctx context.Context, key string, delta int64) (bool, int64, error) {
	return s.Increment(ctx, key, -delta)
}

func (s *memcachedStore) PutMany(ctx context.Context, items map[string]Value, ttl int64) (map[string]bool, error) {
	return putEach(ctx, items, func(ctx context.Context, key string, val Value) (bool, error) {
		return s.Put(ctx, key, val, ttl)
	})
}

func (s *memcachedStore) PutManyForever(ctx context.Context, items map[string]Value) (map[string]bool, error) {
	return putEach(ctx, items, s.Forever)
}

func (s *memcachedStore) Forever(ctx context.Context, key string, val Value) (bool, error) {
	return s.Put(ctx, key, val, 0)
}

func (s *memcachedStore) Forget(_ context.Context, key string) (bool, error) {
	err := s.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "memcached: delete %q", key)
	}
	return true, nil
}

func (s *memcachedStore) Flush(context.Context, string) (bool, error) {
	if err := s.client.FlushAll(); err != nil {
		return false, errors.Wrap(err, "memcached: flush all")
	}
	return true, nil
}

func (s *memcachedStore) CalculateTTL(ms int64) int64 {
	return secondsTTL(ms)
}

func (s *memcachedStore) NewTagSet(prefix string, names ...string) *TagSet {
	return NewTagSet(s, prefix, names...)
}

func (s *memcachedStore) Close() error {
	return nil
}
