package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type memoryRecord struct {
	value      Value
	expiration int64
}

type memoryShard struct {
	mutex   sync.Mutex
	records map[string]*memoryRecord
}

type memoryStore struct {
	ctx       context.Context
	cancel    context.CancelFunc
	shards    []*memoryShard
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var (
	_ Store             = (*memoryStore)(nil)
	_ ConditionalWriter = (*memoryStore)(nil)
	_ Taggable          = (*memoryStore)(nil)
)

// NewMemory returns a Store that keeps records in process memory. Keys are
// spread over lock shards and stale records are removed by a background
// goroutine as well as on read.
func NewMemory(parent context.Context, opts ...Option) Store {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	s := &memoryStore{
		ctx:    ctx,
		cancel: cancel,
		shards: make([]*memoryShard, cfg.shards),
		cfg:    cfg,
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{records: make(map[string]*memoryRecord)}
	}
	s.waitGroup.Add(1)
	go s.run()
	return s
}

func (s *memoryStore) shard(key string) *memoryShard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// lookup returns the live record for key. The shard must be locked.
func (sh *memoryShard) lookup(key string, now int64) (*memoryRecord, bool) {
	rec, ok := sh.records[key]
	if !ok {
		return nil, false
	}
	if isStale(rec.expiration, now) {
		delete(sh.records, key)
		return nil, false
	}
	return rec, true
}

func (s *memoryStore) Get(_ context.Context, key string) (bool, Value, error) {
	sh := s.shard(key)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	rec, ok := sh.lookup(key, nowMillis())
	if !ok {
		return false, nil, nil
	}
	return true, cloneValue(rec.value), nil
}

func (s *memoryStore) Many(ctx context.Context, keys []string) (map[string]Value, error) {
	result := make(map[string]Value, len(keys))
	for _, key := range keys {
		if found, val, _ := s.Get(ctx, key); found {
			result[key] = val
		}
	}
	return result, nil
}

func (s *memoryStore) Has(ctx context.Context, key string) (bool, error) {
	found, _, err := s.Get(ctx, key)
	return found, err
}

func (s *memoryStore) set(key string, val Value, expiration int64) {
	sh := s.shard(key)
	sh.mutex.Lock()
	sh.records[key] = &memoryRecord{value: cloneValue(val), expiration: expiration}
	sh.mutex.Unlock()
}

func (s *memoryStore) Put(_ context.Context, key string, val Value, ttl int64) (bool, error) {
	s.set(key, val, expiresAt(ttl))
	return true, nil
}

func (s *memoryStore) Add(_ context.Context, key string, val Value, ttl int64) (bool, error) {
	sh := s.shard(key)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	if _, ok := sh.lookup(key, nowMillis()); ok {
		return false, nil
	}
	sh.records[key] = &memoryRecord{value: cloneValue(val), expiration: expiresAt(ttl)}
	return true, nil
}

func (s *memoryStore) Increment(_ context.Context, key string, delta int64) (bool, int64, error) {
	sh := s.shard(key)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	rec, ok := sh.lookup(key, nowMillis())
	if !ok {
		return false, 0, nil
	}
	n, ok := rec.value.Int()
	if !ok {
		return false, 0, nil
	}
	n += delta
	rec.value = intValue(n)
	return true, n, nil
}

func (s *memoryStore) Decrement(ctx context.Context, key string, delta int64) (bool, int64, error) {
	return s.Increment(ctx, key, -delta)
}

func (s *memoryStore) PutMany(ctx context.Context, items map[string]Value, ttl int64) (map[string]bool, error) {
	results := make(map[string]bool, len(items))
	for key, val := range items {
		results[key], _ = s.Put(ctx, key, val, ttl)
	}
	return results, nil
}

func (s *memoryStore) PutManyForever(ctx context.Context, items map[string]Value) (map[string]bool, error) {
	return s.PutMany(ctx, items, 0)
}

func (s *memoryStore) Forever(_ context.Context, key string, val Value) (bool, error) {
	s.set(key, val, 0)
	return true, nil
}

func (s *memoryStore) Forget(_ context.Context, key string) (bool, error) {
	sh := s.shard(key)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	_, ok := sh.lookup(key, nowMillis())
	delete(sh.records, key)
	return ok, nil
}

func (s *memoryStore) Flush(_ context.Context, prefix string) (bool, error) {
	for _, sh := range s.shards {
		sh.mutex.Lock()
		if prefix == "" {
			sh.records = make(map[string]*memoryRecord)
		} else {
			for key := range sh.records {
				if strings.HasPrefix(key, prefix) {
					delete(sh.records, key)
				}
			}
		}
		sh.mutex.Unlock()
	}
	return true, nil
}

func (s *memoryStore) CalculateTTL(ms int64) int64 {
	return ms
}

func (s *memoryStore) NewTagSet(prefix string, names ...string) *TagSet {
	return NewTagSet(s, prefix, names...)
}

func (s *memoryStore) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
	})
	return nil
}

// size returns the number of records held, stale or not.
func (s *memoryStore) size() int {
	var n int
	for _, sh := range s.shards {
		sh.mutex.Lock()
		n += len(sh.records)
		sh.mutex.Unlock()
	}
	return n
}

func (s *memoryStore) purge() {
	now := nowMillis()
	for _, sh := range s.shards {
		sh.mutex.Lock()
		for key, rec := range sh.records {
			if isStale(rec.expiration, now) {
				delete(sh.records, key)
			}
		}
		sh.mutex.Unlock()
	}
}

func (s *memoryStore) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.purge()
		}
	}
}
