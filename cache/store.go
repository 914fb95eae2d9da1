package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Store is the contract every storage adapter satisfies. Keys passed to a
// Store are fully qualified; the Repository applies the prefix.
//
// TTLs are expressed in the store's native unit, as returned by
// CalculateTTL. A TTL of zero or less means the record never expires.
type Store interface {
	// Get returns the value for key. A missing or expired key is reported
	// as not found rather than as an error.
	Get(ctx context.Context, key string) (bool, Value, error)
	// Many returns the values present for keys. Absent keys are omitted.
	Many(ctx context.Context, keys []string) (map[string]Value, error)
	Has(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, val Value, ttl int64) (bool, error)
	// Increment adds delta to an existing integer value. It returns false,
	// leaving the record untouched, when the key is missing or the value
	// is not an integer.
	Increment(ctx context.Context, key string, delta int64) (bool, int64, error)
	Decrement(ctx context.Context, key string, delta int64) (bool, int64, error)
	PutMany(ctx context.Context, items map[string]Value, ttl int64) (map[string]bool, error)
	PutManyForever(ctx context.Context, items map[string]Value) (map[string]bool, error)
	Forever(ctx context.Context, key string, val Value) (bool, error)
	Forget(ctx context.Context, key string) (bool, error)
	// Flush removes every record whose key starts with prefix. An empty
	// prefix removes everything the store can reach.
	Flush(ctx context.Context, prefix string) (bool, error)
	// CalculateTTL converts milliseconds into the store's native unit.
	CalculateTTL(ms int64) int64
	Close() error
}

// ConditionalWriter is implemented by stores with an atomic
// write-if-absent primitive.
type ConditionalWriter interface {
	Add(ctx context.Context, key string, val Value, ttl int64) (bool, error)
}

// Taggable is implemented by stores that can hold tag identifiers.
type Taggable interface {
	Store
	// NewTagSet returns a TagSet whose identifiers live in this store
	// under prefix.
	NewTagSet(prefix string, names ...string) *TagSet
}

// ReferenceIndexer is implemented by stores that can keep a set of the
// full keys written under a tag segment.
type ReferenceIndexer interface {
	AddReference(ctx context.Context, referenceKey string, fullKey string) error
	References(ctx context.Context, referenceKey string) ([]string, error)
}

// Provisionable is implemented by stores that need a table created before
// use. CreateTable returns false when the table already exists.
type Provisionable interface {
	CreateTable(ctx context.Context, name string) (bool, error)
}

// isStale reports whether a record with an absolute expiration in
// milliseconds has expired. Zero never expires.
func isStale(expiration int64, now int64) bool {
	return expiration != 0 && now >= expiration
}

// expiresAt turns a relative TTL in milliseconds into an absolute
// expiration. Zero means forever.
func expiresAt(ttl int64) int64 {
	if ttl <= 0 {
		return 0
	}
	return nowMillis() + ttl
}

// secondsTTL rounds up so that sub-second lifetimes do not become forever.
func secondsTTL(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}

const putManyConcurrency = 16

// putEach writes items concurrently through put for stores without a
// native batch primitive.
func putEach(ctx context.Context, items map[string]Value, put func(ctx context.Context, key string, val Value) (bool, error)) (map[string]bool, error) {
	var mutex sync.Mutex
	results := make(map[string]bool, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(putManyConcurrency)
	for key, val := range items {
		g.Go(func() error {
			ok, err := put(gctx, key, val)
			mutex.Lock()
			results[key] = ok && err == nil
			mutex.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
