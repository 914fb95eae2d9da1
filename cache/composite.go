package cache

import (
	"context"

	"github.com/cockroachdb/errors"
)

type compositeStore struct {
	stores []Store
	// tiers are owned elsewhere and not closed with the composite
	shared bool
}

var (
	_ Store             = (*compositeStore)(nil)
	_ ConditionalWriter = (*compositeStore)(nil)
	_ Taggable          = (*compositeStore)(nil)
)

// NewComposite returns a Store that chains stores in tiers, fastest first.
// Reads return the first hit, checked left to right. Writes and deletes go
// to every tier. Add and Increment run against the last tier, which is
// authoritative, and the key is dropped from the tiers above it.
// At least one store must be provided; panics if empty.
func NewComposite(stores ...Store) Store {
	if len(stores) == 0 {
		panic("cache: NewComposite requires at least one store")
	}
	return &compositeStore{stores: stores}
}

func (c *compositeStore) last() Store {
	return c.stores[len(c.stores)-1]
}

func (c *compositeStore) upper() []Store {
	return c.stores[:len(c.stores)-1]
}

func (c *compositeStore) Get(ctx context.Context, key string) (bool, Value, error) {
	for _, store := range c.stores {
		found, val, err := store.Get(ctx, key)
		if err != nil {
			return false, nil, err
		}
		if found {
			return true, val, nil
		}
	}
	return false, nil, nil
}

func (c *compositeStore) Many(ctx context.Context, keys []string) (map[string]Value, error) {
	result := make(map[string]Value, len(keys))
	pending := keys
	for _, store := range c.stores {
		if len(pending) == 0 {
			break
		}
		values, err := store.Many(ctx, pending)
		if err != nil {
			return result, err
		}
		next := pending[:0:0]
		for _, key := range pending {
			if val, ok := values[key]; ok {
				result[key] = val
			} else {
				next = append(next, key)
			}
		}
		pending = next
	}
	return result, nil
}

func (c *compositeStore) Has(ctx context.Context, key string) (bool, error) {
	for _, store := range c.stores {
		found, err := store.Has(ctx, key)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// Put receives milliseconds; each tier converts to its own unit.
func (c *compositeStore) Put(ctx context.Context, key string, val Value, ttl int64) (bool, error) {
	written := true
	var firstErr error
	for _, store := range c.stores {
		ok, err := store.Put(ctx, key, val, store.CalculateTTL(ttl))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		written = written && ok
	}
	return written && firstErr == nil, firstErr
}

func (c *compositeStore) invalidateUpper(ctx context.Context, key string) error {
	var firstErr error
	for _, store := range c.upper() {
		if _, err := store.Forget(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Add and Increment drop the key from the upper tiers before touching the
// last one, so a failed invalidation leaves every tier unchanged.
func (c *compositeStore) Add(ctx context.Context, key string, val Value, ttl int64) (bool, error) {
	if err := c.invalidateUpper(ctx, key); err != nil {
		return false, err
	}
	last := c.last()
	var added bool
	var err error
	if cw, ok := last.(ConditionalWriter); ok {
		added, err = cw.Add(ctx, key, val, last.CalculateTTL(ttl))
	} else {
		var found bool
		found, err = last.Has(ctx, key)
		if err == nil && !found {
			added, err = last.Put(ctx, key, val, last.CalculateTTL(ttl))
		}
	}
	if err != nil || !added {
		return false, err
	}
	return true, nil
}

func (c *compositeStore) Increment(ctx context.Context, key string, delta int64) (bool, int64, error) {
	if err := c.invalidateUpper(ctx, key); err != nil {
		return false, 0, err
	}
	ok, n, err := c.last().Increment(ctx, key, delta)
	if err != nil || !ok {
		return false, 0, err
	}
	return true, n, nil
}

func (c *compositeStore) Decrement(ctx context.Context, key string, delta int64) (bool, int64, error) {
	return c.Increment(ctx, key, -delta)
}

func mergeResults(into map[string]bool, from map[string]bool, first bool) {
	for key, ok := range from {
		if first {
			into[key] = ok
		} else {
			into[key] = into[key] && ok
		}
	}
}

func (c *compositeStore) PutMany(ctx context.Context, items map[string]Value, ttl int64) (map[string]bool, error) {
	results := make(map[string]bool, len(items))
	var firstErr error
	for i, store := range c.stores {
		written, err := store.PutMany(ctx, items, store.CalculateTTL(ttl))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		mergeResults(results, written, i == 0)
	}
	return results, firstErr
}

func (c *compositeStore) PutManyForever(ctx context.Context, items map[string]Value) (map[string]bool, error) {
	results := make(map[string]bool, len(items))
	var firstErr error
	for i, store := range c.stores {
		written, err := store.PutManyForever(ctx, items)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		mergeResults(results, written, i == 0)
	}
	return results, firstErr
}

func (c *compositeStore) Forever(ctx context.Context, key string, val Value) (bool, error) {
	written := true
	var firstErr error
	for _, store := range c.stores {
		ok, err := store.Forever(ctx, key, val)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		written = written && ok
	}
	return written && firstErr == nil, firstErr
}

func (c *compositeStore) Forget(ctx context.Context, key string) (bool, error) {
	anyFound := false
	for _, store := range c.stores {
		found, err := store.Forget(ctx, key)
		if err != nil {
			return anyFound, err
		}
		if found {
			anyFound = true
		}
	}
	return anyFound, nil
}

// Flush flushes every tier. A tier that cannot flush makes the whole
// operation unsupported, since the entries would survive there.
func (c *compositeStore) Flush(ctx context.Context, prefix string) (bool, error) {
	var firstErr error
	for _, store := range c.stores {
		if _, err := store.Flush(ctx, prefix); err != nil {
			if errors.Is(err, ErrUnsupportedOperation) {
				return false, err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr == nil, firstErr
}

// CalculateTTL keeps milliseconds; tiers convert on write.
func (c *compositeStore) CalculateTTL(ms int64) int64 {
	return ms
}

func (c *compositeStore) NewTagSet(prefix string, names ...string) *TagSet {
	return NewTagSet(c, prefix, names...)
}

func (c *compositeStore) Close() error {
	if c.shared {
		return nil
	}
	var firstErr error
	for _, store := range c.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
