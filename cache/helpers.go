package cache

import (
	"context"
	"time"
)

// Cache is the read-through surface shared by Repository and
// TaggedRepository, accepted by the typed helpers below.
type Cache interface {
	Get(ctx context.Context, key string) (Value, bool)
	GetOr(ctx context.Context, key string, fallback any) (Value, error)
	Put(ctx context.Context, key string, value any, ttl ...time.Duration) (bool, error)
	Remember(ctx context.Context, key string, closure Closure, ttl ...time.Duration) (Value, error)
	RememberForever(ctx context.Context, key string, closure Closure) (Value, error)
	Pull(ctx context.Context, key string) (Value, bool)
}

var (
	_ Cache = (*Repository)(nil)
	_ Cache = (*TaggedRepository)(nil)
)

func decode[T any](val Value) (T, error) {
	var result T
	if err := val.Decode(&result); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Get returns the value for key decoded into T.
//
//	found, user, err := cache.Get[User](ctx, repo, "user:123")
func Get[T any](ctx context.Context, c Cache, key string) (bool, T, error) {
	val, found := c.Get(ctx, key)
	if !found {
		var zero T
		return false, zero, nil
	}
	result, err := decode[T](val)
	if err != nil {
		return false, result, err
	}
	return true, result, nil
}

// GetOr returns the value for key decoded into T, or fallback when absent.
func GetOr[T any](ctx context.Context, c Cache, key string, fallback T) (T, error) {
	found, result, err := Get[T](ctx, c, key)
	if err != nil || !found {
		return fallback, err
	}
	return result, nil
}

// Remember is the typed form of Repository.Remember.
func Remember[T any](ctx context.Context, c Cache, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	val, err := c.Remember(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, ttl)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](val)
}

// RememberForever is the typed form of Repository.RememberForever.
func RememberForever[T any](ctx context.Context, c Cache, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	val, err := c.RememberForever(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](val)
}

// Pull returns the value for key decoded into T and removes it.
func Pull[T any](ctx context.Context, c Cache, key string) (bool, T, error) {
	val, found := c.Pull(ctx, key)
	if !found {
		var zero T
		return false, zero, nil
	}
	result, err := decode[T](val)
	if err != nil {
		return false, result, err
	}
	return true, result, nil
}

// Invoker is a function that produces a value of type T.
// The bool return indicates whether a value was found. Return false to signal
// "not found" without caching a zero value (e.g. sql.ErrNoRows scenarios).
type Invoker[T any] func(ctx context.Context) (T, bool, error)

// Exec is a cache-aside helper. On a hit it returns the cached value. On a
// miss it calls invoke; a found result is stored for ttl and returned, a
// not-found result is returned without being cached. Backend write failures
// only reach the repository log; the caller still gets its value.
func Exec[T any](ctx context.Context, c Cache, key string, ttl time.Duration, invoke Invoker[T]) (bool, T, error) {
	found, val, err := Get[T](ctx, c, key)
	if err != nil {
		var zero T
		return false, zero, err
	}
	if found {
		return true, val, nil
	}

	result, ok, err := invoke(ctx)
	if err != nil {
		var zero T
		return false, zero, err
	}
	if !ok {
		var zero T
		return false, zero, nil
	}

	if _, err := c.Put(ctx, key, result, ttl); err != nil {
		return true, result, err
	}
	return true, result, nil
}
