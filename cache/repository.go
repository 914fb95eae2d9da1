package cache

import (
	"context"
	"strings"
	"time"

	"github.com/agentuity/go-cache/eventing"
	"github.com/agentuity/go-cache/logger"
	"github.com/cockroachdb/errors"
)

// Closure produces a value for Remember when the key is absent.
type Closure func(ctx context.Context) (any, error)

// Repository is the caller-facing cache API over a single Store. It
// applies the key prefix and TTL policy, publishes cache events and turns
// backend failures into misses.
//
// Backend failures on read paths are reported as misses and on write paths
// as false; both are logged at warn level. Only caller errors, such as a
// negative TTL or a missing closure, are returned.
type Repository struct {
	store       Store
	policy      keyPolicy
	config      *Config
	storeConfig StoreConfig
	events      *emitter
	logger      logger.Logger

	// set on repositories returned by Tags
	tags *TagSet
	refs ReferenceIndexer
}

type repositoryOptions struct {
	prefix      *string
	defaultTTL  time.Duration
	config      *Config
	storeConfig StoreConfig
	events      EventsConfig
	bus         eventing.Publisher
	logger      logger.Logger
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryOptions)

// WithConfig supplies the cache-wide and per-store configuration. The
// store prefix wins over the global one when set. The default TTL and
// event flags are taken from cfg.
func WithConfig(cfg *Config, storeConfig StoreConfig) RepositoryOption {
	return func(o *repositoryOptions) {
		o.config = cfg
		o.storeConfig = storeConfig
		if cfg != nil {
			o.defaultTTL = time.Duration(cfg.TTL)
			o.events = cfg.Events
		}
	}
}

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) RepositoryOption {
	return func(o *repositoryOptions) { o.prefix = &prefix }
}

// WithDefaultTTL sets the lifetime used when a write gives none.
func WithDefaultTTL(ttl time.Duration) RepositoryOption {
	return func(o *repositoryOptions) { o.defaultTTL = ttl }
}

// WithEvents sets which events are published and where.
func WithEvents(events EventsConfig, bus eventing.Publisher) RepositoryOption {
	return func(o *repositoryOptions) {
		o.events = events
		o.bus = bus
	}
}

// WithEventBus sets the publisher events go to, keeping the event flags.
func WithEventBus(bus eventing.Publisher) RepositoryOption {
	return func(o *repositoryOptions) { o.bus = bus }
}

// WithRepositoryLogger sets the logger used for backend failures.
func WithRepositoryLogger(l logger.Logger) RepositoryOption {
	return func(o *repositoryOptions) { o.logger = l }
}

// NewRepository returns a Repository over store.
func NewRepository(store Store, opts ...RepositoryOption) *Repository {
	o := &repositoryOptions{}
	for _, opt := range opts {
		opt(o)
	}
	var prefix string
	switch {
	case o.prefix != nil:
		prefix = *o.prefix
	case o.storeConfig.Prefix != nil:
		prefix = *o.storeConfig.Prefix
	case o.config != nil:
		prefix = o.config.Prefix
	}
	if o.logger == nil {
		o.logger = logger.NewConsoleLogger()
	}
	log := o.logger.With(map[string]interface{}{"component": "cache"})
	return &Repository{
		store:       store,
		policy:      keyPolicy{prefix: prefix, defaultTTL: o.defaultTTL, store: store},
		config:      o.config,
		storeConfig: o.storeConfig,
		events:      &emitter{events: o.events, bus: o.bus, logger: log},
		logger:      log,
	}
}

// Store returns the underlying store.
func (r *Repository) Store() Store {
	return r.store
}

// Prefix returns the prefix applied to every key.
func (r *Repository) Prefix() string {
	return r.policy.prefix
}

// Config returns the cache-wide configuration, which may be nil.
func (r *Repository) Config() *Config {
	return r.config
}

// StoreConfig returns the configuration of the store.
func (r *Repository) StoreConfig() StoreConfig {
	return r.storeConfig
}

// namespace returns the tag namespace, empty for untagged repositories.
func (r *Repository) namespace(ctx context.Context) (string, error) {
	if r.tags == nil {
		return "", nil
	}
	return r.tags.Namespace(ctx)
}

func (r *Repository) keyFor(namespace string, key string) string {
	if r.tags == nil {
		return r.policy.buildKey(key)
	}
	return r.policy.buildKey(taggedItemKey(namespace, key))
}

func (r *Repository) itemKey(ctx context.Context, key string) (string, error) {
	ns, err := r.namespace(ctx)
	if err != nil {
		return "", err
	}
	return r.keyFor(ns, key), nil
}

func (r *Repository) warn(op string, key string, err error) {
	r.logger.Warn("%s %q failed: %s", op, key, err)
}

func (r *Repository) read(ctx context.Context, key string) (Value, bool) {
	k, err := r.itemKey(ctx, key)
	if err != nil {
		r.warn("get", key, err)
		return nil, false
	}
	found, val, err := r.store.Get(ctx, k)
	if err != nil {
		r.warn("get", key, err)
		return nil, false
	}
	if !found || val == nil {
		return nil, false
	}
	return val, true
}

// Get returns the value stored for key.
func (r *Repository) Get(ctx context.Context, key string) (Value, bool) {
	val, found := r.read(ctx, key)
	if !found {
		r.events.emit(ctx, missedEvent(key))
		return nil, false
	}
	r.events.emit(ctx, hitEvent(key, val))
	return val, true
}

// GetOr returns the value stored for key, or the fallback when absent.
// A fallback that is a Closure, func(context.Context) (any, error),
// func() (any, error) or func() any is invoked; anything else is used as
// is. The fallback is never written to the store.
func (r *Repository) GetOr(ctx context.Context, key string, fallback any) (Value, error) {
	if val, found := r.Get(ctx, key); found {
		return val, nil
	}
	if fallback == nil {
		return nil, nil
	}
	resolved, err := resolveFallback(ctx, fallback)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	return Encode(resolved)
}

func resolveFallback(ctx context.Context, fallback any) (any, error) {
	switch fn := fallback.(type) {
	case Closure:
		return fn(ctx)
	case func(context.Context) (any, error):
		return fn(ctx)
	case func() (any, error):
		return fn()
	case func() any:
		return fn(), nil
	}
	return fallback, nil
}

// Many returns a value for every key, nil where absent. One hit or miss
// event is published per key.
func (r *Repository) Many(ctx context.Context, keys []string) map[string]Value {
	result := make(map[string]Value, len(keys))
	for _, key := range keys {
		result[key] = nil
	}
	if len(keys) == 0 {
		return result
	}
	ns, err := r.namespace(ctx)
	if err != nil {
		r.warn("many", strings.Join(keys, ","), err)
	} else {
		physical := make([]string, 0, len(keys))
		logical := make(map[string]string, len(keys))
		for _, key := range keys {
			k := r.keyFor(ns, key)
			if _, ok := logical[k]; !ok {
				physical = append(physical, k)
			}
			logical[k] = key
		}
		values, err := r.store.Many(ctx, physical)
		if err != nil {
			r.warn("many", strings.Join(keys, ","), err)
		}
		for k, val := range values {
			if val != nil {
				result[logical[k]] = val
			}
		}
	}
	for _, key := range keys {
		if val := result[key]; val != nil {
			r.events.emit(ctx, hitEvent(key, val))
		} else {
			r.events.emit(ctx, missedEvent(key))
		}
	}
	return result
}

// Has reports whether key is present.
func (r *Repository) Has(ctx context.Context, key string) bool {
	k, err := r.itemKey(ctx, key)
	if err != nil {
		r.warn("has", key, err)
		return false
	}
	found, err := r.store.Has(ctx, k)
	if err != nil {
		r.warn("has", key, err)
		return false
	}
	return found
}

// Missing reports whether key is absent.
func (r *Repository) Missing(ctx context.Context, key string) bool {
	return !r.Has(ctx, key)
}

// Put stores value for ttl, or the default TTL when none is given. A TTL
// of zero stores the value forever.
func (r *Repository) Put(ctx context.Context, key string, value any, ttl ...time.Duration) (bool, error) {
	expiration, err := r.policy.calculateTTL(ttl)
	if err != nil {
		return false, err
	}
	val, err := Encode(value)
	if err != nil {
		return false, err
	}
	if expiration == 0 {
		return r.forever(ctx, key, val), nil
	}
	ns, err := r.namespace(ctx)
	if err != nil {
		r.warn("put", key, err)
		return false, nil
	}
	k := r.keyFor(ns, key)
	r.pushReference(ctx, ns, k, referenceStandard)
	ok, err := r.store.Put(ctx, k, val, expiration)
	if err != nil {
		r.warn("put", key, err)
		return false, nil
	}
	if ok {
		r.events.emit(ctx, keyWrittenEvent(key, val, expiration))
	}
	return ok, nil
}

// Set is an alias of Put.
func (r *Repository) Set(ctx context.Context, key string, value any, ttl ...time.Duration) (bool, error) {
	return r.Put(ctx, key, value, ttl...)
}

// Add stores value only when key is absent. Stores with an atomic
// conditional write use it; otherwise a read followed by a write is
// performed and concurrent writers may both succeed.
func (r *Repository) Add(ctx context.Context, key string, value any, ttl ...time.Duration) (bool, error) {
	expiration, err := r.policy.calculateTTL(ttl)
	if err != nil {
		return false, err
	}
	cw, ok := r.store.(ConditionalWriter)
	if !ok {
		if _, found := r.read(ctx, key); found {
			return false, nil
		}
		return r.Put(ctx, key, value, ttl...)
	}
	val, err := Encode(value)
	if err != nil {
		return false, err
	}
	ns, err := r.namespace(ctx)
	if err != nil {
		r.warn("add", key, err)
		return false, nil
	}
	k := r.keyFor(ns, key)
	added, err := cw.Add(ctx, k, val, expiration)
	if err != nil {
		r.warn("add", key, err)
		return false, nil
	}
	if added {
		if expiration == 0 {
			r.pushReference(ctx, ns, k, referenceForever)
		} else {
			r.pushReference(ctx, ns, k, referenceStandard)
		}
		r.events.emit(ctx, keyWrittenEvent(key, val, expiration))
	}
	return added, nil
}

func deltaOf(delta []int64) int64 {
	if len(delta) > 0 {
		return delta[0]
	}
	return 1
}

// Increment adds delta (default 1) to an integer value. It reports false
// when the key is missing or does not hold an integer.
func (r *Repository) Increment(ctx context.Context, key string, delta ...int64) (int64, bool) {
	return r.adjust(ctx, "increment", key, deltaOf(delta), r.store.Increment)
}

// Decrement subtracts delta (default 1) from an integer value.
func (r *Repository) Decrement(ctx context.Context, key string, delta ...int64) (int64, bool) {
	return r.adjust(ctx, "decrement", key, deltaOf(delta), r.store.Decrement)
}

func (r *Repository) adjust(ctx context.Context, op string, key string, delta int64, fn func(context.Context, string, int64) (bool, int64, error)) (int64, bool) {
	k, err := r.itemKey(ctx, key)
	if err != nil {
		r.warn(op, key, err)
		return 0, false
	}
	ok, n, err := fn(ctx, k, delta)
	if err != nil {
		r.warn(op, key, err)
		return 0, false
	}
	return n, ok
}

func (r *Repository) encodeAll(items map[string]any) (map[string]Value, error) {
	encoded := make(map[string]Value, len(items))
	for key, value := range items {
		val, err := Encode(value)
		if err != nil {
			return nil, errors.Wrapf(err, "key %q", key)
		}
		encoded[key] = val
	}
	return encoded, nil
}

// PutMany stores every item for ttl and reports the outcome per key.
func (r *Repository) PutMany(ctx context.Context, items map[string]any, ttl ...time.Duration) (map[string]bool, error) {
	expiration, err := r.policy.calculateTTL(ttl)
	if err != nil {
		return nil, err
	}
	encoded, err := r.encodeAll(items)
	if err != nil {
		return nil, err
	}
	return r.putMany(ctx, encoded, expiration), nil
}

// PutManyForever stores every item without expiration.
func (r *Repository) PutManyForever(ctx context.Context, items map[string]any) (map[string]bool, error) {
	encoded, err := r.encodeAll(items)
	if err != nil {
		return nil, err
	}
	return r.putMany(ctx, encoded, 0), nil
}

func (r *Repository) putMany(ctx context.Context, items map[string]Value, expiration int64) map[string]bool {
	results := make(map[string]bool, len(items))
	for key := range items {
		results[key] = false
	}
	if len(items) == 0 {
		return results
	}
	ns, err := r.namespace(ctx)
	if err != nil {
		r.warn("put many", "", err)
		return results
	}
	physical := make(map[string]Value, len(items))
	logical := make(map[string]string, len(items))
	for key, val := range items {
		k := r.keyFor(ns, key)
		physical[k] = val
		logical[k] = key
	}
	suffix := referenceStandard
	if expiration == 0 {
		suffix = referenceForever
	}
	for k := range physical {
		r.pushReference(ctx, ns, k, suffix)
	}
	var written map[string]bool
	if expiration == 0 {
		written, err = r.store.PutManyForever(ctx, physical)
	} else {
		written, err = r.store.PutMany(ctx, physical, expiration)
	}
	if err != nil {
		r.warn("put many", "", err)
	}
	for k, ok := range written {
		key, known := logical[k]
		if !known || !ok {
			continue
		}
		results[key] = true
		r.events.emit(ctx, keyWrittenEvent(key, items[key], expiration))
	}
	return results
}

// Forever stores value without expiration.
func (r *Repository) Forever(ctx context.Context, key string, value any) (bool, error) {
	val, err := Encode(value)
	if err != nil {
		return false, err
	}
	return r.forever(ctx, key, val), nil
}

func (r *Repository) forever(ctx context.Context, key string, val Value) bool {
	ns, err := r.namespace(ctx)
	if err != nil {
		r.warn("forever", key, err)
		return false
	}
	k := r.keyFor(ns, key)
	r.pushReference(ctx, ns, k, referenceForever)
	ok, err := r.store.Forever(ctx, k, val)
	if err != nil {
		r.warn("forever", key, err)
		return false
	}
	if ok {
		r.events.emit(ctx, keyWrittenEvent(key, val, 0))
	}
	return ok
}

// Pull returns the value for key and removes it. The read and the delete
// are separate operations.
func (r *Repository) Pull(ctx context.Context, key string) (Value, bool) {
	val, found := r.Get(ctx, key)
	if !found {
		return nil, false
	}
	r.Forget(ctx, key)
	return val, true
}

// Remember returns the value for key, or invokes closure once, stores its
// result for ttl and returns it. Concurrent callers may each invoke the
// closure.
func (r *Repository) Remember(ctx context.Context, key string, closure Closure, ttl ...time.Duration) (Value, error) {
	if closure == nil {
		return nil, ErrNotCallable
	}
	if _, err := r.policy.calculateTTL(ttl); err != nil {
		return nil, err
	}
	if val, found := r.Get(ctx, key); found {
		return val, nil
	}
	result, err := closure(ctx)
	if err != nil {
		return nil, err
	}
	val, err := Encode(result)
	if err != nil {
		return nil, err
	}
	if _, err := r.Put(ctx, key, val, ttl...); err != nil {
		return nil, err
	}
	return val, nil
}

// RememberForever is Remember with a value that never expires.
func (r *Repository) RememberForever(ctx context.Context, key string, closure Closure) (Value, error) {
	if closure == nil {
		return nil, ErrNotCallable
	}
	if val, found := r.Get(ctx, key); found {
		return val, nil
	}
	result, err := closure(ctx)
	if err != nil {
		return nil, err
	}
	val, err := Encode(result)
	if err != nil {
		return nil, err
	}
	r.forever(ctx, key, val)
	return val, nil
}

// Sear is an alias of RememberForever.
func (r *Repository) Sear(ctx context.Context, key string, closure Closure) (Value, error) {
	return r.RememberForever(ctx, key, closure)
}

// Forget removes key and reports whether it existed.
func (r *Repository) Forget(ctx context.Context, key string) bool {
	k, err := r.itemKey(ctx, key)
	if err != nil {
		r.warn("forget", key, err)
		return false
	}
	ok, err := r.store.Forget(ctx, k)
	if err != nil {
		r.warn("forget", key, err)
		return false
	}
	if ok {
		r.events.emit(ctx, keyForgottenEvent(key))
	}
	return ok
}

// ForgetMultiple removes every key and reports the outcome per key.
func (r *Repository) ForgetMultiple(ctx context.Context, keys []string) map[string]bool {
	results := make(map[string]bool, len(keys))
	for _, key := range keys {
		results[key] = r.Forget(ctx, key)
	}
	return results
}

// Flush removes every entry under the repository prefix. Stores that
// cannot enumerate their keys return ErrUnsupportedOperation.
func (r *Repository) Flush(ctx context.Context) (bool, error) {
	ok, err := r.store.Flush(ctx, r.policy.prefix)
	if err != nil {
		if errors.Is(err, ErrUnsupportedOperation) {
			return false, err
		}
		r.warn("flush", r.policy.prefix, err)
		return false, nil
	}
	return ok, nil
}

// Clear is an alias of Flush.
func (r *Repository) Clear(ctx context.Context) (bool, error) {
	return r.Flush(ctx)
}

// Tags returns a view of the cache whose entries are scoped to names.
func (r *Repository) Tags(names ...string) (*TaggedRepository, error) {
	taggable, ok := r.store.(Taggable)
	if !ok {
		return nil, unsupported("%T does not support tagging", r.store)
	}
	clone := *r
	clone.tags = taggable.NewTagSet(r.policy.prefix, names...)
	clone.refs, _ = r.store.(ReferenceIndexer)
	return &TaggedRepository{Repository: &clone}, nil
}
