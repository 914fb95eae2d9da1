// Package cache provides a storage-agnostic cache repository over
// interchangeable backends, with tag-based invalidation and typed generic
// helpers.
//
// # Repository
//
// [Repository] is the caller-facing API. It applies a key prefix, resolves
// lifetimes, publishes cache events and talks to exactly one [Store]:
//
//	repo := cache.NewRepository(cache.NewRedis(client), cache.WithPrefix("app:"))
//	repo.Put(ctx, "user:1", user, 10*time.Minute)
//	val, found := repo.Get(ctx, "user:1")
//
// Backend failures never surface as errors. A failed read is a miss and a
// failed write reports false; both are logged at warn level. Only caller
// errors are returned: [ErrInvalidTTL] for a negative lifetime,
// [ErrNotCallable] for a missing closure, [ErrUnsupportedOperation] when a
// store lacks a capability, and encoding or closure errors.
//
// A TTL of zero stores the value forever. Omitting the TTL uses the
// configured default, or [DefaultTTL] when none is configured.
//
// # Stores
//
// A [Store] works on fully qualified keys and lifetimes in its own unit,
// returned by [Store.CalculateTTL]. Optional capabilities are separate
// interfaces probed with a type assertion:
//
//   - [ConditionalWriter] gives Add an atomic insert. Without it Add reads
//     then writes, and concurrent callers may both succeed.
//   - [Taggable] allows [Repository.Tags].
//   - [ReferenceIndexer] records which keys were written under each tag.
//   - [Provisionable] creates the backing table.
//
// The implementations are:
//
//   - [NewMemory] keeps records in a sharded map in process. Stale records
//     are dropped when read and by a background sweep.
//   - [NewRedis] uses native TTLs, SET NX for Add and a Lua script for
//     increments. Flush scans the prefix. It is the only reference indexer.
//   - [NewDatabase] and [OpenDatabase] keep one row per key in SQLite
//     ([modernc.org/sqlite]) or PostgreSQL ([github.com/lib/pq]).
//     Increments run in a transaction.
//   - [NewDynamoDB] stores items with an ExpiresAt attribute in seconds and
//     uses conditional writes. It cannot flush and is not taggable.
//   - [NewBlob] and [OpenBlob] write one object per key to any
//     [gocloud.dev/blob] bucket. It is not taggable.
//   - [NewMemcached] uses memcached add and incr. Flush empties every
//     server regardless of prefix.
//   - [NewComposite] chains stores in tiers. Reads return the first hit
//     and writes go to every tier.
//
// An in-memory tier can front Redis:
//
//	store := cache.NewComposite(cache.NewMemory(ctx), cache.NewRedis(client))
//
// # Tags
//
// [Repository.Tags] returns a [TaggedRepository] whose keys are scoped by
// the current identifiers of a [TagSet]. Each tag has a random identifier
// stored forever under "tag:<name>:key". The identifiers are joined in the
// order the tags were given, hashed, and prepended to each key, so
// Tags("a", "b") and Tags("b", "a") address different entries.
//
//	users, _ := repo.Tags("users")
//	users.Put(ctx, "alice", alice, time.Hour)
//	users.ResetTag(ctx, "users") // alice is now unreachable
//
// Resetting a tag does not delete anything. Entries written under the old
// identifier expire through their own TTL.
//
// # Events
//
// When enabled in [EventsConfig], the repository publishes [Event] values
// as JSON on "cache:hit", "cache:missed", "cache:key_written" and
// "cache:key_forgotten" through an [eventing.Publisher]. Publishing
// failures are logged and never affect the cache operation.
//
// # Typed Helpers
//
// [Get], [GetOr], [Remember], [RememberForever] and [Pull] decode values
// into a Go type:
//
//	user, err := cache.Remember(ctx, repo, "user:1", time.Hour,
//	    func(ctx context.Context) (User, error) {
//	        return queries.GetUser(ctx, 1)
//	    },
//	)
//
// [Exec] is a cache-aside helper whose [Invoker] can report "not found" so
// that absent records are not cached.
//
// # Configuration
//
// [LoadConfig] reads YAML with ${VAR} and ${VAR:-default} references
// expanded from the environment. [Manager] builds one store and one
// repository per configured name:
//
//	cfg, err := cache.LoadConfig("cache.yaml")
//	m, err := cache.NewManager(ctx, cfg, cache.WithBus(bus))
//	repo, err := m.Default()
package cache
