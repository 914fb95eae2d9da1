package cache

import (
	"context"
	"time"

	"github.com/agentuity/go-cache/logger"
)

// DefaultTTL is the lifetime used when neither the caller nor the
// configuration supplies one.
const DefaultTTL = time.Hour

// DefaultQueryTimeout is the per-operation timeout for stores that
// perform I/O (Redis, SQL, DynamoDB, blob, memcached).
const DefaultQueryTimeout = 5 * time.Second

// DefaultTable is the table name used by the database and DynamoDB stores.
const DefaultTable = "cache"

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func nowSeconds() int64 {
	return time.Now().Unix()
}

// config holds the resolved configuration for a store implementation.
type config struct {
	queryTimeout time.Duration
	expiryCheck  time.Duration
	shards       int
	table        string
	dialect      Dialect
	logger       logger.Logger
}

// Option configures a Store implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		queryTimeout: DefaultQueryTimeout,
		expiryCheck:  time.Minute,
		shards:       16,
		table:        DefaultTable,
		dialect:      DialectSQLite,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger(logger.LevelWarn)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed stores.
// Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

// WithExpiryCheck sets the interval for background removal of stale
// records. Applies to the memory and database stores. Defaults to 1 minute.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.expiryCheck = d
		}
	}
}

// WithShards sets the number of lock shards used by the memory store.
func WithShards(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.shards = n
		}
	}
}

// WithTable sets the table used by the database and DynamoDB stores.
func WithTable(name string) Option {
	return func(c *config) {
		if name != "" {
			c.table = name
		}
	}
}

// WithDialect selects the SQL dialect of the database store.
func WithDialect(d Dialect) Option {
	return func(c *config) {
		if d != "" {
			c.dialect = d
		}
	}
}

// WithLogger sets the logger a store uses for background failures.
func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

func withQueryTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
