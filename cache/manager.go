package cache

import (
	"context"
	"io"
	"sync"

	"github.com/agentuity/go-cache/eventing"
	"github.com/agentuity/go-cache/logger"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Built-in driver names.
const (
	DriverMemory    = "memory"
	DriverRedis     = "redis"
	DriverDatabase  = "database"
	DriverDynamoDB  = "dynamodb"
	DriverBlob      = "blob"
	DriverMemcached = "memcached"
	DriverComposite = "composite"
)

// Driver builds the store named name from its configuration. Drivers run
// while the manager is locked and must not call its Store or Use methods.
type Driver func(ctx context.Context, m *Manager, name string, sc StoreConfig, opts []Option) (Store, error)

var (
	driversMutex sync.RWMutex
	drivers      = map[string]Driver{}
)

func init() {
	RegisterDriver(DriverMemory, memoryDriver)
	RegisterDriver(DriverRedis, redisDriver)
	RegisterDriver(DriverDatabase, databaseDriver)
	RegisterDriver(DriverDynamoDB, dynamoDBDriver)
	RegisterDriver(DriverBlob, blobDriver)
	RegisterDriver(DriverMemcached, memcachedDriver)
	RegisterDriver(DriverComposite, compositeDriver)
}

// RegisterDriver makes a driver available to every Manager. Registering
// an existing name replaces it.
func RegisterDriver(name string, driver Driver) {
	driversMutex.Lock()
	defer driversMutex.Unlock()
	drivers[name] = driver
}

func lookupDriver(name string) (Driver, bool) {
	driversMutex.RLock()
	defer driversMutex.RUnlock()
	d, ok := drivers[name]
	return d, ok
}

func isRegisteredDriver(name string) bool {
	_, ok := lookupDriver(name)
	return ok
}

// Manager builds stores from a Config on first use and hands out one
// Repository per store name.
type Manager struct {
	ctx     context.Context
	config  *Config
	logger  logger.Logger
	bus     eventing.Publisher
	drivers map[string]Driver

	mutex   sync.Mutex
	stores  map[string]Store
	repos   map[string]*Repository
	closers []io.Closer
	closed  bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger handed to stores and repositories.
func WithManagerLogger(l logger.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithBus sets the publisher repositories send cache events to.
func WithBus(bus eventing.Publisher) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithStore supplies a ready-made store for name instead of building it
// from configuration. The manager closes it on Close.
func WithStore(name string, store Store) ManagerOption {
	return func(m *Manager) { m.stores[name] = store }
}

// WithDriver registers a driver for this manager only.
func WithDriver(name string, driver Driver) ManagerOption {
	return func(m *Manager) { m.drivers[name] = driver }
}

// NewManager validates cfg and returns a Manager. No store is built until
// it is first used. ctx bounds the lifetime of background work started by
// stores.
func NewManager(ctx context.Context, cfg *Config, opts ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		return nil, invalidConfig("no configuration")
	}
	m := &Manager{
		ctx:     ctx,
		config:  cfg,
		drivers: make(map[string]Driver),
		stores:  make(map[string]Store),
		repos:   make(map[string]*Repository),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.NewConsoleLogger()
	}
	m.logger = m.logger.WithPrefix("[cache]")
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) validate() error {
	check := *m.config
	check.Stores = make(map[string]StoreConfig, len(m.config.Stores)+len(m.stores))
	for name, sc := range m.config.Stores {
		check.Stores[name] = sc
	}
	for name := range m.stores {
		if _, ok := check.Stores[name]; !ok {
			check.Stores[name] = StoreConfig{Driver: DriverMemory}
		}
	}
	return check.validate(m.knownDriver)
}

func (m *Manager) knownDriver(name string) bool {
	if _, ok := m.drivers[name]; ok {
		return true
	}
	return isRegisteredDriver(name)
}

func (m *Manager) driver(name string) (Driver, bool) {
	if d, ok := m.drivers[name]; ok {
		return d, true
	}
	return lookupDriver(name)
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() *Config {
	return m.config
}

// Logger returns the manager logger.
func (m *Manager) Logger() logger.Logger {
	return m.logger
}

func (m *Manager) addCloser(c io.Closer) {
	m.closers = append(m.closers, c)
}

// Store returns the store configured under name, building it if needed.
func (m *Manager) Store(name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.store(name)
}

func (m *Manager) store(name string) (Store, error) {
	if m.closed {
		return nil, errors.New("cache: manager is closed")
	}
	if store, ok := m.stores[name]; ok {
		return store, nil
	}
	sc, ok := m.config.Stores[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStore, "%q", name)
	}
	driver, ok := m.driver(sc.Driver)
	if !ok {
		return nil, invalidConfig("store %q uses unknown driver %q", name, sc.Driver)
	}
	opts := append(sc.Options(), WithLogger(m.logger.With(map[string]interface{}{"store": name})))
	store, err := driver(m.ctx, m, name, sc, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: failed to create store %q", name)
	}
	m.logger.Debug("created %s store %q", sc.Driver, name)
	m.stores[name] = store
	return store, nil
}

// Use returns the Repository for the named store. Repeated calls return
// the same Repository.
func (m *Manager) Use(name string) (*Repository, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if repo, ok := m.repos[name]; ok {
		return repo, nil
	}
	store, err := m.store(name)
	if err != nil {
		return nil, err
	}
	repo := NewRepository(store,
		WithConfig(m.config, m.config.Stores[name]),
		WithEventBus(m.bus),
		WithRepositoryLogger(m.logger),
	)
	m.repos[name] = repo
	return repo, nil
}

// Default returns the Repository of the default store.
func (m *Manager) Default() (*Repository, error) {
	return m.Use(m.config.Store)
}

// Close closes every store the manager built or was given, then any
// registered resources. The first error is returned.
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var firstErr error
	for name, store := range m.stores {
		if err := store.Close(); err != nil {
			m.logger.Warn("failed to close store %q: %s", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, c := range m.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func memoryDriver(ctx context.Context, _ *Manager, _ string, _ StoreConfig, opts []Option) (Store, error) {
	return NewMemory(ctx, opts...), nil
}

func redisDriver(_ context.Context, m *Manager, name string, sc StoreConfig, opts []Option) (Store, error) {
	if sc.URL == "" {
		return nil, invalidConfig("redis store %q has no url", name)
	}
	redisOpts, err := redis.ParseURL(sc.URL)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "redis store %q: %v", name, err)
	}
	client := redis.NewClient(redisOpts)
	m.addCloser(client)
	return NewRedis(client, opts...), nil
}

func databaseDriver(ctx context.Context, _ *Manager, name string, sc StoreConfig, opts []Option) (Store, error) {
	dialect := Dialect(sc.Dialect)
	if dialect == "" {
		dialect = DialectSQLite
	}
	if sc.DSN == "" && dialect != DialectSQLite {
		return nil, invalidConfig("database store %q has no dsn", name)
	}
	return OpenDatabase(ctx, dialect, sc.DSN, opts...)
}

func dynamoDBDriver(ctx context.Context, _ *Manager, _ string, sc StoreConfig, opts []Option) (Store, error) {
	return NewDynamoDBFromConfig(ctx, sc.Region, sc.Endpoint, opts...)
}

func blobDriver(ctx context.Context, _ *Manager, name string, sc StoreConfig, opts []Option) (Store, error) {
	if sc.URL == "" {
		return nil, invalidConfig("blob store %q has no url", name)
	}
	return OpenBlob(ctx, sc.URL, opts...)
}

func memcachedDriver(_ context.Context, _ *Manager, name string, sc StoreConfig, opts []Option) (Store, error) {
	if len(sc.Servers) == 0 {
		return nil, invalidConfig("memcached store %q has no servers", name)
	}
	client := memcache.New(sc.Servers...)
	client.Timeout = applyOptions(opts).queryTimeout
	return NewMemcached(client, opts...), nil
}

// compositeDriver resolves tiers through the manager while its lock is
// held, so it calls the unlocked store lookup.
func compositeDriver(_ context.Context, m *Manager, _ string, sc StoreConfig, _ []Option) (Store, error) {
	tiers := make([]Store, 0, len(sc.Tiers))
	for _, tier := range sc.Tiers {
		store, err := m.store(tier)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, store)
	}
	return &compositeStore{stores: tiers, shared: true}, nil
}
