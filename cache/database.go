package cache

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour spoken by the database store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) valid() bool {
	return d == DialectSQLite || d == DialectPostgres
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type databaseStore struct {
	db        *sql.DB
	owned     bool
	table     string
	dialect   Dialect
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var (
	_ Store             = (*databaseStore)(nil)
	_ ConditionalWriter = (*databaseStore)(nil)
	_ Taggable          = (*databaseStore)(nil)
	_ Provisionable     = (*databaseStore)(nil)
)

// NewDatabase returns a Store over a table with the columns key, value and
// expiration (milliseconds since the epoch, 0 for never). The caller owns
// db and is responsible for creating the table, see CreateTable.
func NewDatabase(ctx context.Context, db *sql.DB, opts ...Option) (Store, error) {
	cfg := applyOptions(opts)
	return newDatabase(ctx, db, false, cfg)
}

func newDatabase(ctx context.Context, db *sql.DB, owned bool, cfg config) (*databaseStore, error) {
	if !cfg.dialect.valid() {
		return nil, invalidConfig("unknown SQL dialect %q", cfg.dialect)
	}
	if !tableNamePattern.MatchString(cfg.table) {
		return nil, invalidConfig("invalid table name %q", cfg.table)
	}
	childCtx, cancel := context.WithCancel(ctx)
	s := &databaseStore{
		db:      db,
		owned:   owned,
		table:   cfg.table,
		dialect: cfg.dialect,
		ctx:     childCtx,
		cancel:  cancel,
		cfg:     cfg,
	}
	s.waitGroup.Add(1)
	go s.run()
	return s, nil
}

// OpenDatabase opens dsn with the driver for dialect, creates the cache
// table when missing and returns a Store that closes the connection pool
// on Close. For SQLite an empty dsn opens an in-memory database.
func OpenDatabase(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (Store, error) {
	cfg := applyOptions(append([]Option{WithDialect(dialect)}, opts...))
	if !cfg.dialect.valid() {
		return nil, invalidConfig("unknown SQL dialect %q", dialect)
	}
	if cfg.dialect == DialectSQLite && dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open(string(cfg.dialect), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: failed to open %s database", cfg.dialect)
	}
	if cfg.dialect == DialectSQLite {
		// a single connection keeps ":memory:" databases shared and
		// serializes writers.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "cache: failed to enable WAL")
		}
	}
	s, err := newDatabase(ctx, db, true, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := s.CreateTable(ctx, ""); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *databaseStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *databaseStore) query(format string) string {
	return s.rebind(fmt.Sprintf(format, s.table))
}

func (s *databaseStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return withQueryTimeout(parent, s.cfg.queryTimeout)
}

func (s *databaseStore) Get(ctx context.Context, key string) (bool, Value, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var data string
	var expiration int64
	err := s.db.QueryRowContext(qctx, s.query(`SELECT value, expiration FROM %s WHERE key = ?`), key).Scan(&data, &expiration)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, errors.Wrapf(err, "database: get %q", key)
	}
	if isStale(expiration, nowMillis()) {
		// lazily delete the stale row, unless it was rewritten meanwhile.
		_, _ = s.db.ExecContext(qctx, s.query(`DELETE FROM %s WHERE key = ? AND expiration = ?`), key, expiration)
		return false, nil, nil
	}
	return true, Value(data), nil
}

func (s *databaseStore) Many(ctx context.Context, keys []string) (map[string]Value, error) {
	result := make(map[string]Value, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	q := s.rebind(fmt.Sprintf(`SELECT key, value, expiration FROM %s WHERE key IN (%s)`, s.table, placeholders))
	rows, err := s.db.QueryContext(qctx, q, args...)
	if err != nil {
		return result, errors.Wrap(err, "database: many")
	}
	now := nowMillis()
	stale := make(map[string]int64)
	for rows.Next() {
		var key, data string
		var expiration int64
		if err := rows.Scan(&key, &data, &expiration); err != nil {
			rows.Close()
			return result, errors.Wrap(err, "database: many")
		}
		if isStale(expiration, now) {
			stale[key] = expiration
			continue
		}
		result[key] = Value(data)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return result, errors.Wrap(err, "database: many")
	}
	// rows must be closed first, SQLite runs on a single connection.
	for key, expiration := range stale {
		_, _ = s.db.ExecContext(qctx, s.query(`DELETE FROM %s WHERE key = ? AND expiration = ?`), key, expiration)
	}
	return result, nil
}

func (s *databaseStore) Has(ctx context.Context, key string) (bool, error) {
	found, _, err := s.Get(ctx, key)
	return found, err
}

func (s *databaseStore) upsert(ctx context.Context, key string, val Value, expiration int64) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx, s.query(`INSERT INTO %s (key, value, expiration) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expiration = excluded.expiration`),
		key, string(val), expiration,
	)
	if err != nil {
		return false, errors.Wrapf(err, "database: put %q", key)
	}
	return true, nil
}

func (s *databaseStore) Put(ctx context.Context, key string, val Value, ttl int64) (bool, error) {
	return s.upsert(ctx, key, val, expiresAt(ttl))
}

// Add inserts the row, or replaces an existing row only when it is stale.
func (s *databaseStore) Add(ctx context.Context, key string, val Value, ttl int64) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	now := nowMillis()
	q := s.rebind(fmt.Sprintf(`INSERT INTO %[1]s (key, value, expiration) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expiration = excluded.expiration
		WHERE %[1]s.expiration != 0 AND %[1]s.expiration <= ?`, s.table))
	res, err := s.db.ExecContext(qctx, q, key, string(val), expiresAt(ttl), now)
	if err != nil {
		return false, errors.Wrapf(err, "database: add %q", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "database: add %q", key)
	}
	return n > 0, nil
}

func (s *databaseStore) Increment(ctx context.Context, key string, delta int64) (bool, int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(qctx, nil)
	if err != nil {
		return false, 0, errors.Wrapf(err, "database: increment %q", key)
	}
	defer tx.Rollback()

	selectQuery := `SELECT value, expiration FROM %s WHERE key = ?`
	if s.dialect == DialectPostgres {
		selectQuery += ` FOR UPDATE`
	}
	var data string
	var expiration int64
	err = tx.QueryRowContext(qctx, s.query(selectQuery), key).Scan(&data, &expiration)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, errors.Wrapf(err, "database: increment %q", key)
	}
	if isStale(expiration, nowMillis()) {
		return false, 0, nil
	}
	n, ok := Value(data).Int()
	if !ok {
		return false, 0, nil
	}
	n += delta
	if _, err := tx.ExecContext(qctx, s.query(`UPDATE %s SET value = ? WHERE key = ?`), intValue(n).String(), key); err != nil {
		return false, 0, errors.Wrapf(err, "database: increment %q", key)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, errors.Wrapf(err, "database: increment %q", key)
	}
	return true, n, nil
}

func (s *databaseStore) Decrement(ctx context.Context, key string, delta int64) (bool, int64, error) {
	return s.Increment(ctx, key, -delta)
}

func (s *databaseStore) PutMany(ctx context.Context, items map[string]Value, ttl int64) (map[string]bool, error) {
	return putEach(ctx, items, func(ctx context.Context, key string, val Value) (bool, error) {
		return s.Put(ctx, key, val, ttl)
	})
}

func (s *databaseStore) PutManyForever(ctx context.Context, items map[string]Value) (map[string]bool, error) {
	return putEach(ctx, items, s.Forever)
}

func (s *databaseStore) Forever(ctx context.Context, key string, val Value) (bool, error) {
	return s.upsert(ctx, key, val, 0)
}

func (s *databaseStore) Forget(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(qctx, s.query(`DELETE FROM %s WHERE key = ?`), key)
	if err != nil {
		return false, errors.Wrapf(err, "database: forget %q", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "database: forget %q", key)
	}
	return n > 0, nil
}

func (s *databaseStore) Flush(ctx context.Context, prefix string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var err error
	if prefix == "" {
		_, err = s.db.ExecContext(qctx, s.query(`DELETE FROM %s`))
	} else {
		_, err = s.db.ExecContext(qctx, s.query(`DELETE FROM %s WHERE substr(key, 1, ?) = ?`), utf8.RuneCountInString(prefix), prefix)
	}
	if err != nil {
		return false, errors.Wrap(err, "database: flush")
	}
	return true, nil
}

func (s *databaseStore) CalculateTTL(ms int64) int64 {
	return ms
}

func (s *databaseStore) NewTagSet(prefix string, names ...string) *TagSet {
	return NewTagSet(s, prefix, names...)
}

func (s *databaseStore) tableExists(ctx context.Context, name string) (bool, error) {
	var q string
	switch s.dialect {
	case DialectPostgres:
		q = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1`
	default:
		q = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateTable creates the cache table and its expiration index. An empty
// name uses the configured table.
func (s *databaseStore) CreateTable(ctx context.Context, name string) (bool, error) {
	if name == "" {
		name = s.table
	}
	if !tableNamePattern.MatchString(name) {
		return false, invalidConfig("invalid table name %q", name)
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	exists, err := s.tableExists(qctx, name)
	if err != nil {
		return false, errors.Wrapf(err, "database: failed to inspect table %q", name)
	}
	if exists {
		return false, nil
	}
	if _, err := s.db.ExecContext(qctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expiration BIGINT NOT NULL DEFAULT 0
	)`, name)); err != nil {
		return false, errors.Wrapf(err, "database: failed to create table %q", name)
	}
	if _, err := s.db.ExecContext(qctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_expiration ON %[1]s(expiration)`, name)); err != nil {
		return false, errors.Wrapf(err, "database: failed to create index on %q", name)
	}
	return true, nil
}

func (s *databaseStore) Close() error {
	var dbErr error
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
		if s.owned {
			dbErr = s.db.Close()
		}
	})
	return dbErr
}

func (s *databaseStore) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			qctx, cancel := s.queryCtx(s.ctx)
			_, err := s.db.ExecContext(qctx, s.query(`DELETE FROM %s WHERE expiration != 0 AND expiration <= ?`), nowMillis())
			cancel()
			if err != nil && s.ctx.Err() == nil {
				s.cfg.logger.Warn("database: failed to purge stale rows from %s: %s", s.table, err)
			}
		}
	}
}
