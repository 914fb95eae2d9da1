package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-cache/eventing"
	"github.com/agentuity/go-cache/logger"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// eventRecorder collects every cache event published on a memory bus.
type eventRecorder struct {
	mutex  sync.Mutex
	events []Event
	bus    eventing.Client
}

func newEventRecorder(t *testing.T) *eventRecorder {
	r := &eventRecorder{bus: eventing.NewMemoryClient(logger.NewTestLogger())}
	sub, err := r.bus.Subscribe(context.Background(), "cache:*", func(ctx context.Context, msg eventing.Message) {
		var ev Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			t.Errorf("bad event payload on %s: %s", msg.Subject(), err)
			return
		}
		if ev.Kind.Subject() != msg.Subject() {
			t.Errorf("event %s published on %s", ev.Kind, msg.Subject())
		}
		r.mutex.Lock()
		r.events = append(r.events, ev)
		r.mutex.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sub.Close()
		r.bus.Close()
	})
	return r
}

func (r *eventRecorder) all() []Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) kinds() []EventKind {
	var kinds []EventKind
	for _, ev := range r.all() {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (r *eventRecorder) reset() {
	r.mutex.Lock()
	r.events = nil
	r.mutex.Unlock()
}

func newTestMemory(t *testing.T) Store {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemory(ctx, WithExpiryCheck(time.Minute))
	t.Cleanup(func() {
		store.Close()
		cancel()
	})
	return store
}

func newTestRepository(t *testing.T, opts ...RepositoryOption) (*Repository, Store, *logger.TestLogger) {
	store := newTestMemory(t)
	log := logger.NewTestLogger()
	opts = append([]RepositoryOption{WithRepositoryLogger(log)}, opts...)
	return NewRepository(store, opts...), store, log
}

var errBackendDown = errors.New("backend down")

// brokenStore fails every operation.
type brokenStore struct{}

var _ Store = brokenStore{}

func (brokenStore) Get(context.Context, string) (bool, Value, error) {
	return false, nil, errBackendDown
}

func (brokenStore) Many(context.Context, []string) (map[string]Value, error) {
	return nil, errBackendDown
}

func (brokenStore) Has(context.Context, string) (bool, error) {
	return false, errBackendDown
}

func (brokenStore) Put(context.Context, string, Value, int64) (bool, error) {
	return false, errBackendDown
}

func (brokenStore) Increment(context.Context, string, int64) (bool, int64, error) {
	return false, 0, errBackendDown
}

func (brokenStore) Decrement(context.Context, string, int64) (bool, int64, error) {
	return false, 0, errBackendDown
}

func (brokenStore) PutMany(context.Context, map[string]Value, int64) (map[string]bool, error) {
	return nil, errBackendDown
}

func (brokenStore) PutManyForever(context.Context, map[string]Value) (map[string]bool, error) {
	return nil, errBackendDown
}

func (brokenStore) Forever(context.Context, string, Value) (bool, error) {
	return false, errBackendDown
}

func (brokenStore) Forget(context.Context, string) (bool, error) {
	return false, errBackendDown
}

func (brokenStore) Flush(context.Context, string) (bool, error) {
	return false, errBackendDown
}

func (brokenStore) CalculateTTL(ms int64) int64 {
	return ms
}

func (brokenStore) Close() error {
	return nil
}

func (s brokenStore) NewTagSet(prefix string, names ...string) *TagSet {
	return NewTagSet(s, prefix, names...)
}
