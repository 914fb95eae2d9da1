package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleMemory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemory(ctx, WithExpiryCheck(time.Second))
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
	cancel()
}

func TestMemoryPutGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(ctx, WithExpiryCheck(time.Minute))
	defer store.Close()

	found, val, err := store.Get(ctx, "test")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)

	ok, err := store.Put(ctx, "test", MustEncode("value"), 20)
	assert.NoError(t, err)
	assert.True(t, ok)

	found, val, err = store.Get(ctx, "test")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Value(`"value"`), val)

	time.Sleep(30 * time.Millisecond)
	found, val, err = store.Get(ctx, "test")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
	assert.Equal(t, 0, store.(*memoryStore).size())
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(ctx)
	defer store.Close()

	val := MustEncode("abc")
	_, err := store.Forever(ctx, "k", val)
	require.NoError(t, err)
	val[1] = 'z'

	_, got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, Value(`"abc"`), got)
}

func TestMemoryBackgroundExpire(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(ctx, WithExpiryCheck(50*time.Millisecond))
	defer store.Close()

	_, err := store.Put(ctx, "a", MustEncode(1), 20)
	require.NoError(t, err)
	_, err = store.Forever(ctx, "b", MustEncode(2))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return store.(*memoryStore).size() == 1
	}, time.Second, 10*time.Millisecond)
	found, _, err := store.Get(ctx, "b")
	assert.NoError(t, err)
	assert.True(t, found)
}

func TestMemoryAdd(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(ctx)
	defer store.Close()
	cw := store.(ConditionalWriter)

	ok, err := cw.Add(ctx, "k", MustEncode("first"), 20)
	assert.NoError(t, err)
	assert.True(t, ok)
	ok, err = cw.Add(ctx, "k", MustEncode("second"), 1000)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, val, _ := store.Get(ctx, "k")
	assert.Equal(t, Value(`"first"`), val)

	time.Sleep(30 * time.Millisecond)
	ok, err = cw.Add(ctx, "k", MustEncode("third"), 1000)
	assert.NoError(t, err)
	assert.True(t, ok, "stale records can be replaced")
}

func TestMemoryAddIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(ctx)
	defer store.Close()
	cw := store.(ConditionalWriter)

	var wg sync.WaitGroup
	var mutex sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if ok, _ := cw.Add(ctx, "lock", MustEncode(i), 0); ok {
				mutex.Lock()
				wins++
				mutex.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryIncrement(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(ctx)
	defer store.Close()

	ok, n, err := store.Increment(ctx, "missing", 1)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, n)

	_, _ = store.Forever(ctx, "n", MustEncode(5))
	ok, n, err = store.Increment(ctx, "n", 2)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)

	ok, n, err = store.Decrement(ctx, "n", 10)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(-3), n)

	_, _ = store.Forever(ctx, "s", MustEncode("abc"))
	ok, _, err = store.Increment(ctx, "s", 1)
	assert.NoError(t, err)
	assert.False(t, ok)
	_, val, _ := store.Get(ctx, "s")
	assert.Equal(t, Value(`"abc"`), val)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Increment(ctx, "n", 1)
		}()
	}
	wg.Wait()
	_, val, _ = store.Get(ctx, "n")
	assert.Equal(t, Value("97"), val)
}

func TestMemoryManyAndFlush(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(ctx, WithShards(4))
	defer store.Close()

	results, err := store.PutMany(ctx, map[string]Value{
		"app:a":   MustEncode("x"),
		"app:b":   MustEncode("y"),
		"other:c": MustEncode("z"),
	}, 60_000)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"app:a": true, "app:b": true, "other:c": true}, results)

	values, err := store.Many(ctx, []string{"app:a", "app:b", "app:missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]Value{"app:a": Value(`"x"`), "app:b": Value(`"y"`)}, values)

	ok, err := store.Flush(ctx, "app:")
	assert.NoError(t, err)
	assert.True(t, ok)
	values, _ = store.Many(ctx, []string{"app:a", "app:b", "other:c"})
	assert.Equal(t, map[string]Value{"other:c": Value(`"z"`)}, values)

	ok, err = store.Flush(ctx, "")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, store.(*memoryStore).size())
}

func TestMemoryForget(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(ctx)
	defer store.Close()

	ok, err := store.Forget(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _ = store.Forever(ctx, "k", MustEncode(true))
	ok, err = store.Forget(ctx, "k")
	assert.NoError(t, err)
	assert.True(t, ok)
	found, _ := store.Has(ctx, "k")
	assert.False(t, found)
}
