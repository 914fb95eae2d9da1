package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func newTestBlob(t *testing.T) (Store, func(key string) bool) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	exists := func(key string) bool {
		ok, err := bucket.Exists(context.Background(), blobObjectKey(key))
		require.NoError(t, err)
		return ok
	}
	return NewBlob(bucket), exists
}

func TestBlobRecordFraming(t *testing.T) {
	data := encodeBlobRecord(Value(`{"a":"b\nc"}`), 1234)
	assert.Equal(t, "1234\n{\"a\":\"b\\nc\"}", string(data))
	val, expiration, err := decodeBlobRecord(data)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), expiration)
	assert.Equal(t, Value(`{"a":"b\nc"}`), val)

	_, _, err = decodeBlobRecord([]byte("garbage"))
	assert.Error(t, err)
}

func TestBlobPutGet(t *testing.T) {
	store, exists := newTestBlob(t)
	ctx := context.Background()

	found, _, err := store.Get(ctx, "app:k/1")
	assert.NoError(t, err)
	assert.False(t, found)

	ok, err := store.Put(ctx, "app:k/1", MustEncode("v"), 50)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, exists("app:k/1"))

	found, val, err := store.Get(ctx, "app:k/1")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Value(`"v"`), val)

	time.Sleep(60 * time.Millisecond)
	found, _, err = store.Get(ctx, "app:k/1")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.False(t, exists("app:k/1"), "stale objects are deleted on read")
}

func TestBlobIncrementKeepsExpiration(t *testing.T) {
	store, _ := newTestBlob(t)
	ctx := context.Background()

	ok, _, err := store.Increment(ctx, "n", 1)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _ = store.Put(ctx, "n", MustEncode(5), 60_000)
	ok, n, err := store.Increment(ctx, "n", 2)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)

	ok, n, err = store.Decrement(ctx, "n", 7)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), n)

	_, _ = store.Forever(ctx, "s", MustEncode("abc"))
	ok, _, err = store.Increment(ctx, "s", 1)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestBlobManyForgetFlush(t *testing.T) {
	store, exists := newTestBlob(t)
	ctx := context.Background()

	results, err := store.PutMany(ctx, map[string]Value{"app:a": MustEncode(1), "app:b": MustEncode(2)}, 60_000)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"app:a": true, "app:b": true}, results)
	results, err = store.PutManyForever(ctx, map[string]Value{"other:c": MustEncode(3)})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"other:c": true}, results)

	values, err := store.Many(ctx, []string{"app:a", "app:b", "other:c", "none"})
	require.NoError(t, err)
	assert.Len(t, values, 3)

	ok, err := store.Forget(ctx, "app:a")
	assert.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Forget(ctx, "app:a")
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Flush(ctx, "app:")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, exists("app:b"))
	assert.True(t, exists("other:c"))

	ok, err = store.Flush(ctx, "")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, exists("other:c"))
}

func TestOpenBlob(t *testing.T) {
	ctx := context.Background()
	store, err := OpenBlob(ctx, "mem://")
	require.NoError(t, err)
	ok, err := store.Forever(ctx, "k", MustEncode(1))
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, store.Close())

	dir := t.TempDir()
	store, err = OpenBlob(ctx, "file://"+dir)
	require.NoError(t, err)
	defer store.Close()
	ok, err = store.Forever(ctx, "k", MustEncode(1))
	assert.NoError(t, err)
	assert.True(t, ok)
	found, val, err := store.Get(ctx, "k")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Value("1"), val)
}
