package cache

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strconv"

	"github.com/cockroachdb/errors"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

const blobDirectory = "cache/"

type blobStore struct {
	bucket *blob.Bucket
	owned  bool
	cfg    config
}

var _ Store = (*blobStore)(nil)

// NewBlob returns a Store that writes one object per key into bucket under
// the cache/ directory. Each object holds the expiration in milliseconds
// on its first line followed by the value. Increment is a read followed by
// a write and is not atomic. The caller owns bucket.
func NewBlob(bucket *blob.Bucket, opts ...Option) Store {
	return &blobStore{
		bucket: bucket,
		cfg:    applyOptions(opts),
	}
}

// OpenBlob opens a bucket URL such as mem://, file:///var/cache or
// s3://bucket?region=us-east-1 and returns a Store that closes it on Close.
func OpenBlob(ctx context.Context, bucketURL string, opts ...Option) (Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: failed to open bucket %q", bucketURL)
	}
	return &blobStore{
		bucket: bucket,
		owned:  true,
		cfg:    applyOptions(opts),
	}, nil
}

func (s *blobStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return withQueryTimeout(parent, s.cfg.queryTimeout)
}

func blobObjectKey(key string) string {
	return blobDirectory + url.PathEscape(key)
}

func encodeBlobRecord(val Value, expiration int64) []byte {
	buf := make([]byte, 0, len(val)+16)
	buf = strconv.AppendInt(buf, expiration, 10)
	buf = append(buf, '\n')
	return append(buf, val...)
}

func decodeBlobRecord(data []byte) (Value, int64, error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, 0, errors.New("blob: malformed cache record")
	}
	expiration, err := strconv.ParseInt(string(data[:idx]), 10, 64)
	if err != nil {
		return nil, 0, errors.Wrap(err, "blob: malformed cache expiration")
	}
	return Value(data[idx+1:]), expiration, nil
}

func (s *blobStore) read(ctx context.Context, key string) (Value, int64, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	data, err := s.bucket.ReadAll(qctx, blobObjectKey(key))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, errors.Wrapf(err, "blob: read %q", key)
	}
	val, expiration, err := decodeBlobRecord(data)
	if err != nil {
		return nil, 0, false, errors.Wrapf(err, "blob: read %q", key)
	}
	return val, expiration, true, nil
}

func (s *blobStore) write(ctx context.Context, key string, val Value, expiration int64) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	err := s.bucket.WriteAll(qctx, blobObjectKey(key), encodeBlobRecord(val, expiration), &blob.WriterOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return false, errors.Wrapf(err, "blob: write %q", key)
	}
	return true, nil
}

func (s *blobStore) delete(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	err := s.bucket.Delete(qctx, blobObjectKey(key))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "blob: delete %q", key)
	}
	return true, nil
}

func (s *blobStore) Get(ctx context.Context, key string) (bool, Value, error) {
	val, expiration, found, err := s.read(ctx, key)
	if err != nil || !found {
		return false, nil, err
	}
	if isStale(expiration, nowMillis()) {
		if _, err := s.delete(ctx, key); err != nil {
			s.cfg.logger.Debug("blob: failed to delete stale object %q: %s", key, err)
		}
		return false, nil, nil
	}
	return true, val, nil
}

func (s *blobStore) Many(ctx context.Context, keys []string) (map[string]Value, error) {
	result := make(map[string]Value, len(keys))
	for _, key := range keys {
		found, val, err := s.Get(ctx, key)
		if err != nil {
			return result, err
		}
		if found {
			result[key] = val
		}
	}
	return result, nil
}

func (s *blobStore) Has(ctx context.Context, key string) (bool, error) {
	found, _, err := s.Get(ctx, key)
	return found, err
}

func (s *blobStore) Put(ctx context.Context, key string, val Value, ttl int64) (bool, error) {
	return s.write(ctx, key, val, expiresAt(ttl))
}

func (s *blobStore) Increment(ctx context.Context, key string, delta int64) (bool, int64, error) {
	val, expiration, found, err := s.read(ctx, key)
	if err != nil || !found || isStale(expiration, nowMillis()) {
		return false, 0, err
	}
	n, ok := val.Int()
	if !ok {
		return false, 0, nil
	}
	n += delta
	if ok, err := s.write(ctx, key, intValue(n), expiration); err != nil || !ok {
		return false, 0, err
	}
	return true, n, nil
}

func (s *blobStore) Decrement(ctx context.Context, key string, delta int64) (bool, int64, error) {
	return s.Increment(ctx, key, -delta)
}

func (s *blobStore) PutMany(ctx context.Context, items map[string]Value, ttl int64) (map[string]bool, error) {
	return putEach(ctx, items, func(ctx context.Context, key string, val Value) (bool, error) {
		return s.Put(ctx, key, val, ttl)
	})
}

func (s *blobStore) PutManyForever(ctx context.Context, items map[string]Value) (map[string]bool, error) {
	return putEach(ctx, items, s.Forever)
}

func (s *blobStore) Forever(ctx context.Context, key string, val Value) (bool, error) {
	return s.write(ctx, key, val, 0)
}

func (s *blobStore) Forget(ctx context.Context, key string) (bool, error) {
	return s.delete(ctx, key)
}

// Flush deletes every object whose key starts with prefix.
func (s *blobStore) Flush(ctx context.Context, prefix string) (bool, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: blobObjectKey(prefix)})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, errors.Wrap(err, "blob: list")
		}
		if obj.IsDir {
			continue
		}
		qctx, cancel := s.queryCtx(ctx)
		err = s.bucket.Delete(qctx, obj.Key)
		cancel()
		if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return false, errors.Wrapf(err, "blob: delete %q", obj.Key)
		}
	}
	return true, nil
}

func (s *blobStore) CalculateTTL(ms int64) int64 {
	return ms
}

func (s *blobStore) Close() error {
	if s.owned {
		return s.bucket.Close()
	}
	return nil
}
