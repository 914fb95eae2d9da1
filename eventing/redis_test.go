package eventing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-cache/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

type collector struct {
	mutex    sync.Mutex
	messages []Message
}

func (c *collector) add(ctx context.Context, msg Message) {
	c.mutex.Lock()
	c.messages = append(c.messages, msg)
	c.mutex.Unlock()
}

func (c *collector) len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.messages)
}

func (c *collector) get(i int) Message {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.messages[i]
}

func TestRedisClientPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := NewRedisClient(ctx, logger.NewTestLogger(), newTestRedis(t))
	require.NoError(t, err)
	defer client.Close()

	var received collector
	sub, err := client.Subscribe(ctx, "cache:key_written", received.add)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, client.Publish(ctx, "cache:key_written", []byte(`{"key":"a"}`), WithHeader("source", "test")))

	assert.Eventually(t, func() bool { return received.len() == 1 }, time.Second, 10*time.Millisecond)
	msg := received.get(0)
	assert.Equal(t, "cache:key_written", msg.Subject())
	assert.Equal(t, []byte(`{"key":"a"}`), msg.Data())
	assert.Equal(t, "test", msg.Headers().Get("source"))
}

func TestRedisClientPatternSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := NewRedisClient(ctx, logger.NewTestLogger(), newTestRedis(t))
	require.NoError(t, err)
	defer client.Close()

	var received collector
	sub, err := client.Subscribe(ctx, "cache:*", received.add)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, client.Publish(ctx, "cache:hit", []byte("1")))
	require.NoError(t, client.Publish(ctx, "cache:missed", []byte("2")))
	require.NoError(t, client.Publish(ctx, "other", []byte("3")))

	assert.Eventually(t, func() bool { return received.len() == 2 }, time.Second, 10*time.Millisecond)
	subjects := []string{received.get(0).Subject(), received.get(1).Subject()}
	assert.ElementsMatch(t, []string{"cache:hit", "cache:missed"}, subjects)
}

func TestRedisSubscriberCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client, err := NewRedisClient(ctx, logger.NewTestLogger(), newTestRedis(t))
	require.NoError(t, err)
	defer client.Close()

	sub, err := client.Subscribe(ctx, "a", func(ctx context.Context, msg Message) {})
	require.NoError(t, err)
	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())
}

func TestRedisMsgPayload(t *testing.T) {
	msg := newPubRedisMessage("subject", []byte("data"), WithHeader("k", "v"))
	assert.Equal(t, "subject", msg.Subject())
	assert.Equal(t, []byte("data"), msg.Data())
	assert.Equal(t, Headers{"k": "v"}, msg.Headers())
}
