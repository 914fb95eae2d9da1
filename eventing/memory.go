package eventing

import (
	"context"
	"errors"
	"sync"

	"github.com/agentuity/go-cache/logger"
	"github.com/google/uuid"
)

var ErrClosed = errors.New("eventing: client is closed")

type memoryMessage struct {
	subject string
	data    []byte
	headers Headers
}

func (m *memoryMessage) Subject() string {
	return m.subject
}

func (m *memoryMessage) Data() []byte {
	return m.data
}

func (m *memoryMessage) Headers() Headers {
	return m.headers
}

type memorySubscription struct {
	id      string
	subject string
	cb      MessageCallback
}

type memorySubscriber struct {
	client *memoryEventingClient
	id     string
}

func (s *memorySubscriber) Close() error {
	s.client.unsubscribe(s.id)
	return nil
}

type memoryEventingClient struct {
	mutex         sync.RWMutex
	subscriptions map[string]*memorySubscription
	closed        bool
	logger        logger.Logger
}

var _ Client = (*memoryEventingClient)(nil)

// NewMemoryClient returns a Client that delivers messages within the
// process. Publish invokes every matching callback before it returns.
func NewMemoryClient(logger logger.Logger) Client {
	return &memoryEventingClient{
		subscriptions: make(map[string]*memorySubscription),
		logger:        logger.With(map[string]interface{}{"component": "eventing"}),
	}
}

func (c *memoryEventingClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	msg := &memoryMessage{
		subject: subject,
		data:    append([]byte(nil), data...),
		headers: make(Headers),
	}
	applyPublishOptions(msg.headers, opts)

	c.mutex.RLock()
	if c.closed {
		c.mutex.RUnlock()
		return ErrClosed
	}
	callbacks := make([]MessageCallback, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		if matches(sub.subject, subject) {
			callbacks = append(callbacks, sub.cb)
		}
	}
	c.mutex.RUnlock()

	for _, cb := range callbacks {
		c.deliver(ctx, cb, msg)
	}
	return nil
}

func (c *memoryEventingClient) deliver(ctx context.Context, cb MessageCallback, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subscriber for %s panicked: %v", msg.Subject(), r)
		}
	}()
	cb(ctx, msg)
}

func (c *memoryEventingClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		id:      uuid.NewString(),
		subject: subject,
		cb:      cb,
	}
	c.subscriptions[sub.id] = sub
	return &memorySubscriber{client: c, id: sub.id}, nil
}

func (c *memoryEventingClient) unsubscribe(id string) {
	c.mutex.Lock()
	delete(c.subscriptions, id)
	c.mutex.Unlock()
}

func (c *memoryEventingClient) Close() error {
	c.mutex.Lock()
	c.closed = true
	c.subscriptions = make(map[string]*memorySubscription)
	c.mutex.Unlock()
	return nil
}
