// Package stream fans ingested sample windows out to per-subject consumers.
package stream

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscription queue depth.
const DefaultBuffer = 64

// ErrClosed is returned when subscribing to a closed broker.
var ErrClosed = errors.New("stream: broker closed")

// Subscription receives the messages published on one topic.
type Subscription[T any] struct {
	ID    string
	Topic string

	ch     chan T
	broker *Broker[T]
	once   sync.Once
}

// C is closed when the subscription is cancelled or the broker closes.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.broker.remove(s)
}

// Broker is a topic keyed pub/sub. Publish never blocks: a subscriber whose
// queue is full loses the message and the drop is reported to the caller.
type Broker[T any] struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription[T]
	buffer int
	closed bool
	onDrop func(topic string)
}

// Option configures a Broker.
type Option func(*config)

type config struct {
	buffer int
	onDrop func(topic string)
}

// WithBuffer sets the per-subscription queue depth.
func WithBuffer(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithDropHook is called once for every message dropped on a full queue.
func WithDropHook(fn func(topic string)) Option {
	return func(c *config) {
		c.onDrop = fn
	}
}

// NewBroker constructs an empty broker.
func NewBroker[T any](opts ...Option) *Broker[T] {
	cfg := config{buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Broker[T]{
		subs:   make(map[string]map[string]*Subscription[T]),
		buffer: cfg.buffer,
		onDrop: cfg.onDrop,
	}
}

// Subscribe registers a new consumer for topic.
func (b *Broker[T]) Subscribe(topic string) (*Subscription[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &Subscription[T]{
		ID:     uuid.NewString(),
		Topic:  topic,
		ch:     make(chan T, b.buffer),
		broker: b,
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*Subscription[T])
	}
	b.subs[topic][sub.ID] = sub
	return sub, nil
}

// Publish offers msg to every subscriber of topic.
func (b *Broker[T]) Publish(topic string, msg T) (delivered, dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, 0
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			dropped++
			if b.onDrop != nil {
				b.onDrop(topic)
			}
		}
	}
	return delivered, dropped
}

// Subscribers counts the live subscriptions on topic.
func (b *Broker[T]) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close detaches every subscription and rejects further subscribers.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(b.subs, topic)
	}
}

func (b *Broker[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[s.Topic]; ok {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(b.subs, s.Topic)
		}
	}
	s.once.Do(func() { close(s.ch) })
}
