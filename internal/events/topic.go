// Package events provides typed publish/subscribe topics used to connect the
// sync components without callback registration.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTopicClosed = errors.New("topic closed")
	// ErrNoSubscribers is returned by a Blocking Publish that reached nobody.
	ErrNoSubscribers = errors.New("no subscribers")
)

// Policy decides what Publish does when a subscriber buffer is full.
type Policy int

const (
	// LatestWins evicts the oldest buffered value. Used for state events,
	// where a newer value supersedes anything still queued.
	LatestWins Policy = iota
	// Blocking waits until the subscriber has room. Used for commands that
	// must not be dropped.
	Blocking
)

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func (s *subscriber[T]) close() {
	s.once.Do(func() { close(s.done) })
}

// Topic fans a stream of typed events out to subscribers.
type Topic[T any] struct {
	name   string
	policy Policy

	// mu is held while delivering to LatestWins subscribers so eviction and
	// send stay atomic; Blocking delivery happens outside the lock.
	mu     sync.Mutex
	subs   map[int]*subscriber[T]
	nextID int
	closed bool
}

func NewTopic[T any](name string, policy Policy) *Topic[T] {
	return &Topic[T]{
		name:   name,
		policy: policy,
		subs:   make(map[int]*subscriber[T]),
	}
}

func (t *Topic[T]) Name() string {
	return t.name
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it; the channel is never closed by Publish, so
// readers should also watch their own context.
func (t *Topic[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &subscriber[T]{
		ch:   make(chan T, buffer),
		done: make(chan struct{}),
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	if t.closed {
		sub.close()
	} else {
		t.subs[id] = sub
	}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// Publish delivers value to every current subscriber according to the
// topic policy. With Blocking it returns early when ctx ends, and reports
// ErrNoSubscribers when no subscriber took the value.
func (t *Topic[T]) Publish(ctx context.Context, value T) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTopicClosed
	}
	if t.policy == LatestWins {
		for _, sub := range t.subs {
			deliverLatest(sub.ch, value)
		}
		t.mu.Unlock()
		return nil
	}
	subs := make([]*subscriber[T], 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		select {
		case sub.ch <- value:
			delivered++
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delivered == 0 {
		return fmt.Errorf("publish %s: %w", t.name, ErrNoSubscribers)
	}
	return nil
}

// SubscriberCount is mostly useful in tests.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close stops delivery; pending blocked publishers are released.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, sub := range t.subs {
		sub.close()
		delete(t.subs, id)
	}
}

func deliverLatest[T any](ch chan T, value T) {
	for {
		select {
		case ch <- value:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
