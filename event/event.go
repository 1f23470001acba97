// Package event provides the publish/subscribe primitive used by every stream in the module:
// session state changes, session errors, protocol notifications, registry registrations,
// reconnect progress and host signals.
//
// Each subscriber owns a goroutine and an unbounded queue, so Publish never blocks and a slow
// subscriber never delays the others. Events are delivered to a single subscriber in the order
// they were published.
package event

import (
	"sync"
)

// Broadcaster fans published values out to its subscribers. The zero value is not usable, use
// NewBroadcaster.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription]*subscriber[T]
	closed bool
}

// Subscription is the handle returned by Subscribe. Cancel is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

type subscriber[T any] struct {
	fn func(T)

	mu      sync.Mutex
	queue   []T
	closing bool

	wake chan struct{}
	done chan struct{}
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		subs: make(map[*Subscription]*subscriber[T]),
	}
}

// Subscribe registers fn to receive every value published after this call returns. fn runs on a
// goroutine dedicated to this subscription. Subscribing to a closed Broadcaster returns an
// already cancelled Subscription.
func (b *Broadcaster[T]) Subscribe(fn func(T)) *Subscription {
	sub := &Subscription{}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.once.Do(func() {})
		return sub
	}

	s := &subscriber[T]{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	b.subs[sub] = s
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		s.stop(false)
	}

	go s.run()

	return sub
}

// Publish enqueues v for every current subscriber and returns immediately.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.push(v)
	}
}

// Len returns the number of active subscriptions.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops accepting values and ends every subscription once its queued values have been
// delivered. Close is idempotent.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]*subscriber[T])
	b.mu.Unlock()

	for sub, s := range subs {
		sub.once.Do(func() {})
		s.stop(true)
	}
}

// Cancel detaches the subscription. Values still queued are dropped. Calling Cancel more than
// once, or on a subscription whose Broadcaster was closed, is a no-op.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop ends the delivery goroutine. With drain set, values already queued are delivered first.
func (s *subscriber[T]) stop(drain bool) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	if !drain {
		s.queue = nil
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) run() {
	defer close(s.done)

	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closing := s.closing
				s.mu.Unlock()
				if closing {
					return
				}
				break
			}
			v := s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.fn(v)
		}
	}
}
