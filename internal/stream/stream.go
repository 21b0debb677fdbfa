// Package stream provides observable values and broadcast event feeds.
//
// A Value holds a current state (such as the installed plugin list) and
// delivers the latest state to every subscriber; intermediate states may be
// skipped for slow subscribers. A Feed delivers every event to every
// subscriber with buffer space and counts the events it had to drop.
package stream

import (
	"sync"
	"sync/atomic"
)

// Subscription is an active subscription to a Value or Feed.
// C is closed when the subscription ends.
type Subscription[T any] struct {
	C <-chan T

	once   sync.Once
	cancel func()
}

// Unsubscribe ends the subscription. It is safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(s.cancel)
}

// subscribers is the bookkeeping shared by Value and Feed.
type subscribers[T any] struct {
	mu     sync.Mutex
	chans  map[uint64]chan T
	nextID uint64
	closed bool
}

func (s *subscribers[T]) add(buffer int) (*Subscription[T], chan T) {
	ch := make(chan T, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		close(ch)
		return &Subscription[T]{C: ch, cancel: func() {}}, nil
	}

	id := s.nextID
	s.nextID++
	if s.chans == nil {
		s.chans = make(map[uint64]chan T)
	}
	s.chans[id] = ch

	return &Subscription[T]{C: ch, cancel: func() { s.remove(id) }}, ch
}

func (s *subscribers[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.chans[id]; ok {
		delete(s.chans, id)
		close(ch)
	}
}

func (s *subscribers[T]) closeAll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	for id, ch := range s.chans {
		delete(s.chans, id)
		close(ch)
	}
	return true
}

// Value is an observable current value.
type Value[T any] struct {
	subs    subscribers[T]
	current T
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{current: initial}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.subs.mu.Lock()
	defer v.subs.mu.Unlock()
	return v.current
}

// Set replaces the current value and notifies subscribers. A subscriber that
// has not consumed the previous value only sees the new one.
func (v *Value[T]) Set(x T) {
	v.subs.mu.Lock()
	defer v.subs.mu.Unlock()

	v.current = x
	if v.subs.closed {
		return
	}
	for _, ch := range v.subs.chans {
		select {
		case <-ch:
		default:
		}
		ch <- x
	}
}

// Subscribe returns a subscription that first receives the current value.
func (v *Value[T]) Subscribe() *Subscription[T] {
	sub, ch := v.subs.add(1)
	if ch != nil {
		v.subs.mu.Lock()
		select {
		case ch <- v.current:
		default:
		}
		v.subs.mu.Unlock()
	}
	return sub
}

// Close ends every subscription. Set keeps updating the value afterwards.
func (v *Value[T]) Close() {
	v.subs.closeAll()
}

// Feed broadcasts events to subscribers.
type Feed[T any] struct {
	subs    subscribers[T]
	buffer  int
	dropped atomic.Uint64
}

// NewFeed creates a feed whose subscribers buffer up to buffer events.
func NewFeed[T any](buffer int) *Feed[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Feed[T]{buffer: buffer}
}

// Send delivers x to every subscriber with room and returns how many received it.
func (f *Feed[T]) Send(x T) int {
	f.subs.mu.Lock()
	defer f.subs.mu.Unlock()

	delivered := 0
	for _, ch := range f.subs.chans {
		select {
		case ch <- x:
			delivered++
		default:
			f.dropped.Add(1)
		}
	}
	return delivered
}

// Subscribe returns a new subscription to future events.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	sub, _ := f.subs.add(f.buffer)
	return sub
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (f *Feed[T]) Dropped() uint64 {
	return f.dropped.Load()
}

// Close ends every subscription. It is safe to call Close multiple times.
func (f *Feed[T]) Close() {
	f.subs.closeAll()
}
