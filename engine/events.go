package engine

import (
	"sync"
	"sync/atomic"

	"github.com/hupe1980/flowmesh/core"
)

// Broker fans events out to subscribers. Publishing never blocks: an event
// is dropped for a subscriber whose buffer is full.
type Broker struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	closed  bool
	dropped atomic.Int64
}

type subscription struct {
	ch    chan core.Event
	types map[core.EventType]struct{}
	once  sync.Once
}

func (s *subscription) wants(t core.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscription)}
}

// Subscribe registers a subscriber for the given event types (all when none
// are given). The returned function unsubscribes and closes the channel.
func (b *Broker) Subscribe(buffer int, types ...core.EventType) (<-chan core.Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscription{ch: make(chan core.Event, buffer), types: make(map[core.EventType]struct{}, len(types))}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Broker) Publish(ev core.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events dropped because a subscriber was full.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, id)
	}
}
