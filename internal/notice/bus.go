package notice

import (
	"log"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 64

// Bus fans notices out to subscribers. Publish never blocks: a subscriber
// whose queue is full loses the notice.
type Bus struct {
	buffer  int
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	dropped atomic.Uint64
}

// Subscription is one consumer's queue
type Subscription struct {
	Name string
	C    <-chan Notice

	ch  chan Notice
	id  uint64
	bus *Bus
}

// NewBus creates a bus with the given per-subscriber buffer
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		buffer: buffer,
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe registers a new consumer
func (b *Bus) Subscribe(name string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan Notice, b.buffer)
	s := &Subscription{Name: name, C: ch, ch: ch, id: b.nextID, bus: b}
	b.subs[s.id] = s
	return s
}

// Close unregisters the subscription and closes its channel
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.ch)
}

// Publish delivers n to every subscriber
func (b *Bus) Publish(n Notice) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		select {
		case s.ch <- n:
		default:
			b.dropped.Add(1)
			log.Printf("Notice queue full for %s, dropping %s", s.Name, n.Kind)
		}
	}
}

// Dropped returns the number of notices lost to full queues
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of active subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
