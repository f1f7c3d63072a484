package events

import "sync"

// Broker delivers committed events to live subscribers. Slow subscribers lose
// events rather than blocking the emitter; Dropped reports how many.
type Broker struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	dropped uint64
}

// NewBroker returns a broker without subscribers.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel capacity. The
// returned cancel function unregisters it and closes the channel.
func (b *Broker) Subscribe(capacity int) (<-chan Event, func()) {
	if capacity <= 0 {
		capacity = 1
	}
	ch := make(chan Event, capacity)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Emit implements the Emitter interface.
func (b *Broker) Emit(evt Event) {
	if evt == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped++
		}
	}
}

// Dropped returns the number of deliveries skipped because a subscriber was
// full.
func (b *Broker) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
