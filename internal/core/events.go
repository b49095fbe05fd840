package core

import (
	"sync"
	"sync/atomic"
)

// mailbox delivers one task's events in order. push never blocks: events queue
// until a forwarder goroutine hands them to the consumer. The channel closes
// after the Finished event is delivered and later pushes are dropped.
type mailbox struct {
	mu     sync.Mutex
	queue  []StreamEvent
	closed bool
	wake   chan struct{}
	out    chan StreamEvent
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		out:  make(chan StreamEvent),
	}
	go m.forward()
	return m
}

func (m *mailbox) push(ev StreamEvent) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, ev)
	if ev.Kind == EventFinished {
		m.closed = true
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) forward() {
	defer close(m.out)
	for range m.wake {
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				done := m.closed
				m.mu.Unlock()
				if done {
					return
				}
				break
			}
			ev := m.queue[0]
			m.queue[0] = StreamEvent{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			m.out <- ev
		}
	}
}

// Broadcaster fans every task's events out to subscribers. Delivery is
// best-effort: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]chan StreamEvent
	nextID  uint64
	dropped atomic.Uint64
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan StreamEvent)}
}

// Subscribe registers a buffered subscriber. The returned func unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan StreamEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan StreamEvent, buffer)
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
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish offers ev to every subscriber without blocking.
func (b *Broadcaster) Publish(ev StreamEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}
