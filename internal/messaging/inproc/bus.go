package inproc

import (
	"errors"
	"sync"

	"hivewatch/internal/domain"
)

var (
	ErrSubscriberNotRegistered = errors.New("subscriber is not registered in bus")
	ErrSubscriberQueueFull     = errors.New("subscriber queue is full")
)

// Bus fans change events out to every registered subscriber. Events are
// advisory: a subscriber whose queue is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.ChangeEvent
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.ChangeEvent),
		buffer: buffer,
	}
}

func (b *Bus) Register(subscriberID string) <-chan domain.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[subscriberID]; ok {
		return ch
	}
	ch := make(chan domain.ChangeEvent, b.buffer)
	b.subs[subscriberID] = ch
	return ch
}

func (b *Bus) Unregister(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	delete(b.subs, subscriberID)
	close(ch)
}

// Publish delivers ev to all subscribers and returns how many received it.
func (b *Bus) Publish(ev domain.ChangeEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// Send delivers ev to a single subscriber.
func (b *Bus) Send(subscriberID string, ev domain.ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return ErrSubscriberNotRegistered
	}
	select {
	case ch <- ev:
		return nil
	default:
		return ErrSubscriberQueueFull
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
