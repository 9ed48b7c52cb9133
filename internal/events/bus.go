package events

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Message is what subscribers receive.
type Message struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}

// Bus is a non-blocking pub/sub broker. Slow subscribers lose messages
// instead of stalling publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan Message
	dropped atomic.Int64
	log     *logrus.Entry
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Event][]chan Message),
		log:  logrus.WithField("component", "event-bus"),
	}
}

// Subscribe registers one channel for all of the given events and returns
// it with an unsubscribe function. Unsubscribing closes the channel.
func (b *Bus) Subscribe(buffer int, evs ...Event) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	for _, e := range evs {
		b.subs[e] = append(b.subs[e], ch)
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, e := range evs {
				subs := b.subs[e]
				for i, c := range subs {
					if c == ch {
						b.subs[e] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
	return ch, unsub
}

// Publish fans the payload out without blocking.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- Message{Event: e, Payload: payload}:
		default:
			if n := b.dropped.Add(1); n%100 == 1 {
				b.log.WithFields(logrus.Fields{"event": e, "dropped_total": n}).Warn("subscriber too slow, dropping events")
			}
		}
	}
}

// Dropped returns how many messages were dropped so far.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
