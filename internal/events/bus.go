// Package events provides the in-process publish/subscribe bus.
package events

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/adap-ai/adap/internal/logging"
)

// Wildcard subscribes a handler to every topic.
const Wildcard = "*"

// Event is one published message.
type Event struct {
	Topic string
	Data  any
}

// Handler receives events. A returned error or panic is logged and does
// not affect other handlers.
type Handler func(Event) error

type subscription struct {
	id      uint64
	topic   string
	handler Handler
}

// Bus fans published events out to subscribers in subscription order.
type Bus struct {
	logger *log.Logger

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
}

// NewBus creates a new event Bus.
func NewBus(logger *log.Logger) *Bus {
	return &Bus{logger: logging.OrDiscard(logger)}
}

// Subscribe registers handler for topic and returns a function that
// removes it.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, topic: topic, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers data to every handler subscribed to topic at the time
// of the call. It returns the number of handlers that failed.
func (b *Bus) Publish(topic string, data any) int {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == topic || s.topic == Wildcard {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	ev := Event{Topic: topic, Data: data}
	failed := 0
	for _, s := range targets {
		if err := b.deliver(s, ev); err != nil {
			failed++
			b.logger.Warn("event handler failed", "topic", topic, "subscription", s.id, "error", err)
		}
	}
	return failed
}

// Subscribers returns the number of handlers that would receive topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, s := range b.subs {
		if s.topic == topic || s.topic == Wildcard {
			n++
		}
	}
	return n
}

func (b *Bus) deliver(s subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ev)
}
