// Package events provides fire-and-forget notification fan-out for
// progression engine events.
//
// Publishing never blocks and never fails the caller: listener errors and
// panics are caught and logged individually so one failing listener cannot
// abort the commit pipeline.
package events

import (
	"log"
	"sync"
)

// Topics published by the progression engine. Governance publishes its own
// mutation.* and transaction.* topics through the same bus.
const (
	TopicProgressionCompleted = "progression.completed"
	TopicStepChanged          = "progression.step_changed"
)

// Listener receives published events. A returned error is logged, not
// propagated.
type Listener func(topic string, payload any) error

// Bus is a synchronous, best-effort event fan-out.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[string][]Listener)}
}

// Subscribe registers a listener for one topic.
func (b *Bus) Subscribe(topic string, fn Listener) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[topic] = append(b.listeners[topic], fn)
}

// Publish delivers payload to every listener of topic. Each listener runs
// under its own recover so a panicking listener is logged and skipped.
// Publish is a no-op on a nil bus.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners[topic]...)
	b.mu.RUnlock()

	for _, fn := range listeners {
		deliver(topic, payload, fn)
	}
}

func deliver(topic string, payload any, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: listener panic on %s: %v", topic, r)
		}
	}()
	if err := fn(topic, payload); err != nil {
		log.Printf("events: listener error on %s: %v", topic, err)
	}
}
