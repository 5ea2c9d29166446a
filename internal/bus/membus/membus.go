// Package membus is an in-process implementation of the feed bus for
// single-node deployments and tests.
package membus

import (
	"sync"

	"github.com/MarkoPoloResearchLab/tradementor/pkg/feed"
)

// Bus dispatches published payloads to same-process subscribers.
type Bus struct {
	mutex    sync.RWMutex
	handlers map[string]map[int]func(payload []byte)
	nextID   int
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{handlers: map[string]map[int]func(payload []byte){}}
}

// Publish delivers the payload synchronously to every subscriber of the
// subject. Handlers must not block.
func (bus *Bus) Publish(subject string, payload []byte) error {
	bus.mutex.RLock()
	subscribers := make([]func(payload []byte), 0, len(bus.handlers[subject]))
	for _, handler := range bus.handlers[subject] {
		subscribers = append(subscribers, handler)
	}
	bus.mutex.RUnlock()
	for _, handler := range subscribers {
		handler(payload)
	}
	return nil
}

// Subscribe registers a handler for a subject.
func (bus *Bus) Subscribe(subject string, handler func(payload []byte)) (feed.Subscription, error) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	if bus.handlers[subject] == nil {
		bus.handlers[subject] = map[int]func(payload []byte){}
	}
	bus.nextID++
	id := bus.nextID
	bus.handlers[subject][id] = handler
	return &subscription{bus: bus, subject: subject, id: id}, nil
}

type subscription struct {
	bus     *Bus
	subject string
	id      int
}

// Unsubscribe removes the handler.
func (sub *subscription) Unsubscribe() error {
	sub.bus.mutex.Lock()
	defer sub.bus.mutex.Unlock()
	delete(sub.bus.handlers[sub.subject], sub.id)
	return nil
}
