// Package events fans resource mutations out to downstream consumers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

// SystemIdentity is the attributed identity for mutations performed by the
// replication pipeline itself, as opposed to an end user.
const SystemIdentity = "meridian-signer"

// Notifier accepts resource events. The replicator and the API depend on this
// port; it is injected at construction, never looked up globally.
type Notifier interface {
	Notify(evt schema.ResourceEvent)
}

// New builds a resource event with a fresh id and the current timestamp.
func New(action schema.Action, resource string, old, new any, identity string) schema.ResourceEvent {
	return schema.ResourceEvent{
		ID:        uuid.NewString(),
		Action:    action,
		Resource:  resource,
		Old:       old,
		New:       new,
		Identity:  identity,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Bus is an in-process Notifier that delivers events synchronously to every
// subscriber, in subscription order.
type Bus struct {
	mu   sync.RWMutex
	subs []func(schema.ResourceEvent)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a consumer. Subscribers must not block: delivery is
// synchronous within the mutating request.
func (b *Bus) Subscribe(fn func(schema.ResourceEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *Bus) Notify(evt schema.ResourceEvent) {
	b.mu.RLock()
	subs := make([]func(schema.ResourceEvent), len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(evt)
	}
}

// LogSubscriber returns a subscriber that writes every event as a structured
// log line.
func LogSubscriber() func(schema.ResourceEvent) {
	return func(evt schema.ResourceEvent) {
		log.WithFields(log.Fields{
			"action":   evt.Action,
			"resource": evt.Resource,
			"identity": evt.Identity,
		}).Debug("resource changed")
	}
}
