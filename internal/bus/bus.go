// Package bus implements the synchronous agent event bus. Agents register
// handlers keyed by (agent identity, message type); Publish dispatches to
// matching handlers in registration order, in the caller's goroutine, before
// returning. Synchronous dispatch is what makes the task lifecycle fully
// deterministic in a single process.
package bus

import (
	"context"
	"sync"

	"hive/internal/log"
	"hive/internal/message"
	"hive/internal/pubsub"
)

// Handler processes a delivered message. The message is a value; mutations
// never leak back to the publisher or to other handlers.
type Handler func(ctx context.Context, msg message.Message) error

type subscriptionKey struct {
	agentID string
	msgType message.Type
}

// Bus routes messages to registered handlers.
//
// A message addressed to an agent with no live handler is dropped without
// error. Agents that are stopped have no handlers, so publishing to a
// stopped agent is a silent no-op beyond a debug log and the observer
// mirror.
type Bus struct {
	mu       sync.RWMutex
	handlers map[subscriptionKey][]Handler

	// observer mirrors every published envelope for status views and tests.
	// Best-effort delivery only; it never affects dispatch.
	observer *pubsub.Broker[Delivery]
}

// Delivery is what observers see for each published message: the envelope
// plus how many handlers it reached.
type Delivery struct {
	To       string
	Message  message.Message
	Handlers int
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[subscriptionKey][]Handler),
		observer: pubsub.NewBroker[Delivery](),
	}
}

// Subscribe registers a handler for messages of the given type addressed to
// agentID. Handlers for the same key run in registration order.
func (b *Bus) Subscribe(agentID string, msgType message.Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := subscriptionKey{agentID: agentID, msgType: msgType}
	b.handlers[key] = append(b.handlers[key], h)
	log.Debug(log.CatBus, "handler registered", "agent", agentID, "type", msgType)
}

// UnsubscribeAll removes every handler registered for agentID, across all
// message types. Used when an agent stops.
func (b *Bus) UnsubscribeAll(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.handlers {
		if key.agentID == agentID {
			delete(b.handlers, key)
		}
	}
	log.Debug(log.CatBus, "handlers removed", "agent", agentID)
}

// Publish validates msg and dispatches it synchronously to every handler
// registered for (to, msg.Type). Dispatch iterates over a snapshot of the
// handler list, so handlers may publish further messages or change
// subscriptions without deadlocking the bus. The first handler error aborts
// dispatch and is returned.
func (b *Bus) Publish(ctx context.Context, to string, msg message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	registered := b.handlers[subscriptionKey{agentID: to, msgType: msg.Type}]
	snapshot := make([]Handler, len(registered))
	copy(snapshot, registered)
	b.mu.RUnlock()

	b.observer.Publish(pubsub.CreatedEvent, Delivery{To: to, Message: msg, Handlers: len(snapshot)})

	if len(snapshot) == 0 {
		// Intentional drop: the target agent is not running.
		log.Debug(log.CatBus, "message dropped, no handler", "to", to, "type", msg.Type, "task", msg.TaskID)
		return nil
	}

	log.Debug(log.CatBus, "dispatching", "to", to, "type", msg.Type, "task", msg.TaskID, "handlers", len(snapshot))
	for _, h := range snapshot {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// HandlerCount returns the number of handlers registered for the given key.
func (b *Bus) HandlerCount(agentID string, msgType message.Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[subscriptionKey{agentID: agentID, msgType: msgType}])
}

// Observe returns a channel mirroring every published envelope. Delivery is
// best-effort; a slow observer never blocks Publish.
func (b *Bus) Observe(ctx context.Context) <-chan pubsub.Event[Delivery] {
	return b.observer.Subscribe(ctx)
}

// Close shuts down the observer broker. Handlers remain registered but the
// bus should not be used after Close.
func (b *Bus) Close() {
	b.observer.Close()
}
