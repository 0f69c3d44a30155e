// Package emitter implements the typed in-process event bus the Peer Core
// dispatches inbound messages through (spec §4.1). Subscribers register by
// message type; dispatch invokes every handler for that type, synchronously,
// in registration order, in the caller's goroutine.
package emitter

import (
	"log"
	"sync"

	"github.com/petervdpas/meshcast/internal/proto"
)

// Handler receives a message by value (callers must not mutate it to affect
// other handlers). It runs synchronously within Dispatch.
type Handler func(msg proto.Message)

// Emitter is a many-types / many-handlers-per-type synchronous bus.
// Safe for concurrent Subscribe/Dispatch, but a single Dispatch call never
// re-enters itself: handlers that want to emit further messages should hand
// them to the Peer Core's send path rather than calling Dispatch directly.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New returns an empty Emitter.
func New() *Emitter {
	return &Emitter{handlers: make(map[string][]Handler)}
}

// On registers h to run for every dispatched message whose Type == msgType.
// Handlers for the same type run in the order they were registered.
func (e *Emitter) On(msgType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[msgType] = append(e.handlers[msgType], h)
}

// Dispatch runs every handler registered for msg.Type, in registration
// order, synchronously. A message whose type has no subscriber is dropped
// with a warning, not an error (§4.1).
func (e *Emitter) Dispatch(msg proto.Message) {
	e.mu.RLock()
	hs := e.handlers[msg.Type]
	e.mu.RUnlock()

	if len(hs) == 0 {
		log.Printf("emitter: no handler for message type %q from %s", msg.Type, msg.From)
		return
	}
	for _, h := range hs {
		h(msg)
	}
}

// HandlerCount reports how many handlers are registered for msgType, mostly
// useful in tests asserting registration order.
func (e *Emitter) HandlerCount(msgType string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[msgType])
}
