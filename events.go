package apigate

import "sync"

// Event names broadcast by the coordinator. They are fire-and-forget
// notifications with no payload beyond the name; the application layer maps
// them to login/guest UI state.
type Event string

const (
	// EventGuestModeActivated fires when a refresh returned 400 (no refresh
	// token): the user is anonymous and requests proceed unauthenticated.
	EventGuestModeActivated Event = "auth:guest-mode-activated"
	// EventRefreshFailed fires when a refresh returned 401 (refresh token
	// expired): the user must log in again.
	EventRefreshFailed Event = "auth:refresh-failed"
	// EventTokenInvalid fires when a freshly refreshed token is rejected by
	// the backend on replay.
	EventTokenInvalid Event = "auth:token-invalid"
)

// Emitter fans out auth events to subscribers. Handlers run synchronously on
// the emitting goroutine and must not block.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Event]map[int]func(Event)
}

// NewEmitter returns an empty event emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[Event]map[int]func(Event))}
}

// Subscribe registers fn for ev and returns a cancel func that removes the
// subscription. Cancel is idempotent.
func (e *Emitter) Subscribe(ev Event, fn func(Event)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	if e.handlers[ev] == nil {
		e.handlers[ev] = make(map[int]func(Event))
	}
	e.handlers[ev][id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.handlers[ev], id)
		e.mu.Unlock()
	}
}

// Emit notifies every subscriber of ev.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	fns := make([]func(Event), 0, len(e.handlers[ev]))
	for _, fn := range e.handlers[ev] {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
