package chatsync

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"slices"
	"sync"
	"sync/atomic"
)

// ============================================================================
// Events
// ============================================================================

// Event is delivered to bus handlers. Wire events carry the raw JSON payload;
// lifecycle events fill Reason, Err or Attempt instead.
type Event struct {
	Name    string
	Payload json.RawMessage
	Reason  string
	Err     error
	Attempt int
}

// Decode unmarshals the wire payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Name)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Name, err)
	}
	return nil
}

// Handler is a subscription. The pointer is the identity: registering the
// same *Handler twice for one event is a single subscription.
type Handler struct {
	fn    func(Event)
	once  bool
	fired atomic.Bool
}

// NewHandler wraps fn so it can be registered and later removed.
func NewHandler(fn func(Event)) *Handler {
	return &Handler{fn: fn}
}

// ============================================================================
// Bus
// ============================================================================

// Bus fans named events out to registered handlers. Handlers run
// synchronously on the emitting goroutine in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	seq      uint64
	logger   *log.Logger
}

// subscription is one registration of a handler. seq tells a registration
// apart from a later one of the same handler.
type subscription struct {
	h   *Handler
	seq uint64
}

func indexOfHandler(list []subscription, h *Handler) int {
	return slices.IndexFunc(list, func(s subscription) bool { return s.h == h })
}

// NewBus creates an empty bus. A nil logger discards output.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Bus{
		handlers: make(map[string][]subscription),
		logger:   logger,
	}
}

// On registers h for event. Registering an already registered handler is a
// no-op.
func (b *Bus) On(event string, h *Handler) *Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	if indexOfHandler(b.handlers[event], h) >= 0 {
		return h
	}
	b.seq++
	b.handlers[event] = append(b.handlers[event], subscription{h: h, seq: b.seq})
	return h
}

// OnFunc registers fn and returns the handler needed to remove it.
func (b *Bus) OnFunc(event string, fn func(Event)) *Handler {
	return b.On(event, NewHandler(fn))
}

// Once registers fn to run for at most one event, after which it removes
// itself.
func (b *Bus) Once(event string, fn func(Event)) *Handler {
	return b.On(event, &Handler{fn: fn, once: true})
}

// Off removes h from event. A nil handler removes every handler for event.
func (b *Bus) Off(event string, h *Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h == nil {
		delete(b.handlers, event)
		return
	}
	list := b.handlers[event]
	i := indexOfHandler(list, h)
	if i < 0 {
		return
	}
	// Copy so snapshots held by an in-progress Emit stay intact.
	next := make([]subscription, 0, len(list)-1)
	next = append(next, list[:i]...)
	next = append(next, list[i+1:]...)
	if len(next) == 0 {
		delete(b.handlers, event)
		return
	}
	b.handlers[event] = next
}

// Cleanup removes every handler for every event.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	b.handlers = make(map[string][]subscription)
	b.mu.Unlock()
}

// Count returns the number of handlers registered for event.
func (b *Bus) Count(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Emit delivers ev to the handlers registered when it starts. A handler
// removed while the event is being delivered is skipped if it has not run
// yet; one added, or removed and added again, is first called for the next
// event.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	snapshot := b.handlers[ev.Name]
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if !b.registered(ev.Name, sub) {
			continue
		}
		h := sub.h
		if h.once {
			if !h.fired.CompareAndSwap(false, true) {
				continue
			}
			b.Off(ev.Name, h)
		}
		b.invoke(h, ev)
	}
}

func (b *Bus) registered(event string, sub subscription) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Contains(b.handlers[event], sub)
}

func (b *Bus) invoke(h *Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("handler for %q panicked: %v", ev.Name, r)
		}
	}()
	h.fn(ev)
}
