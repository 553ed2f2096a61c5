// internal/listener/listener.go
//
// Key-change subscriptions and one-shot message waiters. Callbacks fire on
// verified writes whose key starts with the registered prefix; bursts to the
// same key within the debounce window collapse to a single callback carrying
// the latest view.
package listener

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultDebounce is how long a key's notification is held open so that
// rapid successive writes coalesce.
const DefaultDebounce = 100 * time.Millisecond

// Event is what a key listener receives: the key that changed and its
// current materialized value.
type Event struct {
	Key   string
	Value json.RawMessage
}

type Callback func(Event)

type keyListener struct {
	id     int64
	prefix string
	fn     Callback
}

// pending tracks a debounced notification for one key: the timer and the
// latest value observed while the window was open.
type pending struct {
	timer *time.Timer
	value json.RawMessage
}

// Registry indexes callbacks by key prefix and one-shot waiters by message
// id. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	nextID    int64
	listeners []keyListener
	waiters   map[string]func(json.RawMessage)
	pendings  map[string]*pending
	debounce  time.Duration
	closed    bool
}

func NewRegistry(debounce time.Duration) *Registry {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Registry{
		waiters:  make(map[string]func(json.RawMessage)),
		pendings: make(map[string]*pending),
		debounce: debounce,
	}
}

// On registers fn for every verified write whose key starts with prefix and
// returns the listener id for Off.
func (r *Registry) On(prefix string, fn Callback) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.listeners = append(r.listeners, keyListener{id: r.nextID, prefix: prefix, fn: fn})
	return r.nextID
}

// Off removes the listener with the given id. Unknown ids are a no-op.
func (r *Registry) Off(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l.id == id {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Notify schedules callbacks for a verified write to key. Calls within the
// debounce window replace the pending value, so listeners observe only the
// latest view when the window closes.
func (r *Registry) Notify(key string, value json.RawMessage) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if p, ok := r.pendings[key]; ok {
		p.value = value
		r.mu.Unlock()
		return
	}
	p := &pending{value: value}
	p.timer = time.AfterFunc(r.debounce, func() { r.flush(key) })
	r.pendings[key] = p
	r.mu.Unlock()
}

func (r *Registry) flush(key string) {
	r.mu.Lock()
	p, ok := r.pendings[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pendings, key)
	ev := Event{Key: key, Value: p.value}
	var fns []Callback
	for _, l := range r.listeners {
		if len(key) >= len(l.prefix) && key[:len(l.prefix)] == l.prefix {
			fns = append(fns, l.fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// AwaitID registers a one-shot waiter for a message id. A second registration
// for the same id replaces the first. The waiter removes itself once fired.
func (r *Registry) AwaitID(id string, fn func(json.RawMessage)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiters[id] = fn
}

// CancelID drops the waiter for id, if any.
func (r *Registry) CancelID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, id)
}

// FireID invokes and removes the waiter registered for id. It reports
// whether a waiter was present.
func (r *Registry) FireID(id string, payload json.RawMessage) bool {
	r.mu.Lock()
	fn, ok := r.waiters[id]
	if ok {
		delete(r.waiters, id)
	}
	r.mu.Unlock()
	if ok {
		fn(payload)
	}
	return ok
}

// Close stops all pending debounce timers and drops state. Notifications
// after Close are ignored.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for key, p := range r.pendings {
		p.timer.Stop()
		delete(r.pendings, key)
	}
	r.listeners = nil
	r.waiters = make(map[string]func(json.RawMessage))
}
