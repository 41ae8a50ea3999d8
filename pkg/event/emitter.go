// Package event provides broadcast channels that notify subscribers of
// state transitions.
package event

import "sync"

// Emitter broadcasts values of type T to its subscribers. Handlers run
// synchronously, in registration order, on the goroutine that calls Emit.
type Emitter[T any] struct {
	mutex    sync.Mutex
	nextID   uint64
	handlers []handler[T]
}

type handler[T any] struct {
	id uint64
	fn func(T)
}

// Subscription detaches a handler from its emitter.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

// Subscribe registers fn and returns a handle that removes it again.
func (e *Emitter[T]) Subscribe(fn func(T)) *Subscription {
	e.mutex.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, handler[T]{id: id, fn: fn})
	e.mutex.Unlock()

	return &Subscription{cancel: func() { e.remove(id) }}
}

// Emit delivers v to every handler subscribed when Emit was called.
// Handlers may subscribe or unsubscribe while being invoked.
func (e *Emitter[T]) Emit(v T) {
	e.mutex.Lock()
	snapshot := make([]handler[T], len(e.handlers))
	copy(snapshot, e.handlers)
	e.mutex.Unlock()

	for _, h := range snapshot {
		h.fn(v)
	}
}

// Len returns the number of current subscribers.
func (e *Emitter[T]) Len() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.handlers)
}

func (e *Emitter[T]) remove(id uint64) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return
		}
	}
}

// Unsubscribe removes the handler. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscriptions groups handles so a component can release them together
// when it is torn down.
type Subscriptions struct {
	mutex sync.Mutex
	subs  []*Subscription
}

// Add tracks s.
func (g *Subscriptions) Add(s *Subscription) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.subs = append(g.subs, s)
}

// Unsubscribe releases every tracked subscription.
func (g *Subscriptions) Unsubscribe() {
	g.mutex.Lock()
	subs := g.subs
	g.subs = nil
	g.mutex.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}
