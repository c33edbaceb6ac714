package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/zhouzirui/livechat/internal/model/chat"
)

var (
	// ErrUnavailable means the transport does not exist yet. It is a wait state, not a failure.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrClosed is returned by Send after the transport shut down.
	ErrClosed = errors.New("transport closed")
)

// Handler receives one transport event.
type Handler func(chat.Payload)

// Transport is the real-time channel to the operator. Its wire protocol and
// delivery guarantees belong to the implementation.
type Transport interface {
	Send(body string) error
	On(event chat.EventName, handler Handler) (unsubscribe func())
}

// Finite is implemented by transports that can end on their own, such as a
// websocket connection. Done is closed once the transport is unusable.
type Finite interface {
	Done() <-chan struct{}
}

// Ended reports whether t is a Finite transport that has already ended.
func Ended(t Transport) bool {
	f, ok := t.(Finite)
	if !ok {
		return false
	}
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}

// starter is implemented by transports that hold inbound frames until Start,
// so nothing is dispatched before Subscribe has registered every handler.
type starter interface {
	Start()
}

// Locator finds the transport. Locate returns ErrUnavailable (possibly wrapped)
// while the transport does not exist.
type Locator interface {
	Locate(ctx context.Context) (Transport, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (Transport, error)

// Locate calls f.
func (f LocatorFunc) Locate(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// Slot holds a transport attached by someone else at an unknown time.
type Slot struct {
	mu        sync.RWMutex
	transport Transport
}

// Attach makes t discoverable.
func (s *Slot) Attach(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// Locate returns the attached transport or ErrUnavailable.
func (s *Slot) Locate(_ context.Context) (Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.transport == nil {
		return nil, ErrUnavailable
	}
	return s.transport, nil
}

// Subscribe registers handlers on t and returns one function that removes all of them.
func Subscribe(t Transport, handlers map[chat.EventName]Handler) func() {
	unsubs := make([]func(), 0, len(handlers))
	for _, event := range chat.Events {
		if h, ok := handlers[event]; ok {
			unsubs = append(unsubs, t.On(event, h))
		}
	}
	if st, ok := t.(starter); ok {
		st.Start()
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// registry is the handler bookkeeping shared by the transports in this package.
type registry struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[chat.EventName]map[uint64]Handler
}

func (r *registry) add(event chat.EventName, h Handler) func() {
	r.mu.Lock()
	if r.handlers == nil {
		r.handlers = make(map[chat.EventName]map[uint64]Handler)
	}
	if r.handlers[event] == nil {
		r.handlers[event] = make(map[uint64]Handler)
	}
	r.next++
	id := r.next
	r.handlers[event][id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers[event], id)
			r.mu.Unlock()
		})
	}
}

func (r *registry) dispatch(event chat.EventName, payload chat.Payload) {
	r.mu.RLock()
	hs := make([]Handler, 0, len(r.handlers[event]))
	for _, h := range r.handlers[event] {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
}

func (r *registry) count(event chat.EventName) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}
