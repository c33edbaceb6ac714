package transport

import (
	"sync"

	"github.com/zhouzirui/livechat/internal/model/chat"
)

// Memory is an in-process transport. Events are injected with Emit and sends
// are recorded. It backs embedded setups and tests.
type Memory struct {
	registry

	mu      sync.Mutex
	sent    []string
	sendErr error
	dropped bool
	done    chan struct{}
}

// NewMemory returns an empty Memory transport.
func NewMemory() *Memory {
	return &Memory{done: make(chan struct{})}
}

// Send records body.
func (m *Memory) Send(body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropped {
		return ErrClosed
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, body)
	return nil
}

// On subscribes h to event.
func (m *Memory) On(event chat.EventName, h Handler) func() {
	return m.add(event, h)
}

// Emit delivers an event to the current subscribers synchronously.
func (m *Memory) Emit(event chat.EventName, payload chat.Payload) {
	m.dispatch(event, payload)
}

// Sent returns a copy of every body sent so far.
func (m *Memory) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// Subscribers reports how many handlers listen to event.
func (m *Memory) Subscribers(event chat.EventName) int {
	return m.count(event)
}

// FailSends makes every following Send return err (nil restores delivery).
func (m *Memory) FailSends(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

// Drop ends the transport the way a lost connection would: Done closes and
// every following Send returns ErrClosed.
func (m *Memory) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dropped {
		m.dropped = true
		close(m.done)
	}
}

// Done is closed once Drop has been called.
func (m *Memory) Done() <-chan struct{} {
	return m.done
}
