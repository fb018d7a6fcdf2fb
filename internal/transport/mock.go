// ABOUTME: In-memory transport for tests and local runs without a homeserver
// ABOUTME: Inject feeds events to the running handler; Sent records every action

package transport

import (
	"context"
	"sync"
)

// MockName is the transport name recorded on mock events.
const MockName = "mock"

// Mock is a Transport backed by channels.
type Mock struct {
	events chan RawEvent
	stop   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	sent    []Action
	sendErr error
}

// NewMock creates a mock transport with room for buffer pending events.
func NewMock(buffer int) *Mock {
	return &Mock{
		events: make(chan RawEvent, buffer),
		stop:   make(chan struct{}),
	}
}

// Name implements Transport.
func (m *Mock) Name() string { return MockName }

// Inject queues ev for delivery to the running handler.
func (m *Mock) Inject(ev RawEvent) {
	if ev.Transport == "" {
		ev.Transport = MockName
	}
	m.events <- ev
}

// Start implements Transport.
func (m *Mock) Start(ctx context.Context, h Handler) error {
	for {
		select {
		case ev := <-m.events:
			h(ctx, ev)
		case <-m.stop:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Send implements Transport.
func (m *Mock) Send(_ context.Context, a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, a)
	return nil
}

// FailSends makes every later Send return err; nil restores success.
func (m *Mock) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent returns a copy of the actions sent so far.
func (m *Mock) Sent() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Action(nil), m.sent...)
}

// Stop implements Transport.
func (m *Mock) Stop() {
	m.once.Do(func() { close(m.stop) })
}
