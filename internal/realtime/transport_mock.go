package realtime

import (
	"encoding/json"
	"sync"

	"realtime-service/internal/domain"
)

// Transport is the subset of *Manager that presence, location and the bus
// depend on.
type Transport interface {
	On(event string, fn Handler) ListenerID
	Off(event string, id ListenerID)
	Emit(event string, data interface{}) bool
	IsConnected() bool
}

// MockTransport implements Transport in memory for testing without a socket.
type MockTransport struct {
	mu        sync.Mutex
	connected bool
	next      ListenerID
	listeners map[string][]listener
	emitted   []domain.Frame
}

// NewMockTransport creates a connected mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		connected: true,
		listeners: make(map[string][]listener),
	}
}

func (t *MockTransport) On(event string, fn Handler) ListenerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.listeners[event] = append(t.listeners[event], listener{id: t.next, fn: fn})
	return t.next
}

func (t *MockTransport) Off(event string, id ListenerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls := t.listeners[event]
	for i, l := range ls {
		if l.id == id {
			t.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
}

// Emit records the frame when connected and reports false otherwise, like
// the real manager.
func (t *MockTransport) Emit(event string, data interface{}) bool {
	frame, err := domain.NewFrame(event, data)
	if err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return false
	}
	t.emitted = append(t.emitted, frame)
	return true
}

func (t *MockTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *MockTransport) SetConnected(connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.mu.Unlock()
}

// Deliver simulates a server push of event with data encoded as JSON.
func (t *MockTransport) Deliver(event string, data interface{}) {
	var raw json.RawMessage
	if data != nil {
		if r, ok := data.(json.RawMessage); ok {
			raw = r
		} else {
			raw, _ = json.Marshal(data)
		}
	}
	t.mu.Lock()
	ls := append([]listener(nil), t.listeners[event]...)
	t.mu.Unlock()
	for _, l := range ls {
		l.fn(raw)
	}
}

// Emitted returns a copy of every frame emitted so far.
func (t *MockTransport) Emitted() []domain.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Frame(nil), t.emitted...)
}

// EmittedEvents returns the event names emitted so far, in order.
func (t *MockTransport) EmittedEvents() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.emitted))
	for _, f := range t.emitted {
		out = append(out, f.Event)
	}
	return out
}

// Listeners reports how many handlers are registered for event.
func (t *MockTransport) Listeners(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners[event])
}

var (
	_ Transport = (*Manager)(nil)
	_ Transport = (*MockTransport)(nil)
)
