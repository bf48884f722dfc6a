package harmony

import (
	"context"
	"sync"
)

// MockService is an in-process Service. By default each Submit is answered
// immediately with the harmonizer's chord; with ManualReplies the test
// decides when and what to answer.
type MockService struct {
	mu        sync.Mutex
	harmonize HarmonizeFunc
	startErr  error
	manual    bool
	started   bool
	closed    bool
	requests  []Request
	events    chan Event
}

// MockOption configures a MockService.
type MockOption func(*MockService)

// WithHarmonizer replaces the default Triad harmonizer.
func WithHarmonizer(fn HarmonizeFunc) MockOption {
	return func(m *MockService) { m.harmonize = fn }
}

// WithStartError makes Start fail with err.
func WithStartError(err error) MockOption {
	return func(m *MockService) { m.startErr = err }
}

// ManualReplies disables automatic answers; use Reply and Fail instead.
func ManualReplies() MockOption {
	return func(m *MockService) { m.manual = true }
}

// NewMockService creates a MockService.
func NewMockService(opts ...MockOption) *MockService {
	m := &MockService{
		harmonize: Triad,
		events:    make(chan Event, eventBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start emits EventReady unless a start error was configured.
func (m *MockService) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrServiceClosed
	}
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	m.send(Event{Type: EventReady})
	return nil
}

// Submit records req and, unless replies are manual, answers it.
func (m *MockService) Submit(req Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.requests = append(m.requests, req)
	if m.manual || !m.started {
		return
	}

	chord, err := m.harmonize(req.Note)
	if err != nil {
		m.send(errorEvent(req, err))
		return
	}
	m.send(chordEvent(req, chord))
}

// Reply delivers chord as the answer to req.
func (m *MockService) Reply(req Request, chord Chord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.send(chordEvent(req, chord))
	}
}

// Fail delivers an error for req.
func (m *MockService) Fail(req Request, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.send(errorEvent(req, err))
	}
}

// Requests returns a copy of every request submitted so far.
func (m *MockService) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Events implements Service.
func (m *MockService) Events() <-chan Event {
	return m.events
}

// Close closes the event channel.
func (m *MockService) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.events)
	return nil
}

// send must be called with m.mu held. Events beyond the buffer are dropped.
func (m *MockService) send(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}
