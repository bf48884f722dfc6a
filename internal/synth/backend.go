package synth

import (
	"errors"
	"sync"
)

// RenderFunc fills an interleaved float32 buffer.
type RenderFunc func(out []float32)

// Backend drives an Engine's render function from an audio clock.
type Backend interface {
	// Open starts calling render. It fails if the output cannot be acquired.
	Open(cfg Config, render RenderFunc) error

	// Close stops calling render and releases the output.
	Close() error
}

// ManualBackend renders only when Pull is called. It is used for tests and
// offline rendering.
type ManualBackend struct {
	mu       sync.Mutex
	render   RenderFunc
	channels int
	openErr  error
	opens    int
}

// NewManualBackend creates a ManualBackend.
func NewManualBackend() *ManualBackend {
	return &ManualBackend{}
}

// FailOpen makes subsequent Open calls fail with err.
func (b *ManualBackend) FailOpen(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

// Open implements Backend.
func (b *ManualBackend) Open(cfg Config, render RenderFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openErr != nil {
		return b.openErr
	}
	if b.render != nil {
		return errors.New("manual backend already open")
	}
	b.render = render
	b.channels = cfg.Channels
	b.opens++
	return nil
}

// Close implements Backend.
func (b *ManualBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.render = nil
	return nil
}

// Opened reports whether the backend is currently open.
func (b *ManualBackend) Opened() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.render != nil
}

// Opens returns how many times the backend has been opened.
func (b *ManualBackend) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// Pull renders frames frames and returns the interleaved samples, or nil if
// the backend is not open.
func (b *ManualBackend) Pull(frames int) []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.render == nil {
		return nil
	}
	out := make([]float32, frames*b.channels)
	b.render(out)
	return out
}
