package capture

import (
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"
)

// FrameBuffer keeps the most recent frame as JPEG for preview clients.
// Frames are only encoded while at least one viewer is attached.
type FrameBuffer struct {
	mu      sync.RWMutex
	jpeg    []byte
	seq     uint64
	viewers atomic.Int32
}

func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Store encodes frame if anyone is watching. It does not take ownership of frame.
func (b *FrameBuffer) Store(frame *gocv.Mat) error {
	if b.viewers.Load() == 0 || frame == nil || frame.Empty() {
		return nil
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		return err
	}
	defer buf.Close()
	b.StoreJPEG(buf.GetBytes())
	return nil
}

// StoreJPEG stores an already encoded frame.
func (b *FrameBuffer) StoreJPEG(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	b.mu.Lock()
	b.jpeg = cp
	b.seq++
	b.mu.Unlock()
}

// Latest returns the newest frame and its sequence number. ok is false when
// nothing has been stored yet.
func (b *FrameBuffer) Latest() (data []byte, seq uint64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.jpeg == nil {
		return nil, 0, false
	}
	return b.jpeg, b.seq, true
}

// Watch registers a viewer. The returned func unregisters it.
func (b *FrameBuffer) Watch() (release func()) {
	b.viewers.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { b.viewers.Add(-1) })
	}
}

// Viewers returns the number of attached viewers.
func (b *FrameBuffer) Viewers() int {
	return int(b.viewers.Load())
}
