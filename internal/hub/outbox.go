package hub

import (
	"errors"
	"sync"
)

var (
	// ErrOutboxClosed is returned when pushing to a closed outbox.
	ErrOutboxClosed = errors.New("outbox closed")
	// ErrOutboxFull is returned when the outbox buffer has no room.
	ErrOutboxFull = errors.New("outbox full")
)

// Outbox queues encoded frames for one connection's writer goroutine.
type Outbox struct {
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox holding up to size frames.
//
// Postcondition: Returns an Outbox with an open frames channel.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{frames: make(chan []byte, size)}
}

// Push enqueues data without blocking.
//
// Postcondition: data is enqueued, or ErrOutboxClosed / ErrOutboxFull is returned.
func (o *Outbox) Push(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.frames <- data:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Frames returns the channel the writer goroutine drains. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Close marks the outbox closed and closes the frames channel. Frames already
// queued remain readable.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// IsClosed reports whether the outbox has been closed.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
