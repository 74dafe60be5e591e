// Package window turns a continuous sample stream into fixed-size,
// overlapping windows handed to a single consumer in arrival order.
package window

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/relabs-tech/pdr_locator/internal/imu"
)

const (
	DefaultWindowSize = 50
	DefaultSlideStep  = 10
)

var (
	// ErrConfiguration reports invalid window sizing.
	ErrConfiguration = errors.New("window: invalid configuration")
	// ErrClosed is returned by Take and Push once the buffer is closed.
	ErrClosed = errors.New("window: buffer closed")
)

// Window is WindowSize contiguous samples. It never aliases the buffer.
type Window []imu.Sample

// First and Last return the bounding timestamps (ms).
func (w Window) First() int64 { return w[0].Timestamp }
func (w Window) Last() int64  { return w[len(w)-1].Timestamp }

// DurationSeconds is the time spanned from the first to the last sample.
func (w Window) DurationSeconds() float64 {
	if len(w) == 0 {
		return 0
	}
	return float64(w.Last()-w.First()) / 1000
}

// Buffer accumulates samples and emits windows of Size samples every Step
// samples.
type Buffer struct {
	size int
	step int

	mu      sync.Mutex // guards samples: append, generate, trim
	samples []imu.Sample

	qmu     sync.Mutex // guards queue and closed
	queue   []Window
	closed  bool
	emitted uint64

	notify chan struct{}
	done   chan struct{}
}

// New creates a buffer. step must be in [1, size].
func New(size, step int) (*Buffer, error) {
	if size <= 0 || step <= 0 {
		return nil, fmt.Errorf("%w: window size %d and slide step %d must be positive", ErrConfiguration, size, step)
	}
	if step > size {
		return nil, fmt.Errorf("%w: slide step %d exceeds window size %d", ErrConfiguration, step, size)
	}
	return &Buffer{
		size:    size,
		step:    step,
		samples: make([]imu.Sample, 0, 2*size),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

func (b *Buffer) Size() int { return b.size }
func (b *Buffer) Step() int { return b.step }

// Push appends s and emits every window that became complete. A single
// push can emit several windows when a backlog has built up.
func (b *Buffer) Push(s imu.Sample) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	b.samples = append(b.samples, s)
	if len(b.samples) < b.step {
		return nil
	}

	var out []Window
	offset := 0
	for offset+b.size <= len(b.samples) {
		w := make(Window, b.size)
		copy(w, b.samples[offset:offset+b.size])
		out = append(out, w)
		offset += b.step
	}
	if offset > 0 {
		n := copy(b.samples, b.samples[offset:])
		b.samples = b.samples[:n]
	}
	if len(out) > 0 {
		b.enqueue(out)
	}
	return nil
}

func (b *Buffer) enqueue(ws []Window) {
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		return
	}
	b.queue = append(b.queue, ws...)
	b.emitted += uint64(len(ws))
	b.qmu.Unlock()
	b.signal()
}

func (b *Buffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Take blocks until a window is available and returns the oldest one. It
// returns ErrClosed once Close has been called and ctx.Err() when ctx is
// done.
func (b *Buffer) Take(ctx context.Context) (Window, error) {
	for {
		b.qmu.Lock()
		if b.closed {
			b.qmu.Unlock()
			return nil, ErrClosed
		}
		if len(b.queue) > 0 {
			w := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			more := len(b.queue) > 0
			b.qmu.Unlock()
			if more {
				b.signal()
			}
			return w, nil
		}
		b.qmu.Unlock()

		select {
		case <-b.notify:
		case <-b.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryTake returns the oldest window without blocking.
func (b *Buffer) TryTake() (Window, bool) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	if b.closed || len(b.queue) == 0 {
		return nil, false
	}
	w := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return w, true
}

// Close discards pending windows and unblocks every Take. It is safe to
// call more than once.
func (b *Buffer) Close() {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.queue = nil
	close(b.done)
}

// Done is closed by Close.
func (b *Buffer) Done() <-chan struct{} { return b.done }

// Pending is the number of windows waiting to be taken.
func (b *Buffer) Pending() int {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	return len(b.queue)
}

// Buffered is the number of samples not yet fully consumed by windows.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Emitted is the number of windows generated since New.
func (b *Buffer) Emitted() uint64 {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	return b.emitted
}
