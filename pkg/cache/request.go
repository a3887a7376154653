package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrRequestCancelled is returned by Next after the request was withdrawn
// with CancelRead.
var ErrRequestCancelled = errors.New("cache: read request cancelled")

// ErrShortResource is returned by Next when the transfer completed but the
// resource ended before the requested range.
var ErrShortResource = errors.New("cache: resource ended before requested range")

// Chunk is one delivered slice of the requested range. Chunks arrive in
// offset order with no gaps.
type Chunk struct {
	Offset int64
	Data   []byte
}

// ReadRequest is the handle for one byte-range read. Bytes are delivered
// incrementally in chunks as they become available on disk; consume them
// with Next.
type ReadRequest struct {
	offset      int64
	length      int64
	submittedAt time.Time

	// progress counts bytes handed to the delivery queue. Written only by
	// the fulfiller under its own lock.
	progress int64

	mu       sync.Mutex
	queue    []Chunk
	finished bool
	err      error

	notify chan struct{}
}

func newReadRequest(offset, length int64) *ReadRequest {
	return &ReadRequest{
		offset:      offset,
		length:      length,
		submittedAt: time.Now(),
		notify:      make(chan struct{}, 1),
	}
}

// Offset returns the requested start position.
func (r *ReadRequest) Offset() int64 { return r.offset }

// Length returns the requested byte count.
func (r *ReadRequest) Length() int64 { return r.length }

// Next blocks until the next chunk is available and returns it. After the
// final chunk it returns io.EOF. A cancelled request returns
// ErrRequestCancelled, a rejected one the rejection reason. Queued chunks
// drain before an error is reported, except on cancellation, which drops
// anything not yet consumed.
func (r *ReadRequest) Next(ctx context.Context) (Chunk, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			c := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return c, nil
		}
		if r.finished {
			err := r.err
			r.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return Chunk{}, err
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-r.notify:
		}
	}
}

// push enqueues a delivered chunk. No-op after finish, so a cancellation
// racing a fulfillment pass never produces a late delivery.
func (r *ReadRequest) push(c Chunk) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, c)
	r.mu.Unlock()
	r.signal()
}

// finish settles the request exactly once. A nil error means the full range
// was delivered.
func (r *ReadRequest) finish(err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.err = err
	if errors.Is(err, ErrRequestCancelled) {
		// A cancelled handle must never deliver, even chunks that were
		// queued before the cancel raced in.
		r.queue = nil
	}
	r.mu.Unlock()
	r.signal()
}

func (r *ReadRequest) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
