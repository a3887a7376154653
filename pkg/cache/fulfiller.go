package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/streamcache/pkg/metrics"
	"github.com/marmos91/streamcache/pkg/store"
)

// fulfiller matches pending read requests against the bytes the store has
// persisted so far. A request larger than maxChunk is delivered in multiple
// chunks, each bounded by maxChunk to cap transient allocations.
//
// Locking: the fulfiller lock guards the pending set. Store reads happen
// under it; they are short, bounded by maxChunk, and the store never blocks
// on the fulfiller, so there is no ordering hazard between the two locks.
type fulfiller struct {
	store    *store.FileStore
	maxChunk int64
	metrics  metrics.CacheMetrics

	mu       sync.Mutex
	pending  map[*ReadRequest]struct{}
	terminal error
	// finalSize is the resource size once the transfer completed, -1
	// while bytes may still arrive.
	finalSize int64
}

func newFulfiller(st *store.FileStore, maxChunk int64, m metrics.CacheMetrics) *fulfiller {
	if maxChunk <= 0 {
		maxChunk = 512 * 1024
	}
	return &fulfiller{
		store:     st,
		maxChunk:  maxChunk,
		metrics:   m,
		pending:   make(map[*ReadRequest]struct{}),
		finalSize: -1,
	}
}

// submit registers a request and immediately runs one fulfillment pass over
// it, covering the case where the store already holds the range.
func (f *fulfiller) submit(offset, length int64) (*ReadRequest, error) {
	r := newReadRequest(offset, length)

	f.mu.Lock()
	if f.terminal != nil {
		err := f.terminal
		f.mu.Unlock()
		return nil, err
	}
	f.pending[r] = struct{}{}
	f.advanceLocked(r, f.store.Size())
	f.publishPendingLocked()
	f.mu.Unlock()

	return r, nil
}

// cancel withdraws a request. The request's consumer observes
// ErrRequestCancelled; nothing else in the engine reacts.
func (f *fulfiller) cancel(r *ReadRequest) {
	f.mu.Lock()
	_, present := f.pending[r]
	delete(f.pending, r)
	f.publishPendingLocked()
	f.mu.Unlock()

	if present {
		r.finish(ErrRequestCancelled)
		f.recordRead("cancelled", 0, r)
	}
}

// evaluate runs one fulfillment pass over every pending request against the
// store's current size. Invoked by the engine after each flush.
func (f *fulfiller) evaluate() {
	f.mu.Lock()
	size := f.store.Size()
	for r := range f.pending {
		f.advanceLocked(r, size)
	}
	f.publishPendingLocked()
	f.mu.Unlock()
}

// finishAtEOF records the final resource size and settles every request that
// can never be fully satisfied. Requests inside the final size complete on
// this pass.
func (f *fulfiller) finishAtEOF(size int64) {
	f.mu.Lock()
	f.finalSize = size
	for r := range f.pending {
		f.advanceLocked(r, size)
	}
	f.publishPendingLocked()
	f.mu.Unlock()
}

// rejectAll settles every pending request with err and refuses future
// submissions. Used on terminal transfer failure and engine teardown.
func (f *fulfiller) rejectAll(err error) {
	f.mu.Lock()
	if f.terminal != nil {
		f.mu.Unlock()
		return
	}
	f.terminal = err
	rejected := make([]*ReadRequest, 0, len(f.pending))
	for r := range f.pending {
		rejected = append(rejected, r)
	}
	f.pending = make(map[*ReadRequest]struct{})
	f.publishPendingLocked()
	f.mu.Unlock()

	for _, r := range rejected {
		r.finish(err)
		f.recordRead("rejected", 0, r)
	}
}

func (f *fulfiller) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// advanceLocked delivers every chunk the current size allows to one request,
// removing it from the pending set once the full range has been handed over.
// Called with f.mu held.
func (f *fulfiller) advanceLocked(r *ReadRequest, size int64) {
	for {
		remaining := r.length - r.progress
		if remaining <= 0 {
			delete(f.pending, r)
			r.finish(nil)
			f.recordRead("served", r.length, r)
			return
		}

		pos := r.offset + r.progress
		available := size - pos
		if available <= 0 {
			if f.finalSize >= 0 {
				// No more bytes will ever arrive.
				delete(f.pending, r)
				r.finish(ErrShortResource)
				f.recordRead("rejected", r.progress, r)
			}
			return
		}

		n := remaining
		if available < n {
			n = available
		}
		if f.maxChunk < n {
			n = f.maxChunk
		}

		data, err := f.store.ReadAt(pos, n)
		if err != nil {
			delete(f.pending, r)
			r.finish(fmt.Errorf("cache: read from backing store: %w", err))
			f.recordRead("rejected", r.progress, r)
			return
		}
		r.push(Chunk{Offset: pos, Data: data})
		r.progress += int64(len(data))
	}
}

func (f *fulfiller) publishPendingLocked() {
	if f.metrics != nil {
		f.metrics.SetPendingReads(len(f.pending))
	}
}

func (f *fulfiller) recordRead(status string, bytes int64, r *ReadRequest) {
	if f.metrics != nil {
		f.metrics.RecordRead(status, bytes, time.Since(r.submittedAt))
	}
}
