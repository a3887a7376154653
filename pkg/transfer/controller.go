// Package transfer drives a single resumable HTTP download into a backing
// store. The controller owns exactly one in-flight request at a time, flushes
// received bytes to the store at a configurable threshold, and suspends rather
// than fails when the network drops. A suspended transfer resumes with a
// ranged request from the first byte the store has not persisted.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/streamcache/internal/logger"
	"github.com/marmos91/streamcache/internal/telemetry"
	"github.com/marmos91/streamcache/pkg/store"
)

// readBufferSize is the size of the socket read buffer. Bytes accumulate in
// the in-flight buffer until the flush threshold is reached.
const readBufferSize = 32 * 1024

// Info describes the resource as reported by the origin on the first
// successful response of an attempt.
type Info struct {
	// ExpectedTotal is the total resource size in bytes, or -1 when the
	// origin did not declare one.
	ExpectedTotal int64

	ETag         string
	LastModified string
	ContentType  string
}

// Sink receives transfer lifecycle notifications. Calls are made from the
// controller's transfer goroutine, never with internal locks held.
// Implementations must be safe for use from a single foreign goroutine.
type Sink interface {
	// TransferStarted is invoked once per attempt, after response headers
	// have been validated. A suspend/resume cycle produces another call.
	TransferStarted(info Info)

	// BytesFlushed is invoked after each flush to the backing store.
	// total is the persisted size after the flush.
	BytesFlushed(n int64, total int64)

	// TransferCompleted is invoked exactly once, after the final flush and
	// size verification.
	TransferCompleted()

	// TransferFailed is invoked exactly once on terminal failure. The
	// partial file has already been deleted.
	TransferFailed(err error)
}

// Options configure a Controller.
type Options struct {
	URL     string
	Headers http.Header

	// IfRange, when non-empty, is sent as an If-Range validator on ranged
	// requests so a changed resource yields a full 200 instead of a 206
	// over stale bytes.
	IfRange string

	// FlushThreshold is the in-flight buffer size that triggers a flush to
	// the backing store.
	FlushThreshold int

	// VerifySize enables comparing the persisted size against the total
	// the origin declared once the body ends.
	VerifySize bool

	// MinimumSize, when positive, fails transfers that complete below this
	// many bytes even if the origin never declared a total.
	MinimumSize int64

	// RequestTimeout bounds the wait for response headers on each attempt.
	RequestTimeout time.Duration

	// ResourceTimeout bounds the whole transfer across all attempts. Zero
	// means no deadline.
	ResourceTimeout time.Duration

	// Client overrides the HTTP client. Nil builds one from the timeouts
	// above.
	Client *http.Client
}

// Controller downloads one resource into one backing store. All methods are
// safe for concurrent use.
type Controller struct {
	opts   Options
	store  *store.FileStore
	sink   Sink
	client *http.Client

	mu            sync.Mutex
	state         State
	expected      int64
	attemptCancel context.CancelFunc

	// Intent flags, read by the transfer goroutine when an attempt
	// unwinds to decide whether it is suspending, stopping for teardown,
	// or failing with a cancellation.
	suspendRequested bool
	stopRequested    bool
	cancelRequested  bool
	resumePending    bool

	resourceCtx    context.Context
	resourceCancel context.CancelFunc

	// wg tracks the run goroutine so Stop can wait for the attempt to
	// finish unwinding before the caller tears the store down.
	wg sync.WaitGroup
}

// New builds a controller over st. The store may already hold a partial
// prefix from an earlier session; Start resumes from its size.
func New(opts Options, st *store.FileStore, sink Sink) *Controller {
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: opts.RequestTimeout,
				ForceAttemptHTTP2:     true,
			},
		}
	}
	return &Controller{
		opts:     opts,
		store:    st,
		sink:     sink,
		client:   client,
		state:    StateIdle,
		expected: -1,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Expected returns the total size the origin declared, or -1 when unknown.
func (c *Controller) Expected() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expected
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the transfer goroutine. The first attempt resumes from the
// store's persisted size, which is zero for a fresh session.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return fmt.Errorf("transfer: start from state %s", c.state)
	}

	if c.opts.ResourceTimeout > 0 {
		c.resourceCtx, c.resourceCancel = context.WithTimeout(ctx, c.opts.ResourceTimeout)
	} else {
		c.resourceCtx, c.resourceCancel = context.WithCancel(ctx)
	}

	c.state = StateActive
	c.wg.Add(1)
	go c.run(c.store.Size())
	return nil
}

// Suspend interrupts the in-flight attempt without failing the transfer.
// Bytes already received are flushed before the controller settles into
// StateSuspended. No-op outside StateActive.
func (c *Controller) Suspend() {
	c.mu.Lock()
	if c.state != StateActive || c.suspendRequested {
		c.mu.Unlock()
		return
	}
	c.suspendRequested = true
	cancel := c.attemptCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Resume relaunches a suspended transfer with a ranged request from the
// store's persisted size. Calling Resume while a suspend is still unwinding
// queues an immediate relaunch instead of getting lost.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == StateSuspended:
		c.state = StateActive
		c.wg.Add(1)
		go c.run(c.store.Size())
	case c.state == StateActive && c.suspendRequested:
		c.resumePending = true
	}
}

// Cancel terminates the transfer, deletes the partial file and notifies the
// sink with a KindCancelled error. Cancel is terminal even when the transfer
// is currently suspended. No-op once the transfer is terminal.
func (c *Controller) Cancel() {
	c.mu.Lock()
	switch c.state {
	case StateActive:
		c.cancelRequested = true
		cancel := c.attemptCancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	case StateIdle, StateSuspended:
		c.mu.Unlock()
		c.fail(&Error{Kind: KindCancelled, Err: ErrCancelled})
	default:
		c.mu.Unlock()
	}
}

// Stop tears the transfer down without emitting events and without touching
// the partial file, so a later session can resume from it. Stop blocks until
// the transfer goroutine has settled, so the caller may close the backing
// store as soon as it returns. No-op once the transfer is terminal.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateActive {
		c.stopRequested = true
		cancel := c.resourceCancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		// The attempt flushes its in-flight bytes while unwinding;
		// wait for it before the store is torn down underneath it.
		c.wg.Wait()

		// The attempt may have settled into StateSuspended before it
		// saw the stop request.
		c.mu.Lock()
		if c.state == StateSuspended {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return
	}
	if c.state == StateSuspended {
		c.state = StateIdle
		if c.resourceCancel != nil {
			c.resourceCancel()
		}
	}
	c.mu.Unlock()
}

// ============================================================================
// Transfer goroutine
// ============================================================================

// run performs one attempt: issue the request, stream the body through the
// in-flight buffer, and decide on unwind whether the transfer completed,
// suspended, stopped or failed. Exactly one run goroutine exists per active
// controller.
func (c *Controller) run(offset int64) {
	defer c.wg.Done()

	ctx, span := telemetry.StartTransferSpan(c.resourceCtx, c.opts.URL, offset)
	defer span.End()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.attemptCancel = cancel
	c.mu.Unlock()

	resp, err := c.issue(attemptCtx, offset)
	if err != nil {
		telemetry.RecordError(ctx, err)
		c.unwind(err, "request")
		return
	}
	defer resp.Body.Close()

	offset, terminal := c.screen(resp, offset)
	if terminal {
		return
	}

	info := describe(resp)
	c.mu.Lock()
	c.expected = info.ExpectedTotal
	c.mu.Unlock()
	c.sink.TransferStarted(info)

	logger.Debug("transfer attempt started",
		logger.KeyURL, c.opts.URL,
		logger.KeyOffset, offset,
		logger.KeyExpected, info.ExpectedTotal,
	)

	c.stream(resp.Body)
}

// issue builds and sends the (possibly ranged) GET for one attempt.
func (c *Controller) issue(ctx context.Context, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL, nil)
	if err != nil {
		return nil, &Error{Kind: KindServerStatus, Err: err}
	}
	for k, vs := range c.opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Cache-Control", "no-store")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if c.opts.IfRange != "" {
			req.Header.Set("If-Range", c.opts.IfRange)
		}
	}
	return c.client.Do(req)
}

// screen validates the response status against the offset we asked for.
// It returns the offset the body actually continues from, which drops to
// zero when the origin ignored our range, and whether the attempt already
// settled (completed or failed) during screening.
func (c *Controller) screen(resp *http.Response, offset int64) (int64, bool) {
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		return offset, false

	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// The origin ignored the range, or If-Range detected a
			// changed resource. The persisted prefix belongs to the
			// old representation.
			logger.Info("origin returned full body on ranged request, restarting",
				logger.KeyURL, c.opts.URL,
				logger.KeyOffset, offset,
			)
			if err := c.store.Truncate(); err != nil {
				c.fail(&Error{Kind: KindFilesystem, Err: err})
				return 0, true
			}
		}
		return 0, false

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// A range at exactly the resource size means the previous
		// session already persisted every byte.
		if total, ok := parseUnsatisfiedRange(resp.Header.Get("Content-Range")); ok && total == offset {
			c.mu.Lock()
			c.expected = total
			c.mu.Unlock()
			c.finish()
			return offset, true
		}
		c.fail(&Error{Kind: KindServerStatus, Status: resp.StatusCode})
		return offset, true

	default:
		c.fail(&Error{Kind: KindServerStatus, Status: resp.StatusCode})
		return offset, true
	}
}

// stream reads the body into the in-flight buffer, flushing at the threshold
// and once more when the body ends, then runs size verification.
func (c *Controller) stream(body io.Reader) {
	threshold := c.opts.FlushThreshold
	if threshold <= 0 {
		threshold = readBufferSize
	}
	buf := make([]byte, readBufferSize)
	pending := make([]byte, 0, threshold+readBufferSize)

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			if len(pending) >= threshold {
				if !c.flush(&pending) {
					return
				}
			}
		}
		if rerr == io.EOF {
			if !c.flush(&pending) {
				return
			}
			c.finish()
			return
		}
		if rerr != nil {
			// Bytes received before the error are valid; persist
			// them so a resume continues past them.
			if !c.flush(&pending) {
				return
			}
			c.unwind(rerr, "body")
			return
		}
		// A suspend or cancel that raced an attempt relaunch may have
		// cancelled the previous attempt's context instead of ours;
		// honor the request here rather than streaming through it.
		if c.interruptRequested() {
			if !c.flush(&pending) {
				return
			}
			c.unwind(context.Canceled, "interrupt")
			return
		}
	}
}

// interruptRequested reports whether a suspend or cancel request is pending.
// The requester cancels whatever attempt context it captured, which may
// already be stale when a relaunch races it.
func (c *Controller) interruptRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspendRequested || c.cancelRequested
}

// flush appends the in-flight buffer to the store and notifies the sink.
// Returns false after failing the transfer on a store error.
func (c *Controller) flush(pending *[]byte) bool {
	if len(*pending) == 0 {
		return true
	}
	n := int64(len(*pending))
	if err := c.store.Append(*pending); err != nil {
		c.mu.Lock()
		if c.stopRequested {
			// Teardown raced the flush. The partial file survives
			// as is; only the unflushed tail is lost.
			c.state = StateIdle
			c.mu.Unlock()
			logger.Warn("dropping in-flight bytes on teardown",
				logger.KeyPath, c.store.Path(),
				logger.KeyError, err,
			)
			return false
		}
		c.mu.Unlock()
		c.fail(&Error{Kind: KindFilesystem, Err: err})
		return false
	}
	*pending = (*pending)[:0]
	c.sink.BytesFlushed(n, c.store.Size())
	return true
}

// finish verifies the persisted size and settles the transfer as completed.
func (c *Controller) finish() {
	size := c.store.Size()

	c.mu.Lock()
	expected := c.expected
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.opts.VerifySize && expected >= 0 && size != expected {
		c.fail(&Error{
			Kind: KindSizeMismatch,
			Err:  fmt.Errorf("persisted %d bytes, origin declared %d", size, expected),
		})
		return
	}
	if c.opts.MinimumSize > 0 && size < c.opts.MinimumSize {
		c.fail(&Error{
			Kind: KindSizeMismatch,
			Err:  fmt.Errorf("persisted %d bytes, below minimum %d", size, c.opts.MinimumSize),
		})
		return
	}

	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = StateCompleted
	c.mu.Unlock()

	if c.resourceCancel != nil {
		c.resourceCancel()
	}

	logger.Info("transfer completed",
		logger.KeyURL, c.opts.URL,
		logger.KeyBytes, size,
	)
	c.sink.TransferCompleted()
}

// unwind decides what an interrupted attempt means: teardown, explicit
// cancellation, a requested suspend, a transient drop worth suspending over,
// or a terminal failure.
func (c *Controller) unwind(err error, phase string) {
	c.mu.Lock()

	switch {
	case c.stopRequested:
		c.state = StateIdle
		c.mu.Unlock()
		return

	case c.cancelRequested:
		c.mu.Unlock()
		c.fail(&Error{Kind: KindCancelled, Err: ErrCancelled})
		return

	case c.suspendRequested:
		c.suspendRequested = false
		c.settleSuspendedLocked("suspend requested")
		return
	}

	if c.resourceCtx.Err() != nil {
		c.mu.Unlock()
		c.fail(&Error{Kind: KindTimeout, Err: c.resourceCtx.Err()})
		return
	}

	if isTransient(err) {
		c.settleSuspendedLocked(err.Error())
		return
	}

	c.mu.Unlock()
	c.fail(&Error{Kind: KindServerStatus, Err: fmt.Errorf("%s: %w", phase, err)})
}

// settleSuspendedLocked moves an active attempt into StateSuspended, or
// relaunches immediately when a resume raced the suspend. Called with c.mu
// held; releases it.
func (c *Controller) settleSuspendedLocked(reason string) {
	if c.resumePending {
		c.resumePending = false
		c.wg.Add(1)
		go c.run(c.store.Size())
		c.mu.Unlock()
		return
	}
	c.state = StateSuspended
	c.mu.Unlock()

	logger.Warn("transfer suspended",
		logger.KeyURL, c.opts.URL,
		logger.KeyDownloaded, c.store.Size(),
		logger.KeyError, reason,
	)
}

// fail settles the transfer as failed exactly once: deletes the partial file
// and notifies the sink. Later calls are no-ops.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.mu.Unlock()

	if c.resourceCancel != nil {
		c.resourceCancel()
	}

	if derr := c.store.Delete(); derr != nil {
		logger.Error("failed to delete partial file",
			logger.KeyPath, c.store.Path(),
			logger.KeyError, derr,
		)
	}

	logger.Error("transfer failed",
		logger.KeyURL, c.opts.URL,
		logger.KeyError, err,
	)
	c.sink.TransferFailed(err)
}

// ============================================================================
// Response parsing
// ============================================================================

func describe(resp *http.Response) Info {
	info := Info{
		ExpectedTotal: -1,
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		ContentType:   resp.Header.Get("Content-Type"),
	}
	if resp.StatusCode == http.StatusPartialContent {
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			info.ExpectedTotal = total
		}
	} else if resp.ContentLength >= 0 {
		info.ExpectedTotal = resp.ContentLength
	}
	return info
}

// parseContentRangeTotal extracts the total from "bytes start-end/total".
// A "/*" total means the origin does not know the size.
func parseContentRangeTotal(v string) (int64, bool) {
	idx := strings.LastIndexByte(v, '/')
	if idx < 0 {
		return 0, false
	}
	total, err := strconv.ParseInt(v[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

// parseUnsatisfiedRange extracts the total from "bytes */total", the form a
// 416 response carries.
func parseUnsatisfiedRange(v string) (int64, bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes */") {
		return 0, false
	}
	total, err := strconv.ParseInt(strings.TrimPrefix(v, "bytes */"), 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}
