// Package cache implements the progressive download cache: one resource is
// streamed from an origin into a local file while arbitrary byte-range reads
// are answered against whatever prefix has been persisted so far. The engine
// wires a backing store, a resumable transfer, a connectivity monitor and a
// request fulfiller together and exposes the single public surface the
// playback layer talks to.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/streamcache/internal/bytesize"
	"github.com/marmos91/streamcache/internal/logger"
	"github.com/marmos91/streamcache/pkg/connectivity"
	"github.com/marmos91/streamcache/pkg/journal"
	"github.com/marmos91/streamcache/pkg/metrics"
	"github.com/marmos91/streamcache/pkg/store"
	"github.com/marmos91/streamcache/pkg/transfer"
)

// ErrClosed is returned by operations on a torn-down engine, and settles any
// read requests still pending at teardown.
var ErrClosed = errors.New("cache: engine closed")

// eventBufferSize bounds the engine event channel. Terminal events evict the
// oldest buffered event rather than being dropped.
const eventBufferSize = 128

// Config holds the cache tuning knobs.
type Config struct {
	// FlushThreshold is how many bytes accumulate in memory before being
	// flushed to disk.
	FlushThreshold bytesize.ByteSize `mapstructure:"flush_threshold" yaml:"flush_threshold"`

	// MaxReadChunk caps how many bytes one fulfillment delivers at a
	// time, bounding transient allocations for large requested ranges.
	MaxReadChunk bytesize.ByteSize `mapstructure:"max_read_chunk" yaml:"max_read_chunk"`

	// VerifySize compares the persisted size against the origin-declared
	// total once the stream ends.
	VerifySize bool `mapstructure:"verify_size" yaml:"verify_size"`

	// MinimumSize fails transfers that complete below this size. Zero
	// disables the check.
	MinimumSize bytesize.ByteSize `mapstructure:"minimum_size" yaml:"minimum_size"`

	// RequestTimeout bounds the wait for response headers per attempt.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// ResourceTimeout bounds the whole transfer. Zero means no deadline.
	ResourceTimeout time.Duration `mapstructure:"resource_timeout" yaml:"resource_timeout"`
}

func DefaultConfig() Config {
	return Config{
		FlushThreshold:  64 * 1024,
		MaxReadChunk:    512 * 1024,
		VerifySize:      true,
		MinimumSize:     0,
		RequestTimeout:  30 * time.Second,
		ResourceTimeout: 0,
	}
}

// Options bind an engine to one URL/file pair and its collaborators. Monitor,
// Journal and Metrics are all optional.
type Options struct {
	URL     string
	Path    string
	Headers http.Header

	// Monitor drives suspend on disconnect and resume on reconnect.
	Monitor *connectivity.Monitor

	// Journal persists session state so a later process can resume the
	// partial file safely.
	Journal *journal.Journal

	Metrics metrics.CacheMetrics

	// Client overrides the transfer HTTP client, mainly for tests.
	Client *http.Client
}

// Engine caches exactly one resource. Create one per item; tear it down with
// Close. All methods are safe for concurrent use.
type Engine struct {
	cfg  Config
	opts Options

	store *store.FileStore
	ful   *fulfiller
	ctrl  *transfer.Controller

	events chan Event

	mu         sync.Mutex
	started    bool
	closed     bool
	downloaded int64
	expected   int64
	startedAt  time.Time

	connCh    <-chan bool
	watchStop chan struct{}
	watchDone chan struct{}
}

// New builds an engine over the file at opts.Path, which may already hold a
// partial prefix from an earlier session. The transfer does not start until
// Start or the first SubmitRead.
func New(cfg Config, opts Options) (*Engine, error) {
	if opts.URL == "" {
		return nil, errors.New("cache: url is required")
	}
	if opts.Path == "" {
		return nil, errors.New("cache: path is required")
	}

	st, err := store.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("cache: open backing store: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		opts:       opts,
		store:      st,
		events:     make(chan Event, eventBufferSize),
		downloaded: st.Size(),
		expected:   -1,
	}
	e.ful = newFulfiller(st, int64(cfg.MaxReadChunk), opts.Metrics)

	// A journal entry from an earlier session supplies the If-Range
	// validator, so resuming over a changed resource restarts from zero
	// instead of splicing stale bytes.
	ifRange := ""
	if opts.Journal != nil && st.Size() > 0 {
		if entry, jerr := opts.Journal.Get(opts.URL); jerr == nil && entry.Path == opts.Path {
			ifRange = entry.Validator()
			e.expected = entry.ExpectedSize
		}
	}

	e.ctrl = transfer.New(transfer.Options{
		URL:             opts.URL,
		Headers:         opts.Headers,
		IfRange:         ifRange,
		FlushThreshold:  int(cfg.FlushThreshold),
		VerifySize:      cfg.VerifySize,
		MinimumSize:     int64(cfg.MinimumSize),
		RequestTimeout:  cfg.RequestTimeout,
		ResourceTimeout: cfg.ResourceTimeout,
		Client:          opts.Client,
	}, st, e)

	if opts.Monitor != nil {
		e.connCh = opts.Monitor.Subscribe()
		e.watchStop = make(chan struct{})
		e.watchDone = make(chan struct{})
		go e.watchConnectivity()
	}

	return e, nil
}

// ============================================================================
// Public surface
// ============================================================================

// Start launches the transfer. Idempotent; SubmitRead calls it implicitly on
// the first read.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	logger.Info("cache session starting",
		logger.KeyURL, e.opts.URL,
		logger.KeyPath, e.opts.Path,
		logger.KeyDownloaded, e.store.Size(),
	)
	return e.ctrl.Start(ctx)
}

// SubmitRead enqueues a byte-range read and runs one fulfillment pass
// immediately. The first read starts the transfer.
func (e *Engine) SubmitRead(offset, length int64) (*ReadRequest, error) {
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("cache: invalid range offset=%d length=%d", offset, length)
	}
	if err := e.Start(context.Background()); err != nil {
		return nil, err
	}
	return e.ful.submit(offset, length)
}

// CancelRead withdraws a pending request. No engine event fires; the
// request's own consumer observes ErrRequestCancelled.
func (e *Engine) CancelRead(r *ReadRequest) {
	e.ful.cancel(r)
}

// Progress returns bytes persisted and the expected total, with -1 for an
// unknown total.
func (e *Engine) Progress() (downloaded, expected int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.downloaded, e.expected
}

// State returns the transfer lifecycle state.
func (e *Engine) State() transfer.State {
	return e.ctrl.State()
}

// Events returns the engine notification channel. It is never closed;
// consumers select on it alongside their own shutdown signal.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Path returns the backing file location.
func (e *Engine) Path() string {
	return e.opts.Path
}

// Cancel terminates the transfer, deleting the partial file and rejecting
// pending reads. Always terminal, even while suspended.
func (e *Engine) Cancel() {
	e.ctrl.Cancel()
}

// Close tears the engine down. A partial file survives for a later resume; a
// completed file is untouched. Pending reads are rejected with ErrClosed.
// Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.ctrl.Stop()
	if e.watchStop != nil {
		close(e.watchStop)
		<-e.watchDone
	}
	e.ful.rejectAll(ErrClosed)

	if e.opts.Journal != nil && !e.ctrl.State().Terminal() {
		err := e.opts.Journal.Put(journal.Entry{
			URL:          e.opts.URL,
			Path:         e.opts.Path,
			ExpectedSize: e.ctrl.Expected(),
			Downloaded:   e.store.Size(),
		})
		if err != nil {
			logger.Warn("failed to journal session on close", logger.KeyError, err)
		}
	}

	return e.store.Close()
}

// ============================================================================
// Connectivity
// ============================================================================

func (e *Engine) watchConnectivity() {
	defer close(e.watchDone)
	for {
		select {
		case <-e.watchStop:
			return
		case connected := <-e.connCh:
			if connected {
				if e.opts.Metrics != nil {
					e.opts.Metrics.RecordResume()
				}
				e.ctrl.Resume()
			} else {
				if e.opts.Metrics != nil {
					e.opts.Metrics.RecordSuspend()
				}
				e.ctrl.Suspend()
			}
		}
	}
}

// ============================================================================
// transfer.Sink
// ============================================================================

// TransferStarted records the origin-declared total and journals the
// session validators for cross-process resume.
func (e *Engine) TransferStarted(info transfer.Info) {
	e.mu.Lock()
	e.expected = info.ExpectedTotal
	e.mu.Unlock()

	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordTransferStarted()
	}
	if e.opts.Journal != nil {
		err := e.opts.Journal.Put(journal.Entry{
			URL:          e.opts.URL,
			Path:         e.opts.Path,
			ETag:         info.ETag,
			LastModified: info.LastModified,
			ExpectedSize: info.ExpectedTotal,
			Downloaded:   e.store.Size(),
		})
		if err != nil {
			logger.Warn("failed to journal session start", logger.KeyError, err)
		}
	}
}

// BytesFlushed re-evaluates pending reads against the grown store and emits
// a progress event.
func (e *Engine) BytesFlushed(n, total int64) {
	e.mu.Lock()
	e.downloaded = total
	expected := e.expected
	e.mu.Unlock()

	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordFlush(n)
		e.opts.Metrics.SetProgress(total, expected)
	}

	e.ful.evaluate()
	e.emit(Event{Kind: EventProgress, Downloaded: total, Expected: expected})
}

// TransferCompleted settles every satisfiable read, finalizes the journal
// entry and emits the completion event.
func (e *Engine) TransferCompleted() {
	size := e.store.Size()

	e.mu.Lock()
	e.downloaded = size
	startedAt := e.startedAt
	e.mu.Unlock()

	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordTransferCompleted(time.Since(startedAt))
		e.opts.Metrics.SetProgress(size, size)
	}

	e.ful.finishAtEOF(size)

	if e.opts.Journal != nil {
		err := e.opts.Journal.Put(journal.Entry{
			URL:          e.opts.URL,
			Path:         e.opts.Path,
			ExpectedSize: size,
			Downloaded:   size,
			Completed:    true,
		})
		if err != nil {
			logger.Warn("failed to journal completion", logger.KeyError, err)
		}
	}

	e.emitTerminal(Event{
		Kind:       EventCompleted,
		Downloaded: size,
		Expected:   size,
		Path:       e.opts.Path,
	})
}

// TransferFailed rejects every pending read, drops the journal entry (the
// partial file is already gone) and emits the failure event.
func (e *Engine) TransferFailed(err error) {
	if e.opts.Metrics != nil {
		kind, _ := transfer.KindOf(err)
		e.opts.Metrics.RecordTransferFailed(kind.String())
	}

	e.ful.rejectAll(err)

	if e.opts.Journal != nil {
		if jerr := e.opts.Journal.Delete(e.opts.URL); jerr != nil {
			logger.Warn("failed to drop journal entry", logger.KeyError, jerr)
		}
	}

	e.emitTerminal(Event{Kind: EventFailed, Err: err})
}

// ============================================================================
// Event delivery
// ============================================================================

// emit delivers best-effort: a full buffer drops the event.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// emitTerminal always delivers, evicting the oldest buffered event if the
// consumer has fallen behind.
func (e *Engine) emitTerminal(ev Event) {
	for {
		select {
		case e.events <- ev:
			return
		default:
			select {
			case <-e.events:
			default:
			}
		}
	}
}
