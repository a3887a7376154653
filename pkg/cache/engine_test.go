package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/streamcache/pkg/connectivity"
	"github.com/marmos91/streamcache/pkg/journal"
	"github.com/marmos91/streamcache/pkg/transfer"
)

// serveRanged answers plain and "bytes=N-" ranged GETs over payload.
func serveRanged(t *testing.T, payload []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			w.Write(payload)
			return
		}
		offset, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
		if err != nil || offset > int64(len(payload)) {
			t.Errorf("bad range header %q", rng)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(payload)-1, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[offset:])
	}
}

func newTestEngine(t *testing.T, url string, mutate func(*Config, *Options)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FlushThreshold = 512
	cfg.MaxReadChunk = 512
	opts := Options{
		URL:  url,
		Path: filepath.Join(t.TempDir(), "item.bin"),
	}
	if mutate != nil {
		mutate(&cfg, &opts)
	}
	e, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// drainRequest collects every chunk until EOF.
func drainRequest(t *testing.T, r *ReadRequest) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var got []byte
	for {
		c, err := r.Next(ctx)
		if err == io.EOF {
			return got
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if c.Offset != r.Offset()+int64(len(got)) {
			t.Fatalf("chunk offset %d out of order", c.Offset)
		}
		got = append(got, c.Data...)
	}
}

func waitEvent(t *testing.T, e *Engine, kind EventKind) Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Kind == kind {
				return ev
			}
			if ev.Kind == EventFailed && kind != EventFailed {
				t.Fatalf("engine failed: %v", ev.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func waitState(t *testing.T, e *Engine, s transfer.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == s {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, still %s", s, e.State())
}

func TestReadRoundTripAfterCompletion(t *testing.T) {
	payload := pattern(20_000)
	srv := httptest.NewServer(serveRanged(t, payload))
	defer srv.Close()

	e := newTestEngine(t, srv.URL, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := waitEvent(t, e, EventCompleted)
	if ev.Path != e.Path() {
		t.Fatalf("completion path = %q, want %q", ev.Path, e.Path())
	}

	// Arbitrary slices submitted after completion round-trip exactly.
	for _, tc := range []struct{ offset, length int64 }{
		{0, 20_000},
		{0, 1},
		{19_999, 1},
		{7_000, 4_096},
	} {
		r, err := e.SubmitRead(tc.offset, tc.length)
		if err != nil {
			t.Fatalf("submit (%d,%d): %v", tc.offset, tc.length, err)
		}
		got := drainRequest(t, r)
		if !bytes.Equal(got, payload[tc.offset:tc.offset+tc.length]) {
			t.Fatalf("slice (%d,%d) differs from payload", tc.offset, tc.length)
		}
	}

	down, exp := e.Progress()
	if down != int64(len(payload)) || exp != int64(len(payload)) {
		t.Fatalf("progress = (%d,%d), want (%d,%d)", down, exp, len(payload), len(payload))
	}
}

func TestFirstReadStartsTransferAndPendsUntilData(t *testing.T) {
	payload := pattern(5_000)
	gate := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(gate) })
		<-r.Context().Done() // headers never sent until the client gives up
	}))
	// The engine must park the read while the origin stalls; swap in a
	// responsive origin for the retry below is not needed because we only
	// assert the parked state here.
	defer srv.Close()

	e := newTestEngine(t, srv.URL, nil)

	r, err := e.SubmitRead(0, int64(len(payload)))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-gate // transfer started lazily on first read

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := r.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("read should stay pending while no data exists, got %v", err)
	}
	if e.ful.pendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", e.ful.pendingCount())
	}
}

func TestIncrementalFulfillmentWhileDownloading(t *testing.T) {
	payload := pattern(8_000)
	srv := httptest.NewServer(serveRanged(t, payload))
	defer srv.Close()

	e := newTestEngine(t, srv.URL, nil)

	r, err := e.SubmitRead(0, int64(len(payload)))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := drainRequest(t, r)
	if !bytes.Equal(got, payload) {
		t.Fatal("incrementally delivered bytes differ from payload")
	}
}

func TestConnectivityLossSuspendsAndRecoveryResumes(t *testing.T) {
	payload := pattern(6_000)
	const cut = 2000

	var mu sync.Mutex
	var ranges []string
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		first := requests == 1
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()

		if first {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			w.Write(payload[:cut])
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		serveRanged(t, payload)(w, r)
	}))
	defer srv.Close()

	monitor := connectivity.NewMonitorWithProber(&staticProber{}, time.Hour)

	e := newTestEngine(t, srv.URL, func(cfg *Config, opts *Options) {
		cfg.FlushThreshold = 500
		opts.Monitor = monitor
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitDownloaded(t, e, cut)
	monitor.Report(false)
	waitState(t, e, transfer.StateSuspended)

	monitor.Report(true)
	waitEvent(t, e, EventCompleted)

	mu.Lock()
	gotRanges := append([]string(nil), ranges...)
	mu.Unlock()
	if len(gotRanges) != 2 || gotRanges[1] != fmt.Sprintf("bytes=%d-", cut) {
		t.Fatalf("range headers = %v, want second bytes=%d-", gotRanges, cut)
	}

	r, err := e.SubmitRead(0, int64(len(payload)))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !bytes.Equal(drainRequest(t, r), payload) {
		t.Fatal("bytes after suspend/resume differ from uninterrupted download")
	}
}

func TestFailureRejectsPendingReadsAndDeletesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL, nil)
	r, err := e.SubmitRead(0, 1024)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ev := waitEvent(t, e, EventFailed)
	if kind, ok := transfer.KindOf(ev.Err); !ok || kind != transfer.KindServerStatus {
		t.Fatalf("failure = %v, want KindServerStatus", ev.Err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.Next(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("pending read not rejected, err = %v", err)
	}
	if _, err := os.Stat(e.Path()); !os.IsNotExist(err) {
		t.Fatal("backing file still present after server error")
	}
}

func TestCancelReadProducesNoEvents(t *testing.T) {
	payload := pattern(3_000)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:1000])
		w.(http.Flusher).Flush()
		<-release
		w.Write(payload[1000:])
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL, func(cfg *Config, opts *Options) {
		cfg.FlushThreshold = 500
	})

	// The tail of this range is still behind the gate, so the request is
	// guaranteed pending when the cancel lands.
	r, err := e.SubmitRead(2_000, 1_000)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	e.CancelRead(r)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.Next(ctx); !errors.Is(err, ErrRequestCancelled) {
		t.Fatalf("err = %v, want ErrRequestCancelled", err)
	}
	waitEvent(t, e, EventCompleted)
}

func TestCloseKeepsPartialAndRejectsPending(t *testing.T) {
	payload := pattern(2_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL, func(cfg *Config, opts *Options) {
		cfg.FlushThreshold = 500
	})
	r, err := e.SubmitRead(50_000, 100)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDownloaded(t, e, 1)

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if _, err := os.Stat(e.Path()); err != nil {
		t.Fatalf("partial file missing after close: %v", err)
	}
	if _, err := e.SubmitRead(0, 10); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close err = %v, want ErrClosed", err)
	}
}

func TestCloseWhileReceivingKeepsPartialFile(t *testing.T) {
	payload := pattern(3_000)
	sent := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
		w.(http.Flusher).Flush()
		close(sent)
		<-r.Context().Done()
	}))
	defer srv.Close()

	// A threshold far above the body size keeps every received byte in
	// the in-flight buffer, so Close lands while the transfer goroutine
	// still has an unflushed tail.
	e := newTestEngine(t, srv.URL, func(cfg *Config, opts *Options) {
		cfg.FlushThreshold = 1 << 20
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-sent
	time.Sleep(50 * time.Millisecond)

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := os.Stat(e.Path()); err != nil {
		t.Fatalf("partial file missing after close: %v", err)
	}
	for {
		select {
		case ev := <-e.Events():
			if ev.Kind == EventFailed {
				t.Fatalf("close emitted failure: %v", ev.Err)
			}
		default:
			return
		}
	}
}

func TestJournalTracksSessionLifecycle(t *testing.T) {
	payload := pattern(4_000)
	srv := httptest.NewServer(serveRanged(t, payload))
	defer srv.Close()

	j, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	e := newTestEngine(t, srv.URL, func(cfg *Config, opts *Options) {
		opts.Journal = j
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEvent(t, e, EventCompleted)

	entry, err := j.Get(srv.URL)
	if err != nil {
		t.Fatalf("journal entry: %v", err)
	}
	if !entry.Completed || entry.Downloaded != int64(len(payload)) {
		t.Fatalf("entry = %+v, want completed with %d bytes", entry, len(payload))
	}
}

// staticProber always reports connected; tests drive transitions via Report.
type staticProber struct{}

func (staticProber) Probe(ctx context.Context) bool { return true }

func waitDownloaded(t *testing.T, e *Engine, atLeast int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if down, _ := e.Progress(); down >= atLeast {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	down, _ := e.Progress()
	t.Fatalf("timed out waiting for %d bytes, have %d", atLeast, down)
}
