// Package connectivity tracks network reachability and notifies subscribers
// on transitions. The cache engine suspends transfers while the network is
// down and resumes them when it comes back.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/marmos91/streamcache/internal/logger"
)

// Prober answers a single reachability question. Implementations must be
// safe for concurrent use.
type Prober interface {
	Probe(ctx context.Context) bool
}

// DialProber probes by opening a TCP connection to a well-known address.
type DialProber struct {
	Address string
	Timeout time.Duration
}

func (p *DialProber) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", p.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Config configures a Monitor.
type Config struct {
	// Interval between probes.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// ProbeAddress is the host:port the dial prober connects to.
	ProbeAddress string `mapstructure:"probe_address" yaml:"probe_address"`

	// ProbeTimeout bounds each probe attempt.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Interval:     2 * time.Second,
		ProbeAddress: "1.1.1.1:443",
		ProbeTimeout: 3 * time.Second,
	}
}

// Monitor polls a prober and publishes connectivity transitions. Repeated
// probes with the same answer are deduplicated: subscribers only hear about
// changes. External connectivity signals can be injected with Report, which
// platforms with push-style network notifications use instead of waiting for
// the next poll.
type Monitor struct {
	prober   Prober
	interval time.Duration

	mu        sync.Mutex
	connected bool
	subs      []chan bool
	started   bool

	stop chan struct{}
	done chan struct{}
}

// NewMonitor builds a monitor from cfg using a DialProber. The monitor
// assumes connectivity until the first probe answers.
func NewMonitor(cfg Config) *Monitor {
	return NewMonitorWithProber(&DialProber{
		Address: cfg.ProbeAddress,
		Timeout: cfg.ProbeTimeout,
	}, cfg.Interval)
}

// NewMonitorWithProber builds a monitor around a custom prober.
func NewMonitorWithProber(p Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		prober:    p,
		interval:  interval,
		connected: true,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Connected returns the last observed connectivity state.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribe returns a channel that receives the new state on every
// transition. The channel has capacity one and is never closed; a slow
// subscriber only ever sees the latest state, intermediate flips are
// coalesced.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Report injects a connectivity observation from outside the poll loop.
func (m *Monitor) Report(connected bool) {
	m.observe(connected)
}

// Start runs the poll loop until Stop is called or ctx ends. The first probe
// happens immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.loop(ctx)
}

// Stop terminates the poll loop and waits for it to exit. No-op if the
// monitor was never started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	m.observe(m.prober.Probe(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.observe(m.prober.Probe(ctx))
		}
	}
}

// observe records a state observation and fans out on transitions only.
func (m *Monitor) observe(connected bool) {
	m.mu.Lock()
	if connected == m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	logger.Info("connectivity changed", logger.KeyConnected, connected)
	for _, ch := range subs {
		// Replace a stale undelivered value so the subscriber always
		// reads the latest state.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- connected:
		default:
		}
	}
}
