// Package netmon tracks connectivity to the incident API.
//
// Raw observations arrive from platform callbacks (Observe) or from a
// polling Prober (Run). A changed state is committed only after it has
// held for the settle delay, and each committed transition produces exactly
// one Event per subscriber.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Event is a committed connectivity transition.
type Event struct {
	Online bool
	At     time.Time
}

// Prober checks whether the API is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

// Probe calls f(ctx).
func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

// HTTPProber reports online when a GET on URL gets any non-5xx answer.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober with its own short-timeout client.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Probe performs one reachability check.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Monitor debounces observations into committed transitions.
type Monitor struct {
	mu          sync.Mutex
	online      bool
	settleDelay time.Duration
	now         func() time.Time

	// candidate is the observed state waiting out the settle delay.
	candidate  bool
	timer      *time.Timer
	generation uint64

	subs   map[int]chan Event
	nextID int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSettleDelay sets how long a changed state must hold before it is committed.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Monitor) {
		m.settleDelay = d
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// New creates a Monitor starting in the given state.
func New(initial bool, opts ...Option) *Monitor {
	m := &Monitor{
		online: initial,
		now:    time.Now,
		subs:   make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online returns the committed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel receiving committed transitions and a function
// that ends the subscription and closes the channel. The channel holds one
// event; a slow reader sees only the newest.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Event, 1)
	m.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[id]; !ok {
				return // already closed by Close
			}
			delete(m.subs, id)
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Observe feeds one raw observation.
func (m *Monitor) Observe(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if online == m.online {
		// Back to the committed state: any pending change did not hold
		m.cancelLocked()
		return
	}
	if m.timer != nil && m.candidate == online {
		return
	}

	m.cancelLocked()
	m.candidate = online
	if m.settleDelay <= 0 {
		m.commitLocked(online)
		return
	}

	gen := m.generation
	m.timer = time.AfterFunc(m.settleDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.generation {
			return
		}
		m.timer = nil
		m.commitLocked(online)
	})
}

func (m *Monitor) cancelLocked() {
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) commitLocked(online bool) {
	if online == m.online {
		return
	}
	m.online = online
	ev := Event{Online: online, At: m.now()}

	logging.Info("Connectivity changed", map[string]interface{}{
		"online":      online,
		"subscribers": len(m.subs),
	})

	for _, ch := range m.subs {
		deliver(ch, ev)
	}
}

// deliver puts ev into a one-slot channel, replacing an unread older event.
func deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// Run probes every interval until ctx is done. The first probe runs immediately.
func (m *Monitor) Run(ctx context.Context, prober Prober, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		online := prober.Probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		m.Observe(online)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops any pending settle timer and closes every subscription.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
