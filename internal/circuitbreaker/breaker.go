// Package circuitbreaker guards calls to flaky upstreams. Each key gets an
// independent circuit that opens after a run of consecutive failures and
// lets a single probe through once the open window has passed.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the externally visible condition of one circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settle",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

// circuit holds the state for one key. An open circuit rejects calls until
// the breaker's window has passed since openedAt; then exactly one probe
// may go through (probing) and its outcome decides open vs closed.
type circuit struct {
	streak   int
	open     bool
	openedAt time.Time
	probing  bool
}

// Breaker trips per-key circuits after limit consecutive failures and
// keeps them open for window before probing. Safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	limit    int
	window   time.Duration
	logger   *slog.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger used for state-change lines.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// New creates a breaker that opens a key after limit consecutive failures
// and holds it open for window before allowing a probe.
func New(limit int, window time.Duration, opts ...Option) *Breaker {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	b := &Breaker{
		circuits: make(map[string]*circuit),
		limit:    limit,
		window:   window,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call to key may proceed. When an open circuit's
// window has elapsed it admits a single probe; further calls are rejected
// until RecordSuccess or RecordFailure settles the probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil || !c.open {
		return true
	}
	if c.probing || time.Since(c.openedAt) < b.window {
		return false
	}
	c.probing = true
	b.record(key, StateOpen, StateHalfOpen)
	return true
}

// RecordSuccess resets the failure streak. A successful probe closes the
// circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return
	}
	if c.open && c.probing {
		c.open = false
		c.probing = false
		b.record(key, StateHalfOpen, StateClosed)
	}
	c.streak = 0
}

// RecordFailure extends the failure streak, opening the circuit at the
// limit. A failed probe restarts the open window.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.streak++

	if c.open {
		if c.probing {
			c.probing = false
			c.openedAt = time.Now()
			b.record(key, StateHalfOpen, StateOpen)
		}
		return
	}
	if c.streak >= b.limit {
		c.open = true
		c.openedAt = time.Now()
		b.record(key, StateClosed, StateOpen)
	}
}

// State returns the current state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	switch {
	case c == nil || !c.open:
		return StateClosed
	case c.probing:
		return StateHalfOpen
	default:
		return StateOpen
	}
}

// record must be called with b.mu held.
func (b *Breaker) record(key string, from, to State) {
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if to == StateOpen {
		b.logger.Warn("circuit opened", "key", key, "from", from.String())
		return
	}
	b.logger.Info("circuit state change", "key", key, "from", from.String(), "to", to.String())
}
