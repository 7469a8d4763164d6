package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker for
// its dependency is open. No attempt is made against the dependency.
var ErrCircuitOpen = errors.New("circuit open")

// State is the circuit breaker state.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks consecutive failures for one downstream dependency.
// It is shared by every caller of that dependency.
type CircuitBreaker struct {
	name      string
	threshold int
	recovery  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	changedAt     time.Time
	trialInFlight bool
}

// Snapshot is a point-in-time view of a breaker for the API and metrics.
type Snapshot struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Threshold int       `json:"threshold"`
	ChangedAt time.Time `json:"changed_at"`
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and allows a trial call once recovery has elapsed.
func NewCircuitBreaker(name string, threshold int, recovery time.Duration, logger *slog.Logger) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		recovery:  recovery,
		logger:    logger.With("subsystem", "circuit", "dependency", name),
		now:       time.Now,
		changedAt: time.Now(),
	}
}

// Allow reports whether a call may proceed. An open breaker whose recovery
// timeout has elapsed moves to half-open and admits exactly one trial call.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.changedAt) < b.recovery {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess resets the failure counter and closes a half-open breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure counts one failed call. The breaker opens once the threshold
// is reached, and any failure while half-open reopens it.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.trialInFlight = false
	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.threshold {
			b.transition(StateOpen)
		}
	}
}

// release frees a half-open trial slot without recording an outcome. Used
// when the caller itself went away mid-call.
func (b *CircuitBreaker) release() {
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears its failure counter.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.logger.Info("circuit breaker reset")
}

// Snapshot returns a copy of the breaker's observable fields.
func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:      b.name,
		State:     b.state.String(),
		Failures:  b.failures,
		Threshold: b.threshold,
		ChangedAt: b.changedAt,
	}
}

// transition must be called with mu held.
func (b *CircuitBreaker) transition(to State) {
	from := b.state
	b.state = to
	b.changedAt = b.now()

	switch to {
	case StateOpen:
		b.logger.Error("circuit opened", "from", from.String(), "failures", b.failures, "recovery_in", b.recovery.String())
	default:
		b.logger.Info("circuit state changed", "from", from.String(), "to", to.String())
	}
}
