/**
 * @description
 * Three-state circuit breaker guarding calls to a single external dependency.
 *
 * CLOSED passes calls through and counts consecutive failures inside a
 * monitoring window. Reaching the threshold opens the breaker. OPEN rejects
 * every call with a CircuitOpenError until the cooldown elapses, after which the
 * breaker is HALF_OPEN and admits one trial at a time. Enough consecutive trial
 * successes close it again; any trial failure reopens it and restarts the cooldown.
 *
 * All counters are guarded by a mutex because many concurrent settlement
 * attempts share one breaker instance.
 */

package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText lets snapshots serialise states by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is matched by every CircuitOpenError.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned without invoking the wrapped call.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// BreakerSettings configures a Breaker. Zero values fall back to the defaults.
type BreakerSettings struct {
	FailureThreshold int
	MonitoringWindow time.Duration
	OpenTimeout      time.Duration
	SuccessThreshold int

	// IsFailure decides whether an error counts against the dependency.
	// Errors it rejects are treated like successes: the dependency answered.
	// context.Canceled is never scored either way.
	IsFailure func(error) bool

	Now func() time.Time
	// OnStateChange replaces the default state change log line.
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerSettings returns 5 failures / 60s window / 30s cooldown / 3 trials.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		MonitoringWindow: 60 * time.Second,
		OpenTimeout:      30 * time.Second,
		SuccessThreshold: 3,
	}
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	def := DefaultBreakerSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.MonitoringWindow <= 0 {
		s.MonitoringWindow = def.MonitoringWindow
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = def.OpenTimeout
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = def.SuccessThreshold
	}
	if s.IsFailure == nil {
		s.IsFailure = func(error) bool { return true }
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return s
}

// BreakerSnapshot is a point-in-time copy of breaker state.
type BreakerSnapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastTransition       time.Time `json:"last_transition"`
}

// Breaker guards one class of call.
type Breaker struct {
	name     string
	settings BreakerSettings

	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	windowStart    time.Time
	lastTransition time.Time
	trialInFlight  bool
	// generation changes on every transition; outcomes of calls admitted
	// under an earlier generation are not counted.
	generation uint64
}

type transition struct {
	from, to State
}

// NewBreaker returns a closed breaker.
func NewBreaker(name string, settings BreakerSettings) *Breaker {
	settings = settings.withDefaults()
	return &Breaker{
		name:           name,
		settings:       settings,
		state:          StateClosed,
		lastTransition: settings.Now(),
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the breaker admits the call and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	generation, err := b.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(generation, err)
	return err
}

// State returns the current state, promoting OPEN to HALF_OPEN once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	var changes []transition
	b.promoteLocked(b.settings.Now(), &changes)
	state := b.state
	b.mu.Unlock()
	b.notify(changes)
	return state
}

// Snapshot returns a copy of the counters.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	var changes []transition
	b.promoteLocked(b.settings.Now(), &changes)
	snap := BreakerSnapshot{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastTransition:       b.lastTransition,
	}
	b.mu.Unlock()
	b.notify(changes)
	return snap
}

func (b *Breaker) allow() (uint64, error) {
	b.mu.Lock()
	now := b.settings.Now()
	var changes []transition
	b.promoteLocked(now, &changes)

	var err error
	switch b.state {
	case StateOpen:
		err = &CircuitOpenError{Name: b.name, RetryAfter: b.settings.OpenTimeout - now.Sub(b.lastTransition)}
	case StateHalfOpen:
		if b.trialInFlight {
			err = &CircuitOpenError{Name: b.name}
		} else {
			b.trialInFlight = true
		}
	}
	generation := b.generation
	b.mu.Unlock()
	b.notify(changes)
	return generation, err
}

func (b *Breaker) record(generation uint64, callErr error) {
	b.mu.Lock()
	if generation != b.generation {
		// Admitted under an earlier state; its outcome says nothing about this one.
		b.mu.Unlock()
		return
	}
	if errors.Is(callErr, context.Canceled) {
		// The caller gave up before the dependency answered.
		if b.state == StateHalfOpen {
			b.trialInFlight = false
		}
		b.mu.Unlock()
		return
	}

	failed := callErr != nil && b.settings.IsFailure(callErr)
	now := b.settings.Now()
	var changes []transition

	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			break
		}
		if b.failures == 0 || now.Sub(b.windowStart) > b.settings.MonitoringWindow {
			b.failures = 0
			b.windowStart = now
		}
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.transitionLocked(StateOpen, now, &changes)
		}
	case StateHalfOpen:
		b.trialInFlight = false
		if failed {
			b.transitionLocked(StateOpen, now, &changes)
			break
		}
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.transitionLocked(StateClosed, now, &changes)
		}
	}
	b.mu.Unlock()
	b.notify(changes)
}

func (b *Breaker) promoteLocked(now time.Time, changes *[]transition) {
	if b.state == StateOpen && now.Sub(b.lastTransition) >= b.settings.OpenTimeout {
		b.transitionLocked(StateHalfOpen, now, changes)
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time, changes *[]transition) {
	from := b.state
	b.state = to
	b.lastTransition = now
	b.failures = 0
	b.successes = 0
	b.trialInFlight = false
	b.generation++
	*changes = append(*changes, transition{from: from, to: to})
}

func (b *Breaker) notify(changes []transition) {
	for _, c := range changes {
		if b.settings.OnStateChange != nil {
			b.settings.OnStateChange(b.name, c.from, c.to)
			continue
		}
		log.Printf("level=warn component=circuit_breaker msg=\"state changed\" breaker=%s from=%s to=%s", b.name, c.from, c.to)
	}
}
