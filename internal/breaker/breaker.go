// Package breaker guards calls to external services with per-service
// circuit breakers built on sony/gobreaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/contentflow/internal/config"
)

// State is the externally reported breaker state.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// Default thresholds.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultTimeout          = 60 * time.Second
)

// Config tunes one breaker.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures that open a closed circuit
	SuccessThreshold int           `json:"success_threshold"` // Consecutive half-open successes that close it
	Timeout          time.Duration `json:"timeout"`           // How long the circuit stays open
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
		Timeout:          DefaultTimeout,
	}
}

// merge fills zero fields of c from base.
func (c Config) merge(base Config) Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = base.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = base.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = base.Timeout
	}
	return c
}

// ConfigFromProvider converts a provider section of the config file.
func ConfigFromProvider(p config.ProviderConfig) Config {
	return Config{
		FailureThreshold: p.FailureThreshold,
		SuccessThreshold: p.SuccessThreshold,
		Timeout:          p.Timeout.Duration,
	}
}

// ErrCircuitOpen matches every fast-fail rejection via errors.Is.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError is returned when a call is rejected without reaching the
// service.
type CircuitOpenError struct {
	Service string
	State   State
	Err     error // gobreaker.ErrOpenState or gobreaker.ErrTooManyRequests
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %q is %s", e.Service, e.State)
}

func (e *CircuitOpenError) Unwrap() []error {
	return []error{ErrCircuitOpen, e.Err}
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Service          string     `json:"service"`
	State            State      `json:"state"`
	FailureCount     int        `json:"failure_count"`
	SuccessCount     int        `json:"success_count"`
	FailureThreshold int        `json:"failure_threshold"`
	SuccessThreshold int        `json:"success_threshold"`
	LastFailureTime  *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime  *time.Time `json:"last_success_time,omitempty"`
	OpenedAt         *time.Time `json:"opened_at,omitempty"`
	NextAttemptTime  *time.Time `json:"next_attempt_time,omitempty"`
	TotalRequests    int64      `json:"total_requests"`
	TotalFailures    int64      `json:"total_failures"`
	TotalSuccesses   int64      `json:"total_successes"`
	TotalRejected    int64      `json:"total_rejected"`
}

// Healthy reports whether the circuit is closed.
func (s Stats) Healthy() bool {
	return s.State == Closed
}

// SuccessRate is the share of admitted calls that succeeded, in percent.
func (s Stats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalSuccesses) / float64(s.TotalRequests) * 100
}

// Summary renders a one-line status for operators.
func (s Stats) Summary(now time.Time) string {
	out := fmt.Sprintf("Circuit: %s | Success Rate: %.1f%% (%d/%d)",
		s.State, s.SuccessRate(), s.TotalSuccesses, s.TotalRequests)
	if s.State == Open && s.NextAttemptTime != nil {
		wait := s.NextAttemptTime.Sub(now)
		if wait < 0 {
			wait = 0
		}
		out += fmt.Sprintf(" | Retry in %ds", int((wait+time.Second-1)/time.Second))
	}
	return out
}

// Breaker protects calls to one named service.
type Breaker struct {
	service  string
	cfg      Config
	logger   *slog.Logger
	onChange func(service string, from, to State)

	// mu guards the fields below. It is never held while calling into cb,
	// because cb invokes the state-change hook under its own lock.
	mu          sync.Mutex
	cb          *gobreaker.CircuitBreaker
	openedAt    time.Time
	lastFailure time.Time
	lastSuccess time.Time
	requests    int64
	failures    int64
	successes   int64
	rejected    int64
}

func newBreaker(service string, cfg Config, logger *slog.Logger, onChange func(string, State, State)) *Breaker {
	b := &Breaker{
		service:  service,
		cfg:      cfg,
		logger:   logger,
		onChange: onChange,
	}
	b.cb = b.newCircuit()
	return b
}

func (b *Breaker) newCircuit() *gobreaker.CircuitBreaker {
	threshold := uint32(b.cfg.FailureThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.service,
		MaxRequests: uint32(b.cfg.SuccessThreshold), // Trial calls admitted while half-open
		Interval:    0,                              // Don't clear counts while closed
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.stateChanged(fromGobreaker(from), fromGobreaker(to))
		},
		IsSuccessful: isSuccessful,
	})
}

// callerAbort marks an error returned after the caller's own context ended.
// It is the only error gobreaker treats as a non-failure.
type callerAbort struct {
	err error
}

func (e *callerAbort) Error() string { return e.err.Error() }
func (e *callerAbort) Unwrap() error { return e.err }

func isSuccessful(err error) bool {
	var abort *callerAbort
	return err == nil || errors.As(err, &abort)
}

func (b *Breaker) stateChanged(from, to State) {
	b.mu.Lock()
	if to == Open {
		b.openedAt = time.Now()
	}
	b.mu.Unlock()

	b.logger.Info("circuit breaker state change", "service", b.service, "from", string(from), "to", string(to))
	if b.onChange != nil {
		b.onChange(b.service, from, to)
	}
}

// Service returns the service name.
func (b *Breaker) Service() string {
	return b.service
}

// Config returns the effective settings.
func (b *Breaker) Config() Config {
	return b.cfg
}

func (b *Breaker) circuit() *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb
}

// Execute runs fn unless the circuit rejects the call. Rejections return a
// *CircuitOpenError and fn is never invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A provider deadline (an http.Client timeout, say) is a service
	// failure even though it matches context.DeadlineExceeded. Only the
	// caller's context ending excuses the error.
	result, err := b.circuit().Execute(func() (interface{}, error) {
		res, err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			return res, &callerAbort{err: err}
		}
		return res, err
	})

	var abort *callerAbort
	if errors.As(err, &abort) {
		return result, abort.err
	}

	now := time.Now()
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		b.count(func() { b.rejected++ })
		return nil, &CircuitOpenError{Service: b.service, State: Open, Err: err}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		b.count(func() { b.rejected++ })
		return nil, &CircuitOpenError{Service: b.service, State: HalfOpen, Err: err}
	case err == nil:
		b.count(func() {
			b.requests++
			b.successes++
			b.lastSuccess = now
		})
	default:
		b.count(func() {
			b.requests++
			b.failures++
			b.lastFailure = now
		})
	}

	return result, err
}

func (b *Breaker) count(update func()) {
	b.mu.Lock()
	update()
	b.mu.Unlock()
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	cb := b.cb
	openedAt := b.openedAt
	s := Stats{
		Service:          b.service,
		FailureThreshold: b.cfg.FailureThreshold,
		SuccessThreshold: b.cfg.SuccessThreshold,
		LastFailureTime:  timePtr(b.lastFailure),
		LastSuccessTime:  timePtr(b.lastSuccess),
		TotalRequests:    b.requests,
		TotalFailures:    b.failures,
		TotalSuccesses:   b.successes,
		TotalRejected:    b.rejected,
	}
	b.mu.Unlock()

	// State() may move an expired open circuit to half-open and fire the hook
	s.State = fromGobreaker(cb.State())
	counts := cb.Counts()
	s.FailureCount = int(counts.ConsecutiveFailures)
	if s.State == HalfOpen {
		s.SuccessCount = int(counts.ConsecutiveSuccesses)
	}
	if s.State == Open && !openedAt.IsZero() {
		next := openedAt.Add(b.cfg.Timeout)
		s.OpenedAt = &openedAt
		s.NextAttemptTime = &next
	}
	return s
}

// State returns the current state.
func (b *Breaker) State() State {
	return fromGobreaker(b.circuit().State())
}

// Reset closes the circuit and clears counters and timestamps. Cumulative
// totals are kept.
func (b *Breaker) Reset() {
	from := b.State()

	b.mu.Lock()
	b.cb = b.newCircuit()
	b.openedAt = time.Time{}
	b.lastFailure = time.Time{}
	b.lastSuccess = time.Time{}
	b.mu.Unlock()

	b.logger.Info("circuit breaker manually reset", "service", b.service)
	if from != Closed && b.onChange != nil {
		b.onChange(b.service, from, Closed)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
