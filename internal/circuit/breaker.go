// Package circuit guards calls to a remote store with a circuit breaker.
// After a run of consecutive failures the breaker opens and rejects calls
// with a SESSION_ERROR until its timeout elapses; one probe call is then let
// through, and its outcome closes or reopens the breaker.
package circuit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/donkomura/fsspec-chfs/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed passes every call through.
	StateClosed State = iota
	// StateOpen rejects calls.
	StateOpen
	// StateHalfOpen lets a single probe through.
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration `yaml:"timeout"`

	// IsFailure decides whether err counts against the breaker. Nil counts
	// every non-nil error.
	IsFailure func(err error) bool `yaml:"-"`
}

// Counts holds the numbers of calls and their outcomes since the last state
// change.
type Counts struct {
	Requests            uint32 `json:"requests"`
	Failures            uint32 `json:"failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	state   State
	counts  Counts
	expiry  time.Time
	probing bool
}

// New creates a breaker named name.
func New(name string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}

	return &Breaker{
		name:   name,
		config: config,
		logger: slog.Default().With("component", "circuit", "breaker", name),
		now:    time.Now,
	}
}

// Execute runs fn unless the breaker is open. A nil breaker always runs fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case StateOpen:
		return b.rejected("circuit open")
	case StateHalfOpen:
		if b.probing {
			return b.rejected("circuit half-open, probe in flight")
		}
		b.probing = true
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.current()
	b.probing = false

	if !b.config.IsFailure(err) {
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// current advances an expired open breaker to half-open. Callers hold mu.
func (b *Breaker) current() State {
	if b.state == StateOpen && !b.now().Before(b.expiry) {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}
	b.probing = false
	if state == StateOpen {
		b.expiry = b.now().Add(b.config.Timeout)
	}
	b.logger.Info("circuit state changed", "from", prev.String(), "to", state.String())
}

func (b *Breaker) rejected(msg string) error {
	return errors.NewError(errors.ErrCodeSessionError, msg).
		WithComponent("circuit").
		WithOperation(b.name).
		WithContext("retry_after", b.expiry.Sub(b.now()).String())
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// Counts returns a copy of the current counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.counts = Counts{}
}

// Name returns the name of the breaker.
func (b *Breaker) Name() string {
	return b.name
}
