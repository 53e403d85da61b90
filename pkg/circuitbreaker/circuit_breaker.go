package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
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

// CircuitBreaker fails remote-store calls fast once the store has
// proven unreachable, instead of burning a full timeout per attempt.
type CircuitBreaker struct {
	name             string
	maxFailures      uint32
	cooldown         time.Duration
	halfOpenMaxCalls uint32

	mu              sync.Mutex
	state           State
	failures        uint32
	successes       uint32
	lastFailureTime time.Time

	logger *logrus.Logger
}

// New creates a circuit breaker that opens after maxFailures
// consecutive failures and probes again after the cooldown.
func New(name string, maxFailures uint32, cooldown time.Duration, logger *logrus.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logrus.New()
	}
	return &CircuitBreaker{
		name:             name,
		maxFailures:      maxFailures,
		cooldown:         cooldown,
		halfOpenMaxCalls: 3,
		state:            StateClosed,
		logger:           logger,
	}
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return &OpenError{Name: cb.name, State: cb.CurrentState()}
	}

	err := fn(ctx)
	if err != nil {
		cb.onFailure()
		return err
	}

	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.cooldown {
			cb.state = StateHalfOpen
			cb.successes = 0
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.name,
				"state":           StateHalfOpen.String(),
			}).Info("Circuit breaker transitioned to half-open")
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateHalfOpen {
		cb.failures = 0
		return
	}

	cb.successes++
	if cb.successes >= cb.halfOpenMaxCalls {
		cb.state = StateClosed
		cb.failures = 0
		cb.successes = 0
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"state":           StateClosed.String(),
		}).Info("Circuit breaker closed after successful recovery")
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		if cb.state != StateOpen {
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.name,
				"failures":        cb.failures,
				"state":           StateOpen.String(),
			}).Warn("Circuit breaker opened due to failures")
		}
		cb.state = StateOpen
	}
}

// CurrentState returns the current state of the circuit breaker
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OpenError is returned when a call is rejected by an open breaker.
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s", e.Name, e.State)
}

// IsOpenError reports whether err is a breaker rejection.
func IsOpenError(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}
