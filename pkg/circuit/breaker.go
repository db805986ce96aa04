// Package circuit provides a circuit breaker for minesync's remote calls.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/minesync/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit allows limited requests to test recovery
	StateHalfOpen
)

// String returns string representation of the state
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

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // Reported in rejection errors and state callbacks
	MaxFailures     int           // Maximum failures before opening
	SuccessRequired int           // Successful calls required to close from half-open
	Timeout         time.Duration // How long to wait before going to half-open
	ResetTimeout    time.Duration // How long to reset failure count in closed state

	// OnStateChange is invoked after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mutex  sync.RWMutex

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

type transition struct {
	from, to State
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:        config,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// Execute runs fn with circuit breaker protection
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn with circuit breaker protection and returns its result
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	allowed, tr := cb.allowRequest()
	cb.notify(tr)
	if !allowed {
		return zero, errors.New(errors.ErrorTypeNetwork, "circuit_breaker",
			"circuit breaker is open").
			WithContext("breaker", cb.config.Name).
			WithContext("state", StateOpen.String())
	}

	result, err := fn()
	cb.notify(cb.recordResult(err))

	return result, err
}

// IsOpenError reports whether err is a rejection by an open breaker
func IsOpenError(err error) bool {
	if !errors.IsType(err, errors.ErrorTypeNetwork) {
		return false
	}
	ctx := errors.GetContext(err)
	_, ok := ctx["breaker"]
	return ok && ctx["state"] == StateOpen.String()
}

func (cb *Breaker) notify(tr *transition) {
	if tr != nil && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, tr.from, tr.to)
	}
}

// allowRequest determines if a request should be allowed based on current state
func (cb *Breaker) allowRequest() (bool, *transition) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		return true, nil

	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			return true, &transition{from: StateOpen, to: StateHalfOpen}
		}
		return false, nil

	case StateHalfOpen:
		return true, nil

	default:
		return false, nil
	}
}

// countsAsFailure keeps caller mistakes and missing records from tripping the breaker
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.IsType(err, errors.ErrorTypeValidation) && !errors.IsType(err, errors.ErrorTypeNotFound)
}

// recordResult records the result of a function execution
func (cb *Breaker) recordResult(err error) *transition {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if countsAsFailure(err) {
		cb.failures++
		cb.lastFailTime = time.Now()

		if cb.state == StateClosed && cb.failures >= cb.config.MaxFailures {
			cb.state = StateOpen
			cb.successes = 0
			return &transition{from: StateClosed, to: StateOpen}
		}
		if cb.state == StateHalfOpen {
			cb.state = StateOpen
			cb.successes = 0
			return &transition{from: StateHalfOpen, to: StateOpen}
		}
		return nil
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessRequired {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.lastResetTime = time.Now()
			return &transition{from: StateHalfOpen, to: StateClosed}
		}
	case StateClosed:
		cb.successes++
	}
	return nil
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return Stats{
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = time.Now()
	cb.mutex.Unlock()

	if from != StateClosed {
		cb.notify(&transition{from: from, to: StateClosed})
	}
}
