// Package resilience provides the circuit breaker that guards routed calls
// to downstream services.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/metarouter/core"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen admits a single probe request
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// ErrorClassifier determines which errors count toward the error rate.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors only. Validation,
// not-found, and client cancellation never trip the breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsValidation(err) || core.IsNotFound(err) || core.IsStateError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	return true
}

// Config holds circuit breaker tuning.
type Config struct {
	// Name identifies the breaker in logs and errors.
	Name string

	// ErrorThresholdPercent opens the circuit when the windowed error
	// percentage reaches it.
	ErrorThresholdPercent float64

	// VolumeThreshold is the minimum windowed request count before the
	// error percentage is evaluated.
	VolumeThreshold int

	// CallTimeout bounds a single admitted call; exceeding it counts as
	// a failure.
	CallTimeout time.Duration

	// ResetTimeout is how long the circuit stays open before admitting
	// the half-open probe.
	ResetTimeout time.Duration

	// WindowSize and BucketCount shape the sliding outcome window.
	WindowSize  time.Duration
	BucketCount int

	Classifier ErrorClassifier
	Logger     core.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:                  "router",
		ErrorThresholdPercent: 50,
		VolumeThreshold:       10,
		CallTimeout:           30 * time.Second,
		ResetTimeout:          30 * time.Second,
		WindowSize:            60 * time.Second,
		BucketCount:           10,
		Classifier:            DefaultErrorClassifier,
		Logger:                &core.NoOpLogger{},
	}
}

// bucket is one slot of the sliding outcome window.
type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// slidingWindow tracks recent call outcomes in rotating time buckets.
type slidingWindow struct {
	mu         sync.Mutex
	buckets    []bucket
	bucketSpan time.Duration
	now        func() time.Time
}

func newSlidingWindow(size time.Duration, count int, now func() time.Time) *slidingWindow {
	return &slidingWindow{
		buckets:    make([]bucket, count),
		bucketSpan: size / time.Duration(count),
		now:        now,
	}
}

func (w *slidingWindow) current() *bucket {
	now := w.now().Truncate(w.bucketSpan)
	idx := int(now.UnixNano()/int64(w.bucketSpan)) % len(w.buckets)
	b := &w.buckets[idx]
	if !b.start.Equal(now) {
		*b = bucket{start: now}
	}
	return b
}

func (w *slidingWindow) recordSuccess() {
	w.mu.Lock()
	w.current().successes++
	w.mu.Unlock()
}

func (w *slidingWindow) recordFailure() {
	w.mu.Lock()
	w.current().failures++
	w.mu.Unlock()
}

// stats returns total calls and failure count inside the window.
func (w *slidingWindow) stats() (total, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.bucketSpan * time.Duration(len(w.buckets)))
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.start.Before(cutoff) {
			continue
		}
		total += b.successes + b.failures
		failures += b.failures
	}
	return total, failures
}

func (w *slidingWindow) reset() {
	w.mu.Lock()
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
	w.mu.Unlock()
}

// CircuitBreaker implements the closed/open/half-open state machine over a
// sliding outcome window. State transitions are serialized by a mutex; the
// hot-path state read is atomic.
type CircuitBreaker struct {
	config *Config

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time
	window         *slidingWindow

	// probeInFlight gates the single half-open probe.
	probeInFlight atomic.Bool

	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64

	mu  sync.Mutex
	now func() time.Time
}

// NewCircuitBreaker creates a breaker; a nil config gets defaults.
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ErrorThresholdPercent <= 0 {
		config.ErrorThresholdPercent = 50
	}
	if config.VolumeThreshold <= 0 {
		config.VolumeThreshold = 10
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30 * time.Second
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount <= 0 {
		config.BucketCount = 10
	}
	if config.Classifier == nil {
		config.Classifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}

	cb := &CircuitBreaker{
		config: config,
		now:    time.Now,
	}
	cb.window = newSlidingWindow(config.WindowSize, config.BucketCount, func() time.Time { return cb.now() })
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(cb.now())

	config.Logger.Info("Circuit breaker created", map[string]interface{}{
		"operation":               "circuit_breaker_created",
		"name":                    config.Name,
		"error_threshold_percent": config.ErrorThresholdPercent,
		"volume_threshold":        config.VolumeThreshold,
		"reset_timeout_ms":        config.ResetTimeout.Milliseconds(),
	})
	return cb
}

// SetLogger replaces the breaker logger.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		cb.config.Logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		cb.config.Logger = cal.WithComponent("resilience")
	} else {
		cb.config.Logger = logger
	}
}

// SetClock overrides the time source for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.now = now
}

// GetState returns the current state, promoting OPEN to HALF-OPEN once the
// reset window has elapsed.
func (cb *CircuitBreaker) GetState() CircuitState {
	state := cb.state.Load().(CircuitState)
	if state == StateOpen && cb.RemainingReset() == 0 {
		return StateHalfOpen
	}
	return state
}

// RemainingReset reports how long until an open circuit admits its probe.
// Zero means the probe is admissible now.
func (cb *CircuitBreaker) RemainingReset() time.Duration {
	if cb.state.Load().(CircuitState) != StateOpen {
		return 0
	}
	changedAt := cb.stateChangedAt.Load().(time.Time)
	remaining := cb.config.ResetTimeout - cb.now().Sub(changedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Execute runs fn under breaker protection. An open circuit returns
// core.ErrCircuitBreakerOpen without invoking fn. Each admitted call is
// bounded by the configured call timeout; exceeding it is a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	token, allowed := cb.admit()
	if !allowed {
		cb.rejectedExecutions.Add(1)
		return fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}
	cb.totalExecutions.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, cb.config.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in routed call: %v", r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		cb.complete(token, err)
		return err
	case <-callCtx.Done():
		// The call overran its budget; record the failure now and let the
		// orphaned goroutine drain on its own.
		err := callCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("call exceeded %s: %w", cb.config.CallTimeout, core.ErrTimeout)
		}
		cb.complete(token, err)
		return err
	}
}

type executionToken struct {
	isProbe bool
}

func (cb *CircuitBreaker) admit() (executionToken, bool) {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return executionToken{}, true
	case StateOpen:
		if cb.RemainingReset() > 0 {
			return executionToken{}, false
		}
		cb.mu.Lock()
		if cb.state.Load().(CircuitState) == StateOpen && cb.RemainingReset() == 0 {
			cb.transitionLocked(StateHalfOpen)
		}
		cb.mu.Unlock()
		return cb.admit()
	case StateHalfOpen:
		// Exactly one probe at a time.
		if cb.probeInFlight.CompareAndSwap(false, true) {
			return executionToken{isProbe: true}, true
		}
		return executionToken{}, false
	default:
		return executionToken{}, false
	}
}

func (cb *CircuitBreaker) complete(token executionToken, err error) {
	failed := cb.config.Classifier(err)

	if token.isProbe {
		cb.probeInFlight.Store(false)
		cb.mu.Lock()
		if cb.state.Load().(CircuitState) == StateHalfOpen {
			if failed {
				cb.transitionLocked(StateOpen)
			} else {
				cb.transitionLocked(StateClosed)
			}
		}
		cb.mu.Unlock()
		return
	}

	if failed {
		cb.window.recordFailure()
	} else {
		cb.window.recordSuccess()
	}

	if !failed {
		return
	}
	total, failures := cb.window.stats()
	if total < cb.config.VolumeThreshold {
		return
	}
	if float64(failures)/float64(total)*100 < cb.config.ErrorThresholdPercent {
		return
	}
	cb.mu.Lock()
	if cb.state.Load().(CircuitState) == StateClosed {
		cb.transitionLocked(StateOpen)
	}
	cb.mu.Unlock()
}

// transitionLocked moves the state machine; callers hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state.Load().(CircuitState)
	if from == to {
		return
	}
	cb.state.Store(to)
	cb.stateChangedAt.Store(cb.now())
	if to == StateClosed {
		cb.window.reset()
	}
	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.config.Name,
		"from":      from.String(),
		"to":        to.String(),
	})
}

// Stats reports lifetime execution counters.
func (cb *CircuitBreaker) Stats() (total, rejected uint64) {
	return cb.totalExecutions.Load(), cb.rejectedExecutions.Load()
}
