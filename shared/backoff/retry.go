// Copyright 2025 LexFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxRetries      int              // Maximum number of retry attempts
	InitialInterval time.Duration    // Initial wait interval
	MaxInterval     time.Duration    // Maximum wait interval
	Multiplier      float64          // Backoff multiplier
	FullJitter      bool             // Draw the wait uniformly from [0, interval]
	RetryIf         func(error) bool // Custom retry condition
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		FullJitter:      true,
		RetryIf:         DefaultRetryCondition,
	}
}

// DefaultRetryCondition returns true for transient errors
func DefaultRetryCondition(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Network errors: only timeouts are safe to retry
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	errMsg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"overloaded",
		"429",
		"503",
		"504",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	return false
}

// RetryableError wraps an error to indicate it should be retried
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error is marked as retryable
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// GetRetryAfter returns the retry-after duration if specified
func GetRetryAfter(err error) time.Duration {
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return retryable.RetryAfter
	}
	return 0
}

// NonRetryableError wraps an error to indicate it should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nonRetryable *NonRetryableError
	return errors.As(err, &nonRetryable)
}

// RetryFunc is the function type that can be retried
type RetryFunc[T any] func() (T, error)

// Retry executes a function with exponential backoff. Explicit retry-after
// hints on the error take precedence over the computed interval.
func Retry[T any](ctx context.Context, config *RetryConfig, fn RetryFunc[T]) (T, error) {
	var zero T

	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	interval := config.InitialInterval

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if IsNonRetryable(err) {
			return zero, err
		}

		if !IsRetryable(err) && config.RetryIf != nil && !config.RetryIf(err) {
			return zero, err
		}

		if attempt >= config.MaxRetries {
			break
		}

		waitTime := interval
		if retryAfter := GetRetryAfter(err); retryAfter > 0 {
			waitTime = retryAfter
		} else if config.FullJitter {
			waitTime = time.Duration(rand.Float64() * float64(waitTime))
		}

		if waitTime > config.MaxInterval {
			waitTime = config.MaxInterval
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(waitTime):
		}

		interval = time.Duration(float64(interval) * config.Multiplier)
		if interval > config.MaxInterval {
			interval = config.MaxInterval
		}
	}

	return zero, &RetryError{
		Err:      lastErr,
		Attempts: config.MaxRetries + 1,
	}
}

// RetryVoid executes a void function with retry
func RetryVoid(ctx context.Context, config *RetryConfig, fn func() error) error {
	_, err := Retry(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryError indicates all retry attempts failed
type RetryError struct {
	Err      error
	Attempts int
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name            string
	maxFailures     int
	resetTimeout    time.Duration
	halfOpenMax     int
	failures        int
	state           circuitState
	lastFailureTime time.Time
	halfOpenSuccess int
	mu              sync.Mutex
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  3, // successful calls needed to close the circuit
		state:        circuitClosed,
	}
}

// Execute runs the function through the circuit breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()

	if cb.state == circuitOpen {
		if time.Since(cb.lastFailureTime) > cb.resetTimeout {
			cb.state = circuitHalfOpen
			cb.halfOpenSuccess = 0
		} else {
			cb.mu.Unlock()
			return &CircuitOpenError{Name: cb.name}
		}
	}

	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.lastFailureTime = time.Now()

	if cb.state == circuitHalfOpen || cb.failures >= cb.maxFailures {
		cb.state = circuitOpen
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	if cb.state == circuitHalfOpen {
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.halfOpenMax {
			cb.state = circuitClosed
			cb.failures = 0
		}
	} else {
		cb.failures = 0
	}
}

// State returns the current circuit state as a string
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = circuitClosed
	cb.failures = 0
	cb.halfOpenSuccess = 0
}

// CircuitOpenError indicates the circuit is open
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open", e.Name)
}
