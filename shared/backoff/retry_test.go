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
	"testing"
	"time"
)

func fastRetryConfig(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries:      maxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Multiplier:      2.0,
		RetryIf:         DefaultRetryCondition,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	result, err := Retry(context.Background(), fastRetryConfig(3), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("connection refused")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if result != "ok" || attempts != 3 {
		t.Errorf("result = %q, attempts = %d", result, attempts)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), fastRetryConfig(3), func() (int, error) {
		attempts++
		return 0, errors.New("invalid argument")
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, permanent errors must not retry", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), fastRetryConfig(2), func() (int, error) {
		attempts++
		return 0, errors.New("service unavailable")
	})

	var retryErr *RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("err = %v, want *RetryError", err)
	}
	if retryErr.Attempts != 3 || attempts != 3 {
		t.Errorf("Attempts = %d, calls = %d, want 3", retryErr.Attempts, attempts)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Retry(ctx, fastRetryConfig(3), func() (int, error) {
		return 0, errors.New("connection refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRetryableErrorMarkerForcesRetry(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), fastRetryConfig(1), func() (int, error) {
		attempts++
		// "business rule" is not transient by the default condition
		return 0, &RetryableError{Err: errors.New("business rule"), RetryAfter: time.Millisecond}
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, explicit marker must retry", attempts)
	}
}

func TestNonRetryableErrorMarkerStopsRetry(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), fastRetryConfig(3), func() (int, error) {
		attempts++
		// wrapped in a transient-looking message, the marker still wins
		return 0, &NonRetryableError{Err: errors.New("connection refused")}
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDefaultRetryCondition(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient pattern", errors.New("503 service unavailable"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"permanent", errors.New("record not found"), false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultRetryCondition(tt.err); got != tt.want {
				t.Errorf("DefaultRetryCondition(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Minute)
	fail := func() error { return errors.New("backend down") }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), fail); err == nil {
			t.Fatalf("Execute #%d should fail", i)
		}
	}
	if cb.State() != "open" {
		t.Fatalf("state = %s, want open", cb.State())
	}

	calls := 0
	err := cb.Execute(context.Background(), func() error { calls++; return nil })
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Errorf("err = %v, want *CircuitOpenError", err)
	}
	if calls != 0 {
		t.Error("open circuit must not run the function")
	}
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond)

	if err := cb.Execute(context.Background(), func() error { return errors.New("down") }); err == nil {
		t.Fatal("expected failure")
	}
	if cb.State() != "open" {
		t.Fatalf("state = %s", cb.State())
	}

	time.Sleep(15 * time.Millisecond)

	// three successes in half-open close the circuit
	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("half-open success #%d: %v", i, err)
		}
	}
	if cb.State() != "closed" {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Minute)
	_ = cb.Execute(context.Background(), func() error { return errors.New("down") })
	if cb.State() != "open" {
		t.Fatalf("state = %s", cb.State())
	}

	cb.Reset()
	if cb.State() != "closed" {
		t.Errorf("state after Reset = %s", cb.State())
	}
	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("Execute after Reset: %v", err)
	}
}
