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

package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an engine failure. Errors are propagated as tagged
// values so the supervisor and the HTTP boundary can branch on the kind
// without parsing message strings.
type ErrorKind string

const (
	ErrInputInvalid      ErrorKind = "input_invalid"
	ErrPolicyDeny        ErrorKind = "policy_deny"
	ErrRetrievalDegraded ErrorKind = "retrieval_degraded"
	ErrRetrievalFailed   ErrorKind = "retrieval_failed"
	ErrToolRecoverable   ErrorKind = "tool_recoverable"
	ErrToolFatal         ErrorKind = "tool_fatal"
	ErrModelTransient    ErrorKind = "model_transient"
	ErrModelFatal        ErrorKind = "model_fatal"
	ErrParseFailure      ErrorKind = "parse_failure"
	ErrBudgetExhausted   ErrorKind = "budget_exhausted"
	ErrCancelled         ErrorKind = "cancelled"
	ErrAuditWriteFailed  ErrorKind = "audit_write_failed"
)

// EngineError is the tagged error value used across the engine.
type EngineError struct {
	Kind    ErrorKind
	Message string
	RuleID  string // set for policy denials
	RunID   string
	Cause   error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("[%s] %s (rule: %s)", e.Kind, e.Message, e.RuleID)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the supervisor may retry the failed operation.
func (e *EngineError) Retryable() bool {
	switch e.Kind {
	case ErrToolRecoverable, ErrModelTransient, ErrParseFailure:
		return true
	default:
		return false
	}
}

// Terminal reports whether the error must terminate the run.
func (e *EngineError) Terminal() bool {
	switch e.Kind {
	case ErrPolicyDeny, ErrModelFatal, ErrBudgetExhausted, ErrCancelled, ErrAuditWriteFailed:
		return true
	default:
		return false
	}
}

// NewError builds an EngineError with the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an EngineError wrapping a cause.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the error kind, defaulting to ErrToolFatal for untagged errors.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ErrToolFatal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}
