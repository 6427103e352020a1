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

package llm

import (
	"fmt"
	"time"
)

// ProviderType identifies an LLM provider implementation.
type ProviderType string

const (
	ProviderTypeAnthropic ProviderType = "anthropic"
	ProviderTypeBedrock   ProviderType = "bedrock"
	ProviderTypeStub      ProviderType = "stub"
)

// CompletionRequest is a provider-agnostic completion request.
type CompletionRequest struct {
	Prompt        string            `json:"prompt"`
	SystemPrompt  string            `json:"system_prompt,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   float64           `json:"temperature,omitempty"`
	TopP          float64           `json:"top_p,omitempty"`
	Model         string            `json:"model,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// UsageStats reports token consumption for a completion.
type UsageStats struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// CompletionResponse is a provider-agnostic completion result.
type CompletionResponse struct {
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	Usage        UsageStats    `json:"usage"`
	Latency      time.Duration `json:"latency"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

// CostEstimate is a pre-call cost projection in USD.
type CostEstimate struct {
	InputCost     float64 `json:"input_cost"`
	OutputCost    float64 `json:"output_cost"`
	TotalEstimate float64 `json:"total_estimate"`
}

// HealthStatus of a provider.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult is the outcome of one provider health probe.
type HealthCheckResult struct {
	Status      HealthStatus  `json:"status"`
	Latency     time.Duration `json:"latency"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
}

// Provider error codes.
const (
	ErrCodeRateLimit   = "rate_limit"
	ErrCodeTimeout     = "timeout"
	ErrCodeServerError = "server_error"
	ErrCodeUnavailable = "unavailable"
	ErrCodeAuth        = "auth_error"
	ErrCodeContent     = "content_blocked"
	ErrCodeBadRequest  = "bad_request"
)

// ProviderError is a typed error from a provider call.
type ProviderError struct {
	Provider   string `json:"provider"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
	Cause      error  `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error [%s]: %s", e.Provider, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError builds a ProviderError with retryability derived from the
// code.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeTimeout, ErrCodeServerError, ErrCodeUnavailable:
		return true
	}
	return false
}
