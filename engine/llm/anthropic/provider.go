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

// Package anthropic implements the llm.Provider interface against the
// Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lexflow/platform/engine/llm"
)

const (
	defaultBaseURL    = "https://api.anthropic.com"
	defaultModel      = "claude-sonnet-4-20250514"
	apiVersion        = "2023-06-01"
	defaultMaxTokens  = 4096
	defaultHTTPTimeout = 120 * time.Second
)

// Pricing per million tokens, USD. Used for pre-call estimates only; the
// authoritative cost comes from the usage block of the response.
var modelPricing = map[string]struct{ input, output float64 }{
	"claude-sonnet-4-20250514": {3.0, 15.0},
	"claude-haiku-4-20250514":  {0.8, 4.0},
}

// Provider calls the Anthropic Messages API over HTTP.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// Config for the Anthropic provider.
type Config struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// New creates an Anthropic provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultHTTPTimeout
	}

	return &Provider{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return p.name }

// Type implements llm.Provider.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeAnthropic }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model         string    `json:"model"`
	MaxTokens     int       `json:"max_tokens"`
	Messages      []message `json:"messages"`
	System        string    `json:"system,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiResponse struct {
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := apiRequest{
		Model:         model,
		MaxTokens:     maxTokens,
		Messages:      []message{{Role: "user", Content: req.Prompt}},
		System:        req.SystemPrompt,
		StopSequences: req.StopSequences,
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		body.TopP = &req.TopP
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeBadRequest, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeBadRequest, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, llm.NewProviderError(p.name, llm.ErrCodeTimeout, ctx.Err().Error())
		}
		return nil, llm.NewProviderError(p.name, llm.ErrCodeUnavailable, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeServerError, err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.mapHTTPError(resp.StatusCode, raw)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeServerError, fmt.Sprintf("decode response: %v", err))
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &llm.CompletionResponse{
		Content: content,
		Model:   parsed.Model,
		Usage: llm.UsageStats{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		Latency:      time.Since(start),
		FinishReason: parsed.StopReason,
	}, nil
}

func (p *Provider) mapHTTPError(status int, raw []byte) *llm.ProviderError {
	var parsed apiError
	message := string(raw)
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	code := llm.ErrCodeServerError
	switch {
	case status == http.StatusTooManyRequests:
		code = llm.ErrCodeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = llm.ErrCodeAuth
	case status == http.StatusBadRequest:
		code = llm.ErrCodeBadRequest
	case status == 529: // overloaded
		code = llm.ErrCodeUnavailable
	case status >= 500:
		code = llm.ErrCodeServerError
	}

	perr := llm.NewProviderError(p.name, code, message)
	perr.StatusCode = status
	return perr
}

// HealthCheck implements llm.Provider with a one-token completion.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := p.Complete(probeCtx, llm.CompletionRequest{Prompt: "ping", MaxTokens: 1})
	if err != nil {
		return &llm.HealthCheckResult{
			Status:      llm.HealthStatusUnhealthy,
			Latency:     time.Since(start),
			Message:     err.Error(),
			LastChecked: time.Now(),
		}, nil
	}

	return &llm.HealthCheckResult{
		Status:      llm.HealthStatusHealthy,
		Latency:     time.Since(start),
		LastChecked: time.Now(),
	}, nil
}

// EstimateCost implements llm.Provider.
func (p *Provider) EstimateCost(req llm.CompletionRequest) *llm.CostEstimate {
	model := req.Model
	if model == "" {
		model = p.model
	}
	pricing, ok := modelPricing[model]
	if !ok {
		return nil
	}

	// Rough token estimate: four characters per token.
	inputTokens := float64(len(req.Prompt)+len(req.SystemPrompt)) / 4
	outputTokens := float64(req.MaxTokens)
	if outputTokens <= 0 {
		outputTokens = defaultMaxTokens
	}

	inputCost := inputTokens / 1e6 * pricing.input
	outputCost := outputTokens / 1e6 * pricing.output
	return &llm.CostEstimate{
		InputCost:     inputCost,
		OutputCost:    outputCost,
		TotalEstimate: inputCost + outputCost,
	}
}
