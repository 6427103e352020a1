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

// Package bedrock implements the llm.Provider interface over AWS Bedrock,
// using SDK v2 so calls carry Signature V4 authentication from the ambient
// IAM role.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"lexflow/platform/engine/llm"
)

const (
	defaultRegion    = "us-east-1"
	defaultModel     = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	defaultMaxTokens = 4096
	bedrockVersion   = "bedrock-2023-05-31"
)

// Provider calls Bedrock's InvokeModel API.
type Provider struct {
	name   string
	client *bedrockruntime.Client
	region string
	model  string
}

// Config for the Bedrock provider.
type Config struct {
	Name   string
	Region string
	Model  string
}

// New creates a Bedrock provider using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Name == "" {
		cfg.Name = "bedrock"
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config for bedrock (region %s): %w", cfg.Region, err)
	}

	return &Provider{
		name:   cfg.Name,
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: cfg.Region,
		model:  cfg.Model,
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return p.name }

// Type implements llm.Provider.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeBedrock }

type anthropicPayload struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	StopSequences    []string           `json:"stop_sequences,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete implements llm.Provider. Only the Anthropic model family is
// supported; other Bedrock families are rejected up front.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	if !strings.Contains(model, "anthropic") {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeBadRequest,
			fmt.Sprintf("unsupported bedrock model family for %q", model))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := anthropicPayload{
		AnthropicVersion: bedrockVersion,
		MaxTokens:        maxTokens,
		System:           req.SystemPrompt,
		StopSequences:    req.StopSequences,
		Messages:         []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.Temperature > 0 {
		payload.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		payload.TopP = &req.TopP
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeBadRequest, err.Error())
	}

	start := time.Now()
	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, p.mapError(ctx, err)
	}

	var parsed anthropicResult
	if err := json.Unmarshal(output.Body, &parsed); err != nil {
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
		Model:   model,
		Usage: llm.UsageStats{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		Latency:      time.Since(start),
		FinishReason: parsed.StopReason,
	}, nil
}

func (p *Provider) mapError(ctx context.Context, err error) *llm.ProviderError {
	if ctx.Err() != nil {
		return llm.NewProviderError(p.name, llm.ErrCodeTimeout, ctx.Err().Error())
	}

	msg := err.Error()
	code := llm.ErrCodeServerError
	switch {
	case strings.Contains(msg, "ThrottlingException"):
		code = llm.ErrCodeRateLimit
	case strings.Contains(msg, "AccessDeniedException"), strings.Contains(msg, "UnrecognizedClientException"):
		code = llm.ErrCodeAuth
	case strings.Contains(msg, "ValidationException"):
		code = llm.ErrCodeBadRequest
	case strings.Contains(msg, "ServiceUnavailableException"), strings.Contains(msg, "ModelNotReadyException"):
		code = llm.ErrCodeUnavailable
	}

	perr := llm.NewProviderError(p.name, code, msg)
	perr.Cause = err
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

// Bedrock on-demand pricing per million tokens, USD.
var modelPricing = map[string]struct{ input, output float64 }{
	"anthropic.claude-3-5-sonnet-20240620-v1:0": {3.0, 15.0},
	"anthropic.claude-3-haiku-20240307-v1:0":    {0.25, 1.25},
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
