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
	"context"
	"fmt"
	"sync"
	"time"
)

// Router selects a provider for each request, preferring healthy providers
// and failing over when the primary call errors.
type Router struct {
	registry *Registry
	metrics  *routeMetricsTracker
	mu       sync.RWMutex

	// preferences maps model identifier prefixes to provider names, so a
	// request for "claude-…" lands on the anthropic provider while
	// "anthropic.claude-…" lands on bedrock.
	preferences map[string]string
	defaultName string
}

// NewRouter creates a Router over a registry.
func NewRouter(registry *Registry) *Router {
	return &Router{
		registry:    registry,
		metrics:     newRouteMetricsTracker(),
		preferences: make(map[string]string),
	}
}

// SetModelPreference routes model ids with the given prefix to a provider.
func (r *Router) SetModelPreference(modelPrefix, providerName string) {
	r.mu.Lock()
	r.preferences[modelPrefix] = providerName
	r.mu.Unlock()
}

// SetDefaultProvider names the provider used when no preference matches.
func (r *Router) SetDefaultProvider(name string) {
	r.mu.Lock()
	r.defaultName = name
	r.mu.Unlock()
}

// RouteInfo describes how a request was routed.
type RouteInfo struct {
	ProviderName   string       `json:"provider_name"`
	ProviderType   ProviderType `json:"provider_type"`
	Model          string       `json:"model"`
	ResponseTimeMs int64        `json:"response_time_ms"`
	TokensUsed     int          `json:"tokens_used"`
	EstimatedCost  float64      `json:"estimated_cost,omitempty"`
	FailedOver     bool         `json:"failed_over,omitempty"`
}

// Complete routes a completion request, failing over to another healthy
// provider when the selected one errors with a retryable failure.
func (r *Router) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, *RouteInfo, error) {
	provider, err := r.selectProvider(req)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	response, err := provider.Complete(ctx, req)
	failedOver := false
	if err != nil {
		r.metrics.recordError(provider.Name())

		fallback := r.fallbackFor(provider.Name())
		if fallback == nil {
			return nil, nil, err
		}
		response, err = fallback.Complete(ctx, req)
		if err != nil {
			r.metrics.recordError(fallback.Name())
			return nil, nil, fmt.Errorf("all providers failed: %w", err)
		}
		provider = fallback
		failedOver = true
	}

	elapsed := time.Since(start)
	r.metrics.recordSuccess(provider.Name(), elapsed)

	info := &RouteInfo{
		ProviderName:   provider.Name(),
		ProviderType:   provider.Type(),
		Model:          response.Model,
		ResponseTimeMs: elapsed.Milliseconds(),
		TokensUsed:     response.Usage.TotalTokens,
		FailedOver:     failedOver,
	}
	if estimate := provider.EstimateCost(req); estimate != nil {
		info.EstimatedCost = estimate.TotalEstimate
	}

	return response, info, nil
}

func (r *Router) selectProvider(req CompletionRequest) (Provider, error) {
	r.mu.RLock()
	preferences := r.preferences
	defaultName := r.defaultName
	r.mu.RUnlock()

	// Longest matching model prefix wins.
	var bestPrefix, bestProvider string
	for prefix, name := range preferences {
		if len(prefix) > len(bestPrefix) && hasPrefix(req.Model, prefix) {
			bestPrefix, bestProvider = prefix, name
		}
	}
	if bestProvider != "" {
		if p, err := r.registry.Get(bestProvider); err == nil {
			return p, nil
		}
	}

	if defaultName != "" {
		if p, err := r.registry.Get(defaultName); err == nil {
			return p, nil
		}
	}

	healthy := r.registry.HealthyProviders()
	if len(healthy) == 0 {
		healthy = r.registry.List()
	}
	if len(healthy) == 0 {
		return nil, fmt.Errorf("no providers available")
	}
	return r.registry.Get(healthy[0])
}

func (r *Router) fallbackFor(failed string) Provider {
	for _, name := range r.registry.HealthyProviders() {
		if name == failed {
			continue
		}
		if p, err := r.registry.Get(name); err == nil {
			return p
		}
	}
	return nil
}

// Metrics returns a copy of the routing metrics for a provider.
func (r *Router) Metrics(provider string) RouteMetrics {
	return r.metrics.get(provider)
}

// Registry returns the underlying registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// RouteMetrics aggregates routing outcomes for one provider.
type RouteMetrics struct {
	RequestCount    int64   `json:"request_count"`
	ErrorCount      int64   `json:"error_count"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`
}

type routeMetricsTracker struct {
	metrics map[string]*RouteMetrics
	mu      sync.RWMutex
}

func newRouteMetricsTracker() *routeMetricsTracker {
	return &routeMetricsTracker{metrics: make(map[string]*RouteMetrics)}
}

func (t *routeMetricsTracker) recordSuccess(provider string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, exists := t.metrics[provider]
	if !exists {
		m = &RouteMetrics{}
		t.metrics[provider] = m
	}
	m.RequestCount++

	totalMs := float64(m.RequestCount-1) * m.AvgResponseTime
	totalMs += float64(latency.Milliseconds())
	m.AvgResponseTime = totalMs / float64(m.RequestCount)
}

func (t *routeMetricsTracker) recordError(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, exists := t.metrics[provider]
	if !exists {
		m = &RouteMetrics{}
		t.metrics[provider] = m
	}
	m.ErrorCount++
}

func (t *routeMetricsTracker) get(provider string) RouteMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, exists := t.metrics[provider]; exists {
		return *m
	}
	return RouteMetrics{}
}
