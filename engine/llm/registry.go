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
	"sort"
	"sync"
	"time"

	"lexflow/platform/shared/logger"
)

// Registry manages provider instances and their health state. It is safe
// for concurrent use.
type Registry struct {
	providers map[string]Provider
	log       *logger.Logger
	mu        sync.RWMutex

	healthResults map[string]*HealthCheckResult
	healthMu      sync.RWMutex
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers:     make(map[string]Provider),
		healthResults: make(map[string]*HealthCheckResult),
		log:           logger.New("llm-registry"),
	}
}

// Register adds a provider instance under its name.
func (r *Registry) Register(provider Provider) error {
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	name := provider.Name()
	if name == "" {
		return fmt.Errorf("provider name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider

	r.log.Info("", "", "registered provider", map[string]interface{}{
		"provider": name, "type": string(provider.Type()),
	})
	return nil
}

// Unregister removes a provider.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.providers, name)
	r.mu.Unlock()

	r.healthMu.Lock()
	delete(r.healthResults, name)
	r.healthMu.Unlock()
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("provider %q not found", name)
	}
	return provider, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// HealthCheck probes every registered provider and caches the results.
func (r *Registry) HealthCheck(ctx context.Context) map[string]*HealthCheckResult {
	r.mu.RLock()
	providers := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		providers[name] = p
	}
	r.mu.RUnlock()

	results := make(map[string]*HealthCheckResult, len(providers))
	for name, provider := range providers {
		start := time.Now()
		result, err := provider.HealthCheck(ctx)
		if err != nil {
			result = &HealthCheckResult{
				Status:      HealthStatusUnhealthy,
				Latency:     time.Since(start),
				Message:     err.Error(),
				LastChecked: time.Now(),
			}
		}
		if result.LastChecked.IsZero() {
			result.LastChecked = time.Now()
		}
		results[name] = result

		r.healthMu.Lock()
		r.healthResults[name] = result
		r.healthMu.Unlock()
	}

	return results
}

// GetHealthResult returns the cached health result for a provider.
func (r *Registry) GetHealthResult(name string) *HealthCheckResult {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	return r.healthResults[name]
}

// HealthyProviders returns the names of providers whose last probe passed.
func (r *Registry) HealthyProviders() []string {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()

	var names []string
	for name, result := range r.healthResults {
		if result != nil && result.Status == HealthStatusHealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// StartPeriodicHealthCheck probes all providers on an interval until the
// context is cancelled.
func (r *Registry) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				results := r.HealthCheck(ctx)
				unhealthy := 0
				for _, result := range results {
					if result.Status != HealthStatusHealthy {
						unhealthy++
					}
				}
				if unhealthy > 0 {
					r.log.Warn("", "", "provider health check found failures", map[string]interface{}{
						"unhealthy": unhealthy, "total": len(results),
					})
				}
			}
		}
	}()
}
