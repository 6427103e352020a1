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

// Package llm defines the provider abstraction the agent runtime calls
// through, together with a registry and a health-aware router over the
// registered providers.
package llm

import "context"

// Provider is a single LLM backend.
type Provider interface {
	// Name returns the registered provider name.
	Name() string

	// Type returns the provider implementation type.
	Type() ProviderType

	// Complete issues a completion request.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// HealthCheck probes the provider.
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)

	// EstimateCost projects the cost of a request, nil when unknown.
	EstimateCost(req CompletionRequest) *CostEstimate
}
