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

// Package embedding provides text embedding providers for the retrieval
// subsystem. All providers return unit-length vectors of a fixed dimension.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"golang.org/x/sync/errgroup"
)

// Provider turns text into dense vectors.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// maxBatchConcurrency bounds parallel embedding calls in EmbedBatch.
const maxBatchConcurrency = 4

// batchEmbed runs Embed over a slice with bounded concurrency, preserving
// input order.
func batchEmbed(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchConcurrency)

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := p.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("embed item %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// NoopProvider produces deterministic pseudo-embeddings from a hash of the
// text. It keeps the engine functional without an embedding service and is
// the provider of choice in tests.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a NoopProvider with the given dimensionality.
func NewNoopProvider(dims int) *NoopProvider {
	if dims <= 0 {
		dims = 384
	}
	return &NoopProvider{dims: dims}
}

// Embed returns a deterministic unit vector derived from the text.
func (p *NoopProvider) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, p.dims)
	var norm float64
	for i := range vec {
		// xorshift over the seed gives a stable pseudo-random sequence
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v := float64(int64(seed%2000)-1000) / 1000.0
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}

// EmbedBatch implements Provider.
func (p *NoopProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return batchEmbed(ctx, p, texts)
}

// Dimensions implements Provider.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}
