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

package retrieval

import "context"

// MaxKTotal is the hard ceiling on the number of hits a single call may
// request. Larger values are clamped with a warning annotation.
const MaxKTotal = 100

// DefaultKRRF is the reciprocal-rank-fusion constant.
const DefaultKRRF = 60

// Origin tags where a hit came from.
type Origin string

const (
	OriginInternal Origin = "internal"
	OriginExternal Origin = "external"
	OriginBoth     Origin = "both"
)

// Hit is one ranked retrieval result. Immutable once returned.
type Hit struct {
	SourceID          string  `json:"source_id"`
	Excerpt           string  `json:"excerpt"`
	Origin            Origin  `json:"origin"`
	SemanticScore     float64 `json:"semantic_score"`
	LexicalScore      float64 `json:"lexical_score"`
	FusedScore        float64 `json:"fused_score"`
	Rank              int     `json:"rank"`
	PersonalisedScore float64 `json:"personalised_score,omitempty"`
}

// FusionParams records how a result set was fused, for the audit trail.
type FusionParams struct {
	KRRF                   int     `json:"k_rrf"`
	Alpha                  float64 `json:"alpha"`
	PersonalisationApplied bool    `json:"personalisation_applied"`
	ThemeTag               string  `json:"theme_tag,omitempty"`
	InternalCount          int     `json:"internal_count"`
	ExternalCount          int     `json:"external_count"`
}

// ScoredDoc is a single-leg search result before fusion.
type ScoredDoc struct {
	SourceID string
	Excerpt  string
	Score    float64
}

// SemanticIndex is the vector-search leg over the tenant's internal corpus.
type SemanticIndex interface {
	Search(ctx context.Context, tenantID string, vector []float32, limit int) ([]ScoredDoc, error)
}

// LexicalIndex is the keyword-search leg over the same corpus.
type LexicalIndex interface {
	Search(ctx context.Context, tenantID, query string, limit int) ([]ScoredDoc, error)
}

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// CentroidStore resolves the personalisation centroid for a tenant and theme.
// A nil vector with a nil error means no centroid exists.
type CentroidStore interface {
	Get(ctx context.Context, tenantID, tag string) ([]float32, error)
}

// ExternalDoc is a caller-supplied document ranked by the ephemeral leg.
type ExternalDoc struct {
	SourceID string
	Text     string
}
