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

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"lexflow/platform/shared/logger"
)

// Request is one federated search invocation.
type Request struct {
	Query        string
	TenantID     string
	K            int
	ExternalDocs []ExternalDoc
	UseInternal  bool
	Personalise  bool
	Alpha        float64
}

// Result is the fused, deduplicated outcome of a federated search.
type Result struct {
	Hits        []Hit
	Fusion      FusionParams
	Annotations []string
	Degraded    bool
	AllFailed   bool
}

// Federator fans a query out to the semantic, lexical, and external legs and
// fuses the ranked lists by reciprocal rank.
type Federator struct {
	semantic   SemanticIndex
	lexical    LexicalIndex
	embedder   Embedder
	centroids  CentroidStore
	log        *logger.Logger
	legTimeout time.Duration
	kRRF       int
}

// FederatorOption configures a Federator.
type FederatorOption func(*Federator)

// WithLegTimeout sets the per-leg deadline.
func WithLegTimeout(d time.Duration) FederatorOption {
	return func(f *Federator) { f.legTimeout = d }
}

// WithKRRF overrides the fusion constant.
func WithKRRF(k int) FederatorOption {
	return func(f *Federator) { f.kRRF = k }
}

// NewFederator builds a Federator over the given legs.
func NewFederator(semantic SemanticIndex, lexical LexicalIndex, embedder Embedder, centroids CentroidStore, opts ...FederatorOption) *Federator {
	f := &Federator{
		semantic:   semantic,
		lexical:    lexical,
		embedder:   embedder,
		centroids:  centroids,
		log:        logger.New("retrieval-federator"),
		legTimeout: 5 * time.Second,
		kRRF:       DefaultKRRF,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type legOutcome struct {
	name string
	docs []ScoredDoc
	err  error
}

// Search executes the federated search. k=0 short-circuits without issuing
// any network call. Partial leg failure is non-fatal; all-legs failure
// returns an empty result with AllFailed set.
func (f *Federator) Search(ctx context.Context, req Request) (*Result, error) {
	res := &Result{
		Fusion: FusionParams{KRRF: f.kRRF, Alpha: req.Alpha},
	}

	if req.K == 0 {
		return res, nil
	}
	if req.K > MaxKTotal {
		req.K = MaxKTotal
		res.Annotations = append(res.Annotations, fmt.Sprintf("k_total clamped to %d", MaxKTotal))
	}
	if !req.UseInternal && len(req.ExternalDocs) == 0 {
		return res, nil
	}

	// Over-fetch per leg so fusion has enough overlap to work with.
	kSearch := req.K * 2
	if kSearch > 50 {
		kSearch = 50
	}

	var queryVec []float32
	if req.UseInternal && f.embedder != nil {
		vec, err := f.embedder.Embed(ctx, req.Query)
		if err != nil {
			res.Annotations = append(res.Annotations, "embedding_failed")
			f.log.Warn(req.TenantID, "", "query embedding failed", map[string]interface{}{"error": err.Error()})
		} else {
			queryVec = vec
		}
	}

	if req.Personalise && queryVec != nil {
		queryVec = f.applyPersonalisation(ctx, req, queryVec, res)
	} else if req.Personalise {
		res.Annotations = append(res.Annotations, "personalisation_skipped")
	}

	outcomes := f.fanOut(ctx, req, queryVec, kSearch)

	attempted, failed := 0, 0
	legs := make(map[string][]ScoredDoc)
	for _, o := range outcomes {
		attempted++
		if o.err != nil {
			failed++
			res.Degraded = true
			res.Annotations = append(res.Annotations, "leg_failed:"+o.name)
			f.log.Warn(req.TenantID, "", "retrieval leg failed", map[string]interface{}{
				"leg": o.name, "error": o.err.Error(),
			})
			continue
		}
		legs[o.name] = o.docs
	}
	if attempted > 0 && failed == attempted {
		res.AllFailed = true
		return res, nil
	}

	res.Hits = f.fuse(legs, req.K)
	res.Fusion.InternalCount, res.Fusion.ExternalCount = countOrigins(res.Hits)
	return res, nil
}

// applyPersonalisation shifts the query vector toward the tenant centroid for
// the inferred theme: q' = normalise((1-alpha)*q + alpha*c). Missing or
// unusable centroids skip the shift silently, leaving an annotation.
func (f *Federator) applyPersonalisation(ctx context.Context, req Request, queryVec []float32, res *Result) []float32 {
	tag := InferTheme(req.Query)
	res.Fusion.ThemeTag = tag

	if f.centroids == nil {
		res.Annotations = append(res.Annotations, "personalisation_skipped")
		return queryVec
	}

	centroid, err := f.centroids.Get(ctx, req.TenantID, tag)
	if err != nil || centroid == nil || len(centroid) != len(queryVec) {
		res.Annotations = append(res.Annotations, "personalisation_skipped")
		return queryVec
	}

	alpha := req.Alpha
	shifted := make([]float32, len(queryVec))
	for i := range queryVec {
		shifted[i] = float32((1-alpha)*float64(queryVec[i]) + alpha*float64(centroid[i]))
	}
	shifted = Normalise(shifted)
	res.Fusion.PersonalisationApplied = true
	return shifted
}

// fanOut issues the enabled legs concurrently, each under its own deadline.
func (f *Federator) fanOut(ctx context.Context, req Request, queryVec []float32, kSearch int) []legOutcome {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []legOutcome
	)

	collect := func(name string, docs []ScoredDoc, err error) {
		mu.Lock()
		outcomes = append(outcomes, legOutcome{name: name, docs: docs, err: err})
		mu.Unlock()
	}

	if req.UseInternal && f.semantic != nil && queryVec != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			legCtx, cancel := context.WithTimeout(ctx, f.legTimeout)
			defer cancel()
			docs, err := f.semantic.Search(legCtx, req.TenantID, queryVec, kSearch)
			collect("semantic", docs, err)
		}()
	}

	if req.UseInternal && f.lexical != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			legCtx, cancel := context.WithTimeout(ctx, f.legTimeout)
			defer cancel()
			docs, err := f.lexical.Search(legCtx, req.TenantID, req.Query, kSearch)
			collect("lexical", docs, err)
		}()
	}

	if len(req.ExternalDocs) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			docs := rankExternalDocs(ctx, req.Query, queryVec, req.ExternalDocs, f.embedder)
			collect("external", docs, nil)
		}()
	}

	wg.Wait()
	return outcomes
}

type fusedDoc struct {
	hit     Hit
	minRank int
	legs    map[string]bool
}

// fuse combines the per-leg ranked lists by reciprocal rank. Ties break by
// the better (lower) minimum single-leg rank, then source id order.
func (f *Federator) fuse(legs map[string][]ScoredDoc, k int) []Hit {
	byID := make(map[string]*fusedDoc)

	for legName, docs := range legs {
		for i, doc := range docs {
			rank := i + 1
			fd, ok := byID[doc.SourceID]
			if !ok {
				fd = &fusedDoc{
					hit:     Hit{SourceID: doc.SourceID, Excerpt: doc.Excerpt},
					minRank: rank,
					legs:    make(map[string]bool),
				}
				byID[doc.SourceID] = fd
			}
			fd.legs[legName] = true
			if rank < fd.minRank {
				fd.minRank = rank
			}
			if fd.hit.Excerpt == "" {
				fd.hit.Excerpt = doc.Excerpt
			}
			fd.hit.FusedScore += 1.0 / float64(f.kRRF+rank)
			switch legName {
			case "semantic":
				fd.hit.SemanticScore = doc.Score
			case "lexical":
				fd.hit.LexicalScore = doc.Score
			case "external":
				if fd.hit.SemanticScore == 0 && fd.hit.LexicalScore == 0 {
					fd.hit.SemanticScore = doc.Score
				}
			}
		}
	}

	fused := make([]*fusedDoc, 0, len(byID))
	for _, fd := range byID {
		internal := fd.legs["semantic"] || fd.legs["lexical"]
		external := fd.legs["external"]
		switch {
		case internal && external:
			fd.hit.Origin = OriginBoth
		case external:
			fd.hit.Origin = OriginExternal
		default:
			fd.hit.Origin = OriginInternal
		}
		fused = append(fused, fd)
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].hit.FusedScore != fused[j].hit.FusedScore {
			return fused[i].hit.FusedScore > fused[j].hit.FusedScore
		}
		if fused[i].minRank != fused[j].minRank {
			return fused[i].minRank < fused[j].minRank
		}
		return fused[i].hit.SourceID < fused[j].hit.SourceID
	})

	if len(fused) > k {
		fused = fused[:k]
	}

	hits := make([]Hit, len(fused))
	for i, fd := range fused {
		fd.hit.Rank = i + 1
		hits[i] = fd.hit
	}
	return hits
}

// rankExternalDocs scores caller-supplied documents without touching any
// index. Position in the submitted list is a weak prior; token overlap with
// the query (or embedding similarity when a vector is available) dominates.
func rankExternalDocs(ctx context.Context, query string, queryVec []float32, docs []ExternalDoc, embedder Embedder) []ScoredDoc {
	scored := make([]ScoredDoc, 0, len(docs))
	for i, doc := range docs {
		base := 1.0 - float64(i)*0.02
		if base < 0.5 {
			base = 0.5
		}

		var score float64
		if queryVec != nil && embedder != nil {
			if docVec, err := embedder.Embed(ctx, doc.Text); err == nil {
				score = 0.7*base + 0.3*Cosine(queryVec, docVec)
			}
		}
		if score == 0 {
			score = 0.8*base + 0.2*tokenOverlap(query, doc.Text)
		}

		scored = append(scored, ScoredDoc{SourceID: doc.SourceID, Excerpt: excerpt(doc.Text), Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

// tokenOverlap returns the fraction of query tokens present in the text.
func tokenOverlap(query, text string) float64 {
	qTokens := strings.Fields(strings.ToLower(query))
	if len(qTokens) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	matched := 0
	for _, tok := range qTokens {
		if len(tok) > 2 && strings.Contains(lower, tok) {
			matched++
		}
	}
	return float64(matched) / float64(len(qTokens))
}

func excerpt(text string) string {
	const max = 500
	if len(text) <= max {
		return text
	}
	return text[:max]
}

func countOrigins(hits []Hit) (internal, external int) {
	for _, h := range hits {
		switch h.Origin {
		case OriginInternal:
			internal++
		case OriginExternal:
			external++
		case OriginBoth:
			internal++
			external++
		}
	}
	return
}

// Normalise scales a vector to unit length. Zero vectors pass through.
func Normalise(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Cosine returns the cosine similarity of two vectors, 0 on mismatch.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
