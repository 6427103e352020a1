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
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"lexflow/platform/shared/logger"
)

// QdrantConfig holds connection settings for the vector index.
type QdrantConfig struct {
	URL        string // e.g. "http://localhost:6333" or "https://xyz.cloud.qdrant.io:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements SemanticIndex backed by a Qdrant collection. Every
// query carries a tenant must-filter so one tenant can never see another's
// chunks.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	log        *logger.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last probe
}

// parseQdrantURL extracts host, port, and TLS flag. The REST port 6333 is
// mapped to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex connects to Qdrant over gRPC.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		log:        logger.New("qdrant-index"),
	}, nil
}

// EnsureCollection creates the collection and payload indexes if missing.
// CreateFieldIndex is idempotent on Qdrant, so the index calls are safe to
// repeat on every start.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("create collection %q: %w", q.collection, err)
		}
		q.log.Info("", "", "created qdrant collection", map[string]interface{}{
			"collection": q.collection, "dims": q.dims,
		})
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"tenant_id", "doc_type", "area"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("ensure index on %q: %w", field, err)
		}
	}

	return nil
}

// Search implements SemanticIndex with the tenant isolation filter applied.
func (q *QdrantIndex) Search(ctx context.Context, tenantID string, vector []float32, limit int) ([]ScoredDoc, error) {
	if limit <= 0 {
		limit = 20
	}

	fetchLimit := uint64(limit)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vector),
		Filter: &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch("tenant_id", tenantID),
		}},
		Limit:       &fetchLimit,
		WithPayload: qdrant.NewWithPayloadInclude("source_id", "text"),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	docs := make([]ScoredDoc, 0, len(scored))
	for _, sp := range scored {
		payload := sp.GetPayload()
		sourceID := payload["source_id"].GetStringValue()
		if sourceID == "" {
			continue
		}
		docs = append(docs, ScoredDoc{
			SourceID: sourceID,
			Excerpt:  payload["text"].GetStringValue(),
			Score:    float64(sp.Score),
		})
	}
	return docs, nil
}

// Healthy probes the Qdrant connection. Results are cached for 5 seconds and
// concurrent probes are coalesced.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	const ttl = 5 * time.Second

	if last := q.healthAt.Load(); last > 0 && time.Since(time.Unix(0, last)) < ttl {
		if v := q.healthErr.Load(); v != nil {
			return *(v.(*error))
		}
	}

	result, err, _ := q.healthGroup.Do("health", func() (interface{}, error) {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(probeCtx)
		q.healthErr.Store(&err)
		q.healthAt.Store(time.Now().UnixNano())
		return nil, err
	})
	_ = result
	return err
}

// Close releases the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
