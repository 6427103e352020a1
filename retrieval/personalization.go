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
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pgvector/pgvector-go"

	"lexflow/platform/shared/logger"
)

// FallbackTheme is used when no keyword table entry matches the query.
const FallbackTheme = "direito_civil"

// themeKeywords maps thematic tags to the keywords that select them. The
// first tag whose keywords match wins, so ordering is significant.
var themeKeywords = []struct {
	tag      string
	keywords []string
}{
	{"contratos_imobiliarios", []string{"imóvel", "imovel", "aluguel", "locação", "locacao", "compra e venda", "escritura", "usucapião", "usucapiao"}},
	{"litigios_tributarios", []string{"tributo", "imposto", "icms", "iss", "cofins", "execução fiscal", "execucao fiscal", "crédito tributário", "credito tributario"}},
	{"direito_trabalhista", []string{"trabalhista", "clt", "rescisão", "rescisao", "verbas", "empregado", "justa causa", "fgts"}},
	{"direito_penal", []string{"penal", "crime", "habeas corpus", "denúncia", "denuncia", "pena", "dosimetria"}},
	{"direito_empresarial", []string{"societário", "societario", "empresa", "falência", "falencia", "recuperação judicial", "recuperacao judicial", "quotas"}},
}

// InferTheme deterministically classifies a query into a thematic tag using
// the keyword table, falling back to FallbackTheme.
func InferTheme(query string) string {
	lower := strings.ToLower(query)
	for _, entry := range themeKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.tag
			}
		}
	}
	return FallbackTheme
}

// Centroids resolves per-(tenant, theme) centroid vectors. Lookups go local
// cache → Redis → Postgres (pgvector); writes go Postgres first, then
// invalidate both caches.
type Centroids struct {
	db       *sql.DB
	redis    *redis.Client
	log      *logger.Logger
	cacheTTL time.Duration

	mu    sync.RWMutex
	local map[string]cachedCentroid
}

type cachedCentroid struct {
	vector  []float32
	expires time.Time
}

// NewCentroids builds a centroid store. redis may be nil, in which case only
// the local cache fronts Postgres.
func NewCentroids(db *sql.DB, rdb *redis.Client) *Centroids {
	return &Centroids{
		db:       db,
		redis:    rdb,
		log:      logger.New("centroid-store"),
		cacheTTL: 5 * time.Minute,
		local:    make(map[string]cachedCentroid),
	}
}

func centroidKey(tenantID, tag string) string {
	return fmt.Sprintf("centroid:%s:%s", tenantID, tag)
}

// Get returns the centroid for (tenant, tag), or nil when none exists.
func (c *Centroids) Get(ctx context.Context, tenantID, tag string) ([]float32, error) {
	key := centroidKey(tenantID, tag)

	c.mu.RLock()
	cached, ok := c.local[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(cached.expires) {
		return cached.vector, nil
	}

	if c.redis != nil {
		raw, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			vec := decodeVector(raw)
			c.cacheLocal(key, vec)
			return vec, nil
		}
		if !errors.Is(err, redis.Nil) {
			c.log.Warn(tenantID, "", "redis centroid lookup failed", map[string]interface{}{"error": err.Error()})
		}
	}

	vec, err := c.loadFromDB(ctx, tenantID, tag)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, nil
	}

	c.cacheLocal(key, vec)
	if c.redis != nil {
		if err := c.redis.Set(ctx, key, encodeVector(vec), c.cacheTTL).Err(); err != nil {
			c.log.Warn(tenantID, "", "redis centroid write failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return vec, nil
}

// Upsert stores a centroid and invalidates cache entries for it.
func (c *Centroids) Upsert(ctx context.Context, tenantID, tag string, vector []float32) error {
	if c.db == nil {
		return fmt.Errorf("centroid store has no database")
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO tenant_centroids (tenant_id, tag, embedding, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, tag)
		DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = NOW()`,
		tenantID, tag, pgvector.NewVector(vector))
	if err != nil {
		return fmt.Errorf("upsert centroid: %w", err)
	}

	key := centroidKey(tenantID, tag)
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()
	if c.redis != nil {
		if err := c.redis.Del(ctx, key).Err(); err != nil {
			c.log.Warn(tenantID, "", "redis centroid invalidation failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

func (c *Centroids) loadFromDB(ctx context.Context, tenantID, tag string) ([]float32, error) {
	if c.db == nil {
		return nil, nil
	}

	var vec pgvector.Vector
	err := c.db.QueryRowContext(ctx,
		`SELECT embedding FROM tenant_centroids WHERE tenant_id = $1 AND tag = $2`,
		tenantID, tag).Scan(&vec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load centroid: %w", err)
	}
	return vec.Slice(), nil
}

func (c *Centroids) cacheLocal(key string, vec []float32) {
	c.mu.Lock()
	c.local[key] = cachedCentroid{vector: vec, expires: time.Now().Add(c.cacheTTL)}
	c.mu.Unlock()
}

// encodeVector packs a vector as little-endian float32 bytes for Redis.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(raw []byte) []float32 {
	if len(raw)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec
}
