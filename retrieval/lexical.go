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
	"fmt"
)

// PostgresLexicalIndex implements LexicalIndex over the document_chunks
// table using Postgres full-text search. The tsvector column is maintained
// by a trigger on insert; ranking uses ts_rank over the Portuguese
// configuration since the corpus is Brazilian legal text.
type PostgresLexicalIndex struct {
	db *sql.DB
}

// NewPostgresLexicalIndex wraps an open database handle.
func NewPostgresLexicalIndex(db *sql.DB) *PostgresLexicalIndex {
	return &PostgresLexicalIndex{db: db}
}

// Search implements LexicalIndex.
func (l *PostgresLexicalIndex) Search(ctx context.Context, tenantID, query string, limit int) ([]ScoredDoc, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT source_id, left(chunk_text, 500),
		       ts_rank(search_vector, websearch_to_tsquery('portuguese', $2)) AS rank
		FROM document_chunks
		WHERE tenant_id = $1
		  AND search_vector @@ websearch_to_tsquery('portuguese', $2)
		ORDER BY rank DESC
		LIMIT $3`,
		tenantID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var docs []ScoredDoc
	for rows.Next() {
		var doc ScoredDoc
		if err := rows.Scan(&doc.SourceID, &doc.Excerpt, &doc.Score); err != nil {
			return nil, fmt.Errorf("lexical scan: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// EnsureSchema creates the chunk table and full-text index if missing.
func (l *PostgresLexicalIndex) EnsureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS document_chunks (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			source_id VARCHAR(255) NOT NULL,
			chunk_text TEXT NOT NULL,
			search_vector tsvector GENERATED ALWAYS AS (to_tsvector('portuguese', chunk_text)) STORED,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_tenant ON document_chunks(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_chunks_fts ON document_chunks USING GIN(search_vector);
	`)
	if err != nil {
		return fmt.Errorf("ensure lexical schema: %w", err)
	}
	return nil
}
