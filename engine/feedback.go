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

package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"lexflow/platform/shared/logger"
)

// ErrorSpan marks a problematic range in the generated document.
type ErrorSpan struct {
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Label      string `json:"label"`
	Correction string `json:"correction,omitempty"`
}

// MissingSource is a reviewer hint that a citation should have been used.
type MissingSource struct {
	Citation  string  `json:"citation"`
	Tag       string  `json:"tag,omitempty"`
	Relevance float64 `json:"relevance,omitempty"`
}

// FeedbackEvent is one immutable reviewer attachment on a terminated run.
type FeedbackEvent struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	RaterID        string          `json:"rater_id"`
	Rating         int             `json:"rating"` // -1, 0, +1
	Comment        string          `json:"comment,omitempty"`
	ErrorSpans     []ErrorSpan     `json:"error_spans,omitempty"`
	MissingSources []MissingSource `json:"missing_sources,omitempty"`
	EditedTextMD   string          `json:"edited_text_md,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Validate checks event shape before persistence.
func (e *FeedbackEvent) Validate() error {
	if e.RunID == "" {
		return NewError(ErrInputInvalid, "run_id is required")
	}
	if e.RaterID == "" {
		return NewError(ErrInputInvalid, "rater_id is required")
	}
	if e.Rating < -1 || e.Rating > 1 {
		return NewError(ErrInputInvalid, "rating must be -1, 0 or +1")
	}
	for i, span := range e.ErrorSpans {
		if span.Start < 0 || span.End <= span.Start {
			return NewError(ErrInputInvalid, "error_spans[%d] has an invalid range", i)
		}
		if span.Label == "" {
			return NewError(ErrInputInvalid, "error_spans[%d] is missing a label", i)
		}
	}
	return nil
}

// FeedbackSummary aggregates all events for one run.
type FeedbackSummary struct {
	RunID               string         `json:"run_id"`
	EventCount          int            `json:"event_count"`
	MeanRating          float64        `json:"mean_rating"`
	TotalErrorSpans     int            `json:"total_error_spans"`
	DistinctMissingSrcs int            `json:"distinct_missing_sources"`
	Tags                map[string]int `json:"tags"`
}

// FeedbackStore persists feedback events. Events are additive and never
// touch the audit record they point at.
type FeedbackStore struct {
	db    *sql.DB
	audit *AuditRecorder
	log   *logger.Logger
}

// NewFeedbackStore creates the store. The audit recorder gates attachment to
// terminated runs.
func NewFeedbackStore(db *sql.DB, audit *AuditRecorder) *FeedbackStore {
	return &FeedbackStore{
		db:    db,
		audit: audit,
		log:   logger.New("feedback-store"),
	}
}

// Attach validates and persists one feedback event. The run must exist and
// be terminated; the event id is assigned here.
func (s *FeedbackStore) Attach(ctx context.Context, event *FeedbackEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	terminated, err := s.audit.RunTerminated(ctx, event.RunID)
	if err != nil {
		return WrapError(ErrAuditWriteFailed, err, "feedback gate lookup failed")
	}
	if !terminated {
		return NewError(ErrInputInvalid, "run %s is unknown or not terminated", event.RunID)
	}

	event.ID = uuid.New().String()
	event.CreatedAt = time.Now().UTC()

	spansJSON, err := json.Marshal(event.ErrorSpans)
	if err != nil {
		return fmt.Errorf("marshal error spans: %w", err)
	}
	sourcesJSON, err := json.Marshal(event.MissingSources)
	if err != nil {
		return fmt.Errorf("marshal missing sources: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feedback_events (
			id, run_id, rater_id, rating, comment,
			error_spans, missing_sources, edited_text_md, tags, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		event.ID, event.RunID, event.RaterID, event.Rating, event.Comment,
		spansJSON, sourcesJSON, event.EditedTextMD, pq.Array(event.Tags), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("write feedback event: %w", err)
	}

	s.log.Info("", event.RunID, "feedback attached", map[string]interface{}{
		"event_id": event.ID, "rating": event.Rating,
	})
	return nil
}

// Events returns all feedback events for a run in insertion order.
func (s *FeedbackStore) Events(ctx context.Context, runID string) ([]FeedbackEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, rater_id, rating, comment,
		       error_spans, missing_sources, edited_text_md, tags, created_at
		FROM feedback_events WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var events []FeedbackEvent
	for rows.Next() {
		var e FeedbackEvent
		var spansJSON, sourcesJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.RaterID, &e.Rating, &e.Comment,
			&spansJSON, &sourcesJSON, &e.EditedTextMD, pq.Array(&e.Tags), &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback event: %w", err)
		}
		if err := json.Unmarshal(spansJSON, &e.ErrorSpans); err != nil {
			return nil, fmt.Errorf("decode error spans: %w", err)
		}
		if err := json.Unmarshal(sourcesJSON, &e.MissingSources); err != nil {
			return nil, fmt.Errorf("decode missing sources: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Summarise aggregates the events for one run.
func (s *FeedbackStore) Summarise(ctx context.Context, runID string) (*FeedbackSummary, error) {
	events, err := s.Events(ctx, runID)
	if err != nil {
		return nil, err
	}

	summary := &FeedbackSummary{
		RunID: runID,
		Tags:  make(map[string]int),
	}
	distinctSources := make(map[string]struct{})

	ratingSum := 0
	for _, e := range events {
		summary.EventCount++
		ratingSum += e.Rating
		summary.TotalErrorSpans += len(e.ErrorSpans)
		for _, src := range e.MissingSources {
			distinctSources[src.Citation] = struct{}{}
		}
		for _, tag := range e.Tags {
			summary.Tags[tag]++
		}
	}
	if summary.EventCount > 0 {
		summary.MeanRating = float64(ratingSum) / float64(summary.EventCount)
	}
	summary.DistinctMissingSrcs = len(distinctSources)
	return summary, nil
}

// EnsureFeedbackSchema creates the feedback table if missing.
func (s *FeedbackStore) EnsureFeedbackSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS feedback_events (
			id UUID PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES run_audit(run_id),
			rater_id VARCHAR(255) NOT NULL,
			rating SMALLINT NOT NULL CHECK (rating BETWEEN -1 AND 1),
			comment TEXT,
			error_spans JSONB NOT NULL DEFAULT '[]',
			missing_sources JSONB NOT NULL DEFAULT '[]',
			edited_text_md TEXT,
			tags TEXT[],
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_feedback_run ON feedback_events(run_id, created_at);
	`)
	return err
}
