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
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newTestFeedbackStore(t *testing.T) (*FeedbackStore, sqlmock.Sqlmock) {
	t.Helper()
	recorder, mock := newTestRecorder(t)
	return NewFeedbackStore(recorder.db, recorder), mock
}

func TestFeedbackValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   FeedbackEvent
		wantErr bool
	}{
		{"valid minimal", FeedbackEvent{RunID: "run-1", RaterID: "rev-1", Rating: 1}, false},
		{"valid with spans", FeedbackEvent{RunID: "run-1", RaterID: "rev-1", Rating: -1,
			ErrorSpans: []ErrorSpan{{Start: 10, End: 42, Label: "citação errada"}}}, false},
		{"missing run id", FeedbackEvent{RaterID: "rev-1"}, true},
		{"missing rater id", FeedbackEvent{RunID: "run-1"}, true},
		{"rating out of range", FeedbackEvent{RunID: "run-1", RaterID: "rev-1", Rating: 2}, true},
		{"span end before start", FeedbackEvent{RunID: "run-1", RaterID: "rev-1",
			ErrorSpans: []ErrorSpan{{Start: 42, End: 10, Label: "x"}}}, true},
		{"span without label", FeedbackEvent{RunID: "run-1", RaterID: "rev-1",
			ErrorSpans: []ErrorSpan{{Start: 0, End: 5}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil && !IsKind(err, ErrInputInvalid) {
				t.Errorf("kind = %s, want %s", KindOf(err), ErrInputInvalid)
			}
		})
	}
}

func TestAttachGatedOnTermination(t *testing.T) {
	store, mock := newTestFeedbackStore(t)

	mock.ExpectQuery("SELECT EXISTS").WithArgs("run-live").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.Attach(context.Background(), &FeedbackEvent{RunID: "run-live", RaterID: "rev-1"})
	if !IsKind(err, ErrInputInvalid) {
		t.Fatalf("feedback on a live run: kind = %s, want %s", KindOf(err), ErrInputInvalid)
	}
}

func TestAttachPersistsEvent(t *testing.T) {
	store, mock := newTestFeedbackStore(t)

	mock.ExpectQuery("SELECT EXISTS").WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("INSERT INTO feedback_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := &FeedbackEvent{
		RunID:   "run-1",
		RaterID: "rev-1",
		Rating:  1,
		Comment: "fundamentação sólida",
		Tags:    []string{"qualidade"},
	}
	if err := store.Attach(context.Background(), event); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if event.ID == "" {
		t.Error("event id should be assigned on attach")
	}
	if event.CreatedAt.IsZero() {
		t.Error("created_at should be stamped on attach")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAttachInvalidEventSkipsStorage(t *testing.T) {
	store, mock := newTestFeedbackStore(t)

	// no expectations: a malformed event must never reach the database
	err := store.Attach(context.Background(), &FeedbackEvent{RunID: "run-1", RaterID: "rev-1", Rating: 5})
	if !IsKind(err, ErrInputInvalid) {
		t.Fatalf("kind = %s, want %s", KindOf(err), ErrInputInvalid)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func feedbackRows(t *testing.T) *sqlmock.Rows {
	t.Helper()
	columns := []string{"id", "run_id", "rater_id", "rating", "comment",
		"error_spans", "missing_sources", "edited_text_md", "tags", "created_at"}
	now := time.Now().UTC()
	return sqlmock.NewRows(columns).
		AddRow("ev-1", "run-1", "rev-1", 1, "bom",
			[]byte(`[]`), []byte(`[{"citation":"Súmula 37 do STJ"}]`), "", []byte(`{qualidade}`), now.Add(-time.Hour)).
		AddRow("ev-2", "run-1", "rev-2", -1, "faltou precedente",
			[]byte(`[{"start":10,"end":42,"label":"citação"}]`), []byte(`[{"citation":"Súmula 37 do STJ"},{"citation":"REsp 1.234.567/SP"}]`),
			"", []byte(`{qualidade,citações}`), now)
}

func TestEventsDecodesRows(t *testing.T) {
	store, mock := newTestFeedbackStore(t)

	mock.ExpectQuery("SELECT (.+) FROM feedback_events").WithArgs("run-1").
		WillReturnRows(feedbackRows(t))

	events, err := store.Events(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if len(events[1].ErrorSpans) != 1 || events[1].ErrorSpans[0].Label != "citação" {
		t.Errorf("ErrorSpans = %+v", events[1].ErrorSpans)
	}
	if len(events[0].Tags) != 1 || events[0].Tags[0] != "qualidade" {
		t.Errorf("Tags = %v", events[0].Tags)
	}
}

func TestSummarise(t *testing.T) {
	store, mock := newTestFeedbackStore(t)

	mock.ExpectQuery("SELECT (.+) FROM feedback_events").WithArgs("run-1").
		WillReturnRows(feedbackRows(t))

	summary, err := store.Summarise(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if summary.EventCount != 2 {
		t.Errorf("EventCount = %d", summary.EventCount)
	}
	if summary.MeanRating != 0 {
		t.Errorf("MeanRating = %f, want 0 (+1 and -1)", summary.MeanRating)
	}
	if summary.TotalErrorSpans != 1 {
		t.Errorf("TotalErrorSpans = %d", summary.TotalErrorSpans)
	}
	// the same citation in two events counts once
	if summary.DistinctMissingSrcs != 2 {
		t.Errorf("DistinctMissingSrcs = %d, want 2", summary.DistinctMissingSrcs)
	}
	if summary.Tags["qualidade"] != 2 || summary.Tags["citações"] != 1 {
		t.Errorf("Tags = %v", summary.Tags)
	}
}

func TestSummariseEmptyRun(t *testing.T) {
	store, mock := newTestFeedbackStore(t)

	columns := []string{"id", "run_id", "rater_id", "rating", "comment",
		"error_spans", "missing_sources", "edited_text_md", "tags", "created_at"}
	mock.ExpectQuery("SELECT (.+) FROM feedback_events").WithArgs("run-empty").
		WillReturnRows(sqlmock.NewRows(columns))

	summary, err := store.Summarise(context.Background(), "run-empty")
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if summary.EventCount != 0 || summary.MeanRating != 0 {
		t.Errorf("summary = %+v", summary)
	}
}
