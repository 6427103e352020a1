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
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"lexflow/platform/retrieval"
	"lexflow/platform/shared/logger"
)

func validSubmit() SubmitRunRequest {
	return SubmitRunRequest{
		TenantID: "tenant-1",
		Task:     TaskDraft,
		Query:    "elabore parecer sobre responsabilidade civil",
	}
}

func TestSubmitRunRequestValidate(t *testing.T) {
	manyDocs := make([]ExternalDocumentRequest, maxExternalDocs+1)
	for i := range manyDocs {
		manyDocs[i] = ExternalDocumentRequest{SourceID: strings.Repeat("d", i+1), Text: "x"}
	}

	tests := []struct {
		name    string
		mutate  func(*SubmitRunRequest)
		wantErr bool
	}{
		{"valid minimal", func(*SubmitRunRequest) {}, false},
		{"valid with docs", func(r *SubmitRunRequest) {
			r.ExternalDocs = []ExternalDocumentRequest{
				{SourceID: "contrato", Text: "cláusulas"},
				{SourceID: "anexo", URI: "s3://bucket/anexo.txt"},
			}
		}, false},
		{"missing tenant", func(r *SubmitRunRequest) { r.TenantID = "" }, true},
		{"missing query", func(r *SubmitRunRequest) { r.Query = "" }, true},
		{"oversized query", func(r *SubmitRunRequest) { r.Query = strings.Repeat("a", maxQueryBytes+1) }, true},
		{"unknown task", func(r *SubmitRunRequest) { r.Task = "traduzir" }, true},
		{"too many docs", func(r *SubmitRunRequest) { r.ExternalDocs = manyDocs }, true},
		{"doc without source id", func(r *SubmitRunRequest) {
			r.ExternalDocs = []ExternalDocumentRequest{{Text: "x"}}
		}, true},
		{"duplicate source ids", func(r *SubmitRunRequest) {
			r.ExternalDocs = []ExternalDocumentRequest{
				{SourceID: "doc-1", Text: "a"},
				{SourceID: "doc-1", Text: "b"},
			}
		}, true},
		{"doc without text or uri", func(r *SubmitRunRequest) {
			r.ExternalDocs = []ExternalDocumentRequest{{SourceID: "doc-1"}}
		}, true},
		{"oversized doc text", func(r *SubmitRunRequest) {
			r.ExternalDocs = []ExternalDocumentRequest{
				{SourceID: "doc-1", Text: strings.Repeat("a", maxDocTextBytes+1)},
			}
		}, true},
		{"doc text at the limit", func(r *SubmitRunRequest) {
			r.ExternalDocs = []ExternalDocumentRequest{
				{SourceID: "doc-1", Text: strings.Repeat("a", maxDocTextBytes)},
			}
		}, false},
		{"oversized aggregate", func(r *SubmitRunRequest) {
			// five documents, each within the per-document bound, together
			// past the aggregate bound
			docs := make([]ExternalDocumentRequest, 5)
			for i := range docs {
				docs[i] = ExternalDocumentRequest{
					SourceID: strings.Repeat("d", i+1),
					Text:     strings.Repeat("a", 450<<10),
				}
			}
			r.ExternalDocs = docs
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validSubmit()
			tt.mutate(&req)
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil && !IsKind(err, ErrInputInvalid) {
				t.Errorf("kind = %s, want %s", KindOf(err), ErrInputInvalid)
			}
		})
	}
}

func TestRunConfigRequestApply(t *testing.T) {
	useRAG := false
	k := 25
	alpha := 0.4
	ceiling := 0.5
	strategy := PIIStrategyMasked

	req := &RunConfigRequest{
		UseInternalRAG:       &useRAG,
		KTotal:               &k,
		PersonalisationAlpha: &alpha,
		CostCeiling:          &ceiling,
		PIIStrategy:          &strategy,
		ModelPreferences:     map[AgentKind]string{AgentDrafter: "claude-opus-4-20250514"},
	}

	cfg := DefaultRunConfig()
	req.Apply(&cfg)

	if cfg.UseInternalRAG {
		t.Error("UseInternalRAG override lost")
	}
	if cfg.KTotal != 25 || cfg.PersonalisationAlpha != 0.4 || cfg.CostCeiling != 0.5 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.PIIStrategy != PIIStrategyMasked {
		t.Errorf("PIIStrategy = %s", cfg.PIIStrategy)
	}
	if cfg.ModelPreferences[AgentDrafter] != "claude-opus-4-20250514" {
		t.Errorf("ModelPreferences = %v", cfg.ModelPreferences)
	}

	// untouched fields keep the defaults
	defaults := DefaultRunConfig()
	if cfg.MaxIterations != defaults.MaxIterations || cfg.DeadlineMS != defaults.DeadlineMS {
		t.Errorf("untouched fields changed: %+v", cfg)
	}
}

// TestRunStatusTerminalResponse verifies the terminal run response carries
// the document type, the retrieval context summary, the ranked external
// sources, and the wall-clock duration
func TestRunStatusTerminalResponse(t *testing.T) {
	needsInfo := `{"thesis": "tese", "approach": "analisar anexos", "complexity": "medium", "needs_external_info": true}`
	hits := []retrieval.Hit{
		{SourceID: "anexo-1", Origin: retrieval.OriginExternal, Rank: 1, FusedScore: 0.9},
		{SourceID: "doc-7", Origin: retrieval.OriginInternal, Rank: 2, FusedScore: 0.4},
	}
	f := newSupervisorFixture(t, scriptedResponder(needsInfo, acceptAlways()), fakeRetrieveTool(hits, false))

	cfg := DefaultRunConfig()
	cfg.DocumentType = "parecer"
	docs := []ExternalDocument{{SourceID: "anexo-1", Text: "contrato"}}
	state := NewRunState("run-status", "tenant-1", "user-1", TaskDraft, "analise o contrato", docs, cfg)
	runToCompletion(t, f, state)

	srv := &Server{log: logger.New("test-server"), super: f.super}
	req := httptest.NewRequest("GET", "/api/v1/runs/"+state.RunID, nil)
	req = mux.SetURLVars(req, map[string]string{"id": state.RunID})
	rec := httptest.NewRecorder()
	srv.runStatusHandler(rec, req)

	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp["status"] != string(StatusSucceeded) {
		t.Fatalf("status = %v", resp["status"])
	}
	if resp["document_type"] != "parecer" {
		t.Errorf("document_type = %v", resp["document_type"])
	}
	if _, ok := resp["duration_ms"].(float64); !ok {
		t.Errorf("duration_ms missing: %v", resp["duration_ms"])
	}

	ctx, ok := resp["context"].(map[string]interface{})
	if !ok {
		t.Fatalf("context summary missing: %v", resp)
	}
	if ctx["total"] != float64(2) {
		t.Errorf("context.total = %v, want 2", ctx["total"])
	}

	external, ok := resp["external_sources"].([]interface{})
	if !ok || len(external) != 1 {
		t.Fatalf("external_sources = %v, want one entry", resp["external_sources"])
	}
	entry := external[0].(map[string]interface{})
	if entry["source_id"] != "anexo-1" || entry["rank"] != float64(1) || entry["fused_score"] != 0.9 {
		t.Errorf("external_sources[0] = %v", entry)
	}

	sources, ok := resp["sources_used"].([]interface{})
	if !ok || len(sources) != 2 {
		t.Errorf("sources_used = %v, want [anexo-1 doc-7]", resp["sources_used"])
	}
}

func TestRunConfigRequestApplyNil(t *testing.T) {
	cfg := DefaultRunConfig()
	want := cfg

	var req *RunConfigRequest
	req.Apply(&cfg)

	if cfg.KTotal != want.KTotal || cfg.MaxIterations != want.MaxIterations {
		t.Errorf("nil overrides must be a no-op: %+v", cfg)
	}
}
