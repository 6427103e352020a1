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
	"math"
	"sort"
	"time"

	"lexflow/platform/retrieval"
)

// TaskKind identifies what the caller wants produced.
type TaskKind string

const (
	TaskDraft     TaskKind = "draft"
	TaskReview    TaskKind = "review"
	TaskSummarise TaskKind = "summarise"
	TaskAnswer    TaskKind = "answer"
)

// ValidTaskKind reports whether k is a recognised task kind.
func ValidTaskKind(k TaskKind) bool {
	switch k {
	case TaskDraft, TaskReview, TaskSummarise, TaskAnswer:
		return true
	}
	return false
}

// AgentKind identifies a specialised agent in the graph.
type AgentKind string

const (
	AgentAnalyser   AgentKind = "analyser"
	AgentResearcher AgentKind = "researcher"
	AgentDrafter    AgentKind = "drafter"
	AgentCritic     AgentKind = "critic"
	AgentFormatter  AgentKind = "formatter"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending         RunStatus = "pending"
	StatusRunning         RunStatus = "running"
	StatusAwaitingTool    RunStatus = "awaiting_tool"
	StatusAwaitingModel   RunStatus = "awaiting_model"
	StatusSucceeded       RunStatus = "succeeded"
	StatusFailed          RunStatus = "failed"
	StatusCancelled       RunStatus = "cancelled"
	StatusBudgetExhausted RunStatus = "budget_exhausted"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusBudgetExhausted:
		return true
	}
	return false
}

var statusTransitions = map[RunStatus][]RunStatus{
	StatusPending:       {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:       {StatusAwaitingTool, StatusAwaitingModel, StatusSucceeded, StatusFailed, StatusCancelled, StatusBudgetExhausted},
	StatusAwaitingTool:  {StatusRunning, StatusFailed, StatusCancelled, StatusBudgetExhausted},
	StatusAwaitingModel: {StatusRunning, StatusFailed, StatusCancelled, StatusBudgetExhausted},
}

// CanTransition reports whether from→to is a legal status transition.
func CanTransition(from, to RunStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PIIStrategy selects the redaction form applied to detected spans.
type PIIStrategy string

const (
	PIIStrategyTyped  PIIStrategy = "typed"
	PIIStrategyHashed PIIStrategy = "hashed"
	PIIStrategyMasked PIIStrategy = "masked"
)

// RunConfig is the recognised configuration bundle of a submit-run request.
type RunConfig struct {
	UseInternalRAG        bool                 `json:"use_internal_rag"`
	KTotal                int                  `json:"k_total"`
	EnablePersonalisation bool                 `json:"enable_personalisation"`
	PersonalisationAlpha  float64              `json:"personalisation_alpha"`
	MaxIterations         int                  `json:"max_iterations"`
	DeadlineMS            int                  `json:"deadline_ms"`
	CostCeiling           float64              `json:"cost_ceiling"`
	ModelPreferences      map[AgentKind]string `json:"model_preferences,omitempty"`
	PIIStrategy           PIIStrategy          `json:"pii_strategy"`
	DocumentType          string               `json:"document_type,omitempty"`
	MaxRevisions          int                  `json:"max_revisions"`
}

// DefaultRunConfig returns the configuration defaults applied before
// per-request overrides.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		UseInternalRAG:        true,
		KTotal:                20,
		EnablePersonalisation: true,
		PersonalisationAlpha:  0.25,
		MaxIterations:         10,
		DeadlineMS:            300_000,
		CostCeiling:           1.0,
		PIIStrategy:           PIIStrategyTyped,
		MaxRevisions:          2,
	}
}

// Clamp normalises out-of-range values in place.
func (c *RunConfig) Clamp() {
	if c.KTotal < 0 {
		c.KTotal = 0
	}
	if c.KTotal > retrieval.MaxKTotal {
		c.KTotal = retrieval.MaxKTotal
	}
	if c.PersonalisationAlpha < 0 {
		c.PersonalisationAlpha = 0
	}
	if c.PersonalisationAlpha > 1 {
		c.PersonalisationAlpha = 1
	}
	if c.MaxIterations < 1 {
		c.MaxIterations = 1
	}
	if c.MaxRevisions < 0 {
		c.MaxRevisions = 0
	}
}

// ExternalDocument is a caller-supplied document, immutable once accepted.
type ExternalDocument struct {
	SourceID string            `json:"source_id"`
	Text     string            `json:"text"`
	URI      string            `json:"uri,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WorkingValue is a piece of the working set together with the agent that
// last wrote it and a monotonic version counter.
type WorkingValue struct {
	Text      string    `json:"text"`
	WrittenBy AgentKind `json:"written_by"`
	Version   int       `json:"version"`
}

// AnalysisResult is the structured output of the analyser agent.
type AnalysisResult struct {
	Thesis            string   `json:"thesis"`
	Gaps              []string `json:"gaps,omitempty"`
	Approach          string   `json:"approach"`
	Complexity        string   `json:"complexity"`
	NeedsExternalInfo bool     `json:"needs_external_info"`
}

// CriticVerdict is the structured output of the critic agent. The latest
// verdict is authoritative when verdicts disagree across attempts.
type CriticVerdict struct {
	Verdict      string   `json:"verdict"` // "accept" or "revise"
	Report       string   `json:"report"`
	RevisedText  string   `json:"revised_text,omitempty"`
	QualityScore float64  `json:"quality_score"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

// TurnRecord is one agent invocation and its recorded outcome. Records are
// append-only and appear in strict dispatch order.
type TurnRecord struct {
	Agent        AgentKind `json:"agent"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DurationMS   int64     `json:"duration_ms"`
	CostUSD      float64   `json:"cost_usd"`
	Summary      string    `json:"summary,omitempty"`
	PromptDigest string    `json:"prompt_digest,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// RetrievalCall records one retrieval invocation on the run.
type RetrievalCall struct {
	Query       string                 `json:"query"`
	Hits        []retrieval.Hit        `json:"hits"`
	Fusion      retrieval.FusionParams `json:"fusion"`
	Annotations []string               `json:"annotations,omitempty"`
	DurationMS  int64                  `json:"duration_ms"`
}

// Budget holds the three independently enforced run budgets.
type Budget struct {
	MaxIterations int           `json:"max_iterations"`
	Deadline      time.Duration `json:"deadline"`
	CostCeiling   float64       `json:"cost_ceiling"`
}

// RoundCost normalises a monetary amount to six decimal places.
func RoundCost(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// RunState is the mutable scratchpad of one in-flight run. It is exclusively
// owned by the supervisor goroutine; concurrent subsystems return deltas that
// the supervisor merges between turns.
type RunState struct {
	// Identity
	RunID        string    `json:"run_id"`
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id,omitempty"`
	Task         TaskKind  `json:"task"`
	DocumentType string    `json:"document_type,omitempty"`
	StartedAt    time.Time `json:"started_at"`

	// Inputs, immutable after creation
	Query        string             `json:"query"`
	ExternalDocs []ExternalDocument `json:"external_docs,omitempty"`
	Config       RunConfig          `json:"config"`

	// Working set
	Analysis  *AnalysisResult `json:"analysis,omitempty"`
	Draft     WorkingValue    `json:"draft"`
	OldDrafts []string        `json:"old_drafts,omitempty"`
	Findings  WorkingValue    `json:"findings"`
	Verdicts  []CriticVerdict `json:"verdicts,omitempty"`
	Formatted WorkingValue    `json:"formatted"`

	// Trace and retrieval record
	Trace      []TurnRecord    `json:"trace"`
	Retrievals []RetrievalCall `json:"retrievals,omitempty"`

	// Policy and PII
	PolicySnapshot *PolicySnapshot `json:"policy_snapshot,omitempty"`
	PIIReport      []PIIDetection  `json:"pii_report,omitempty"`
	RedactedQuery  string          `json:"redacted_query"`

	// Budgets and accounting
	Budget    Budget  `json:"budget"`
	Iteration int     `json:"iteration"`
	CostSpent float64 `json:"cost_spent"`

	// Outcome
	Status      RunStatus `json:"status"`
	FinalText   string    `json:"final_text,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	ErrorCause  string    `json:"error_cause,omitempty"`
	Annotations []string  `json:"annotations,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`

	sourcesConsumed map[string]struct{}
}

// NewRunState builds the initial state for a submitted run.
func NewRunState(runID, tenantID, userID string, task TaskKind, query string, docs []ExternalDocument, cfg RunConfig) *RunState {
	cfg.Clamp()
	return &RunState{
		RunID:           runID,
		TenantID:        tenantID,
		UserID:          userID,
		Task:            task,
		DocumentType:    cfg.DocumentType,
		StartedAt:       time.Now().UTC(),
		Query:           query,
		RedactedQuery:   query,
		ExternalDocs:    docs,
		Config:          cfg,
		Status:          StatusPending,
		Budget: Budget{
			MaxIterations: cfg.MaxIterations,
			Deadline:      time.Duration(cfg.DeadlineMS) * time.Millisecond,
			CostCeiling:   cfg.CostCeiling,
		},
		sourcesConsumed: make(map[string]struct{}),
	}
}

// Transition moves the run to a new status, enforcing the state machine.
func (s *RunState) Transition(to RunStatus) bool {
	if !CanTransition(s.Status, to) {
		return false
	}
	s.Status = to
	return true
}

// AppendTurn adds a turn record to the trace and charges its cost.
func (s *RunState) AppendTurn(t TurnRecord) {
	s.Trace = append(s.Trace, t)
	s.CostSpent = RoundCost(s.CostSpent + t.CostUSD)
}

// SetDraft replaces the current draft, archiving the previous version.
func (s *RunState) SetDraft(text string, by AgentKind) {
	if s.Draft.Text != "" {
		s.OldDrafts = append(s.OldDrafts, s.Draft.Text)
	}
	s.Draft = WorkingValue{Text: text, WrittenBy: by, Version: s.Draft.Version + 1}
}

// SetFindings replaces the research findings.
func (s *RunState) SetFindings(text string, by AgentKind) {
	s.Findings = WorkingValue{Text: text, WrittenBy: by, Version: s.Findings.Version + 1}
}

// SetFormatted records the formatter output.
func (s *RunState) SetFormatted(text string, by AgentKind) {
	s.Formatted = WorkingValue{Text: text, WrittenBy: by, Version: s.Formatted.Version + 1}
}

// LatestVerdict returns the most recent critic verdict, nil if none.
func (s *RunState) LatestVerdict() *CriticVerdict {
	if len(s.Verdicts) == 0 {
		return nil
	}
	return &s.Verdicts[len(s.Verdicts)-1]
}

// BestDraft returns the most useful text available for a best-effort finish.
func (s *RunState) BestDraft() string {
	if s.Formatted.Text != "" {
		return s.Formatted.Text
	}
	if v := s.LatestVerdict(); v != nil && v.RevisedText != "" {
		return v.RevisedText
	}
	return s.Draft.Text
}

// ConsumeSources marks source ids as consumed by a tool call.
func (s *RunState) ConsumeSources(ids ...string) {
	if s.sourcesConsumed == nil {
		s.sourcesConsumed = make(map[string]struct{})
	}
	for _, id := range ids {
		if id != "" {
			s.sourcesConsumed[id] = struct{}{}
		}
	}
}

// SourcesConsumed returns the sorted, deduplicated source ids consumed so far.
func (s *RunState) SourcesConsumed() []string {
	ids := make([]string, 0, len(s.sourcesConsumed))
	for id := range s.sourcesConsumed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Annotate appends a non-fatal note to the run.
func (s *RunState) Annotate(note string) {
	s.Annotations = append(s.Annotations, note)
}

// Elapsed returns the run's wall-clock duration, frozen at termination.
func (s *RunState) Elapsed() time.Duration {
	if !s.FinishedAt.IsZero() {
		return s.FinishedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// RemainingDeadline returns how much wall-clock budget is left.
func (s *RunState) RemainingDeadline() time.Duration {
	elapsed := time.Since(s.StartedAt)
	if elapsed >= s.Budget.Deadline {
		return 0
	}
	return s.Budget.Deadline - elapsed
}

// BudgetBreached reports which budget, if any, has been exhausted.
func (s *RunState) BudgetBreached() (string, bool) {
	if s.Iteration >= s.Budget.MaxIterations {
		return "max_iterations", true
	}
	if s.RemainingDeadline() <= 0 {
		return "deadline", true
	}
	if s.Budget.CostCeiling > 0 && s.CostSpent >= s.Budget.CostCeiling {
		return "cost_ceiling", true
	}
	return "", false
}
