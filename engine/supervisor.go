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
	"fmt"
	"strconv"
	"sync"
	"time"

	"lexflow/platform/retrieval"
	"lexflow/platform/shared/logger"
)

// AuditSealer seals the forensic record of a terminated run.
type AuditSealer interface {
	Seal(ctx context.Context, state *RunState) error
}

// SupervisorOptions sizes the worker pool and its queue.
type SupervisorOptions struct {
	Workers    int
	QueueDepth int
}

// DefaultSupervisorOptions returns the pool defaults.
func DefaultSupervisorOptions() SupervisorOptions {
	return SupervisorOptions{Workers: 8, QueueDepth: 64}
}

type runJob struct {
	state  *RunState
	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}
}

// Supervisor drives runs to termination: it owns the worker pool, the
// per-iteration routing decision, the policy checkpoints, and the budget
// enforcement. Each run state is written only by the worker goroutine that
// owns it.
type Supervisor struct {
	runtime  *AgentRuntime
	tools    *ToolRegistry
	policies *PolicyEngine
	detector *PIIDetector
	audit    AuditSealer
	log      *logger.Logger

	queue   chan *runJob
	workers int

	mu   sync.RWMutex
	runs map[string]*runJob

	wg      sync.WaitGroup
	started bool
}

// NewSupervisor wires the executor over its collaborators.
func NewSupervisor(runtime *AgentRuntime, tools *ToolRegistry, policies *PolicyEngine, detector *PIIDetector, audit AuditSealer, opts SupervisorOptions) *Supervisor {
	if opts.Workers <= 0 {
		opts.Workers = DefaultSupervisorOptions().Workers
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultSupervisorOptions().QueueDepth
	}
	return &Supervisor{
		runtime:  runtime,
		tools:    tools,
		policies: policies,
		detector: detector,
		audit:    audit,
		log:      logger.New("supervisor"),
		queue:    make(chan *runJob, opts.QueueDepth),
		workers:  opts.Workers,
		runs:     make(map[string]*runJob),
	}
}

// Start launches the worker pool.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop drains the pool. In-flight runs finish; queued runs are abandoned when
// the parent context is cancelled.
func (s *Supervisor) Stop() {
	close(s.queue)
	s.wg.Wait()
}

// Submit enqueues a run for execution. A full queue is reported to the
// caller rather than blocking the ingress path.
func (s *Supervisor) Submit(parent context.Context, state *RunState) error {
	runCtx, cancel := context.WithCancel(parent)
	job := &runJob{state: state, ctx: runCtx, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, exists := s.runs[state.RunID]; exists {
		s.mu.Unlock()
		cancel()
		return NewError(ErrInputInvalid, "run %s already submitted", state.RunID)
	}
	s.runs[state.RunID] = job
	s.mu.Unlock()

	select {
	case s.queue <- job:
		metricQueueDepth.Set(float64(len(s.queue)))
		return nil
	default:
		s.mu.Lock()
		delete(s.runs, state.RunID)
		s.mu.Unlock()
		cancel()
		return NewError(ErrInputInvalid, "run queue is full")
	}
}

// Cancel signals a run to stop at its next suspension point.
func (s *Supervisor) Cancel(runID string) bool {
	s.mu.RLock()
	job, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	job.cancel()
	return true
}

// Lookup returns the state of a known run, nil when unknown. Callers must
// treat the result as read-only while the run is live.
func (s *Supervisor) Lookup(runID string) *RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if job, ok := s.runs[runID]; ok {
		return job.state
	}
	return nil
}

// Wait blocks until the run terminates or the context expires.
func (s *Supervisor) Wait(ctx context.Context, runID string) error {
	s.mu.RLock()
	job, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return NewError(ErrInputInvalid, "unknown run %s", runID)
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) worker() {
	defer s.wg.Done()
	for job := range s.queue {
		metricQueueDepth.Set(float64(len(s.queue)))
		s.execute(job)
	}
}

func (s *Supervisor) execute(job *runJob) {
	state := job.state
	defer close(job.done)
	defer job.cancel()

	start := time.Now()
	s.runLoop(job.ctx, state)

	metricRunsTotal.WithLabelValues(string(state.Status)).Inc()
	metricRunCost.Observe(state.CostSpent)
	s.log.InfoWithDuration(state.TenantID, state.RunID, "run terminated", float64(time.Since(start).Milliseconds()), map[string]interface{}{
		"status":     string(state.Status),
		"iterations": state.Iteration,
		"cost_usd":   state.CostSpent,
	})
}

// runLoop is the executor proper. Every exit path seals the audit record.
func (s *Supervisor) runLoop(ctx context.Context, state *RunState) {
	if !state.Transition(StatusRunning) {
		s.fail(ctx, state, NewError(ErrInputInvalid, "run not in a startable state"))
		return
	}

	if err := s.ingest(ctx, state); err != nil {
		s.fail(ctx, state, err)
		return
	}

	lastReviewedVersion := 0

	for {
		if ctx.Err() != nil {
			s.terminate(ctx, state, StatusCancelled, NewError(ErrCancelled, "run cancelled"))
			return
		}
		if budget, breached := state.BudgetBreached(); breached {
			s.finishOnBudget(ctx, state, budget)
			return
		}

		next := s.route(state, lastReviewedVersion)
		state.Iteration++

		switch next {
		case AgentAnalyser:
			if err := s.modelTurn(ctx, state, AgentAnalyser, func(out AgentOutput) {
				state.Analysis = out.Analysis
			}); err != nil {
				s.fail(ctx, state, err)
				return
			}

		case AgentResearcher:
			if err := s.researchTurn(ctx, state); err != nil {
				s.fail(ctx, state, err)
				return
			}

		case AgentDrafter:
			if err := s.modelTurn(ctx, state, AgentDrafter, func(out AgentOutput) {
				state.SetDraft(out.Text, AgentDrafter)
			}); err != nil {
				s.fail(ctx, state, err)
				return
			}

		case AgentCritic:
			if err := s.modelTurn(ctx, state, AgentCritic, func(out AgentOutput) {
				state.Verdicts = append(state.Verdicts, *out.Verdict)
			}); err != nil {
				s.fail(ctx, state, err)
				return
			}
			lastReviewedVersion = state.Draft.Version

		case AgentFormatter:
			if err := s.emit(ctx, state); err != nil {
				s.fail(ctx, state, err)
				return
			}
			return

		default:
			s.fail(ctx, state, NewError(ErrToolFatal, "router produced no next agent"))
			return
		}
	}
}

// route is the pure routing decision. Deterministic over the state.
func (s *Supervisor) route(state *RunState, lastReviewedVersion int) AgentKind {
	if state.Analysis == nil {
		return AgentAnalyser
	}
	if state.Analysis.NeedsExternalInfo && len(state.Retrievals) == 0 &&
		(state.Config.UseInternalRAG || len(state.ExternalDocs) > 0) {
		return AgentResearcher
	}
	if state.Draft.Text == "" {
		return AgentDrafter
	}
	if state.Draft.Version > lastReviewedVersion {
		return AgentCritic
	}
	if v := state.LatestVerdict(); v != nil && v.Verdict == "revise" {
		// Draft.Version counts from 1; re-drafts past the revision budget
		// fall through to the formatter on the best text available.
		if state.Draft.Version-1 < state.Config.MaxRevisions {
			return AgentDrafter
		}
		state.Annotate("max_revisions_reached")
	}
	return AgentFormatter
}

// ingest runs the on_ingest checkpoint: PII scan plus redaction of the query
// and attached documents, then the policy gate.
func (s *Supervisor) ingest(ctx context.Context, state *RunState) error {
	redacted, detections := s.detector.ScanAndRedact(state.Query, state.Config.PIIStrategy)
	state.RedactedQuery = redacted
	state.PIIReport = detections

	for i := range state.ExternalDocs {
		docRedacted, docDetections := s.detector.ScanAndRedact(state.ExternalDocs[i].Text, state.Config.PIIStrategy)
		state.ExternalDocs[i].Text = docRedacted
		state.PIIReport = append(state.PIIReport, docDetections...)
	}
	for _, det := range state.PIIReport {
		metricPIIDetections.WithLabelValues(string(det.Type)).Inc()
	}

	state.PolicySnapshot = s.policies.Snapshot(ctx, state.TenantID)
	return s.checkpoint(state, CheckpointOnIngest)
}

// checkpoint evaluates the named policy checkpoint against the current state.
// Deny is the only error path; require_review and annotate mark the run and
// continue, redact is already in effect from ingest.
func (s *Supervisor) checkpoint(state *RunState, cp Checkpoint) error {
	decision := s.policies.Evaluate(state.PolicySnapshot, cp, s.evalContext(state))
	metricPolicyDecisions.WithLabelValues(string(cp), string(decision.Action)).Inc()

	for _, ann := range decision.Annotations {
		state.Annotate("policy:" + ann)
	}

	switch decision.Action {
	case ActionDeny:
		return &EngineError{
			Kind:    ErrPolicyDeny,
			Message: fmt.Sprintf("policy denied at %s: %s", cp, decision.Reason),
			RuleID:  decision.RuleID,
			RunID:   state.RunID,
		}
	case ActionRequireReview:
		state.Annotate("review_required:" + decision.RuleID)
	}
	return nil
}

func (s *Supervisor) evalContext(state *RunState) map[string]interface{} {
	qualityScore := -1.0
	if v := state.LatestVerdict(); v != nil {
		qualityScore = v.QualityScore
	}
	return map[string]interface{}{
		"request": map[string]interface{}{
			"task":          string(state.Task),
			"document_type": state.DocumentType,
			"tenant_id":     state.TenantID,
			"user_id":       state.UserID,
		},
		"pii": map[string]interface{}{
			"count": len(state.PIIReport),
		},
		"run": map[string]interface{}{
			"iteration":  state.Iteration,
			"cost_spent": state.CostSpent,
			"status":     string(state.Status),
			"terminated": state.Status.Terminal(),
		},
		"quality": map[string]interface{}{
			"score": qualityScore,
		},
	}
}

// modelTurn runs one agent turn under the before_model_call checkpoint and
// applies the state delta on success.
func (s *Supervisor) modelTurn(ctx context.Context, state *RunState, kind AgentKind, apply func(AgentOutput)) error {
	if err := s.checkpoint(state, CheckpointBeforeModelCall); err != nil {
		return err
	}

	state.Transition(StatusAwaitingModel)
	output, record, err := s.runtime.Run(ctx, state, kind)
	state.AppendTurn(record)
	state.Transition(StatusRunning)
	metricTurnDuration.WithLabelValues(string(kind)).Observe(float64(record.DurationMS) / 1000)

	if err != nil {
		return err
	}
	apply(output)
	return nil
}

// researchTurn runs the before_retrieval checkpoint, the retrieve tool, and
// the researcher model pass that consolidates the results.
func (s *Supervisor) researchTurn(ctx context.Context, state *RunState) error {
	if err := s.checkpoint(state, CheckpointBeforeRetrieval); err != nil {
		return err
	}

	externalDocs := make([]interface{}, 0, len(state.ExternalDocs))
	for _, d := range state.ExternalDocs {
		externalDocs = append(externalDocs, map[string]interface{}{"source_id": d.SourceID, "text": d.Text})
		state.ConsumeSources(d.SourceID)
	}

	state.Transition(StatusAwaitingTool)
	start := time.Now()
	result, err := s.tools.Execute(ctx, "retrieve", map[string]interface{}{
		"query":         state.RedactedQuery,
		"tenant_id":     state.TenantID,
		"k":             float64(state.Config.KTotal),
		"use_internal":  state.Config.UseInternalRAG,
		"personalise":   state.Config.EnablePersonalisation,
		"alpha":         state.Config.PersonalisationAlpha,
		"external_docs": externalDocs,
	})
	state.Transition(StatusRunning)

	if err != nil {
		return WrapError(ErrRetrievalFailed, err, "federated retrieval failed")
	}

	hits, _ := result["hits"].([]retrieval.Hit)
	fusion, _ := result["fusion"].(retrieval.FusionParams)
	annotations, _ := result["annotations"].([]string)
	degraded, _ := result["degraded"].(bool)
	allFailed, _ := result["all_failed"].(bool)

	call := RetrievalCall{
		Query:       state.RedactedQuery,
		Hits:        hits,
		Fusion:      fusion,
		Annotations: annotations,
		DurationMS:  time.Since(start).Milliseconds(),
	}
	state.Retrievals = append(state.Retrievals, call)
	metricRetrievalDuration.WithLabelValues(strconv.FormatBool(degraded)).Observe(time.Since(start).Seconds())

	for _, hit := range hits {
		state.ConsumeSources(hit.SourceID)
	}
	if degraded {
		state.Annotate("retrieval_degraded")
	}
	if allFailed {
		// Not fatal: continue on attached documents alone.
		state.Annotate("retrieval_failed")
		s.log.Warn(state.TenantID, state.RunID, "all retrieval legs failed, continuing without internal context", nil)
		return nil
	}

	return s.modelTurn(ctx, state, AgentResearcher, func(out AgentOutput) {
		state.SetFindings(out.Text, AgentResearcher)
	})
}

// emit runs the formatter under before_emit, then on_export, then seals.
func (s *Supervisor) emit(ctx context.Context, state *RunState) error {
	if err := s.checkpoint(state, CheckpointBeforeEmit); err != nil {
		return err
	}

	if err := s.modelTurn(ctx, state, AgentFormatter, func(out AgentOutput) {
		state.SetFormatted(out.Text, AgentFormatter)
	}); err != nil {
		return err
	}

	state.FinalText = state.Formatted.Text
	if !state.Transition(StatusSucceeded) {
		return NewError(ErrToolFatal, "illegal transition to succeeded from %s", state.Status)
	}

	if err := s.checkpoint(state, CheckpointOnExport); err != nil {
		// Already terminal, so no Transition path exists; record the denial
		// with its rule so the status API reports why the text was withheld.
		cause, ok := err.(*EngineError)
		if !ok {
			cause = WrapError(ErrPolicyDeny, err, "export denied")
		}
		state.FinalText = ""
		state.Status = StatusFailed
		state.ErrorKind = cause.Kind
		state.ErrorCause = denyCause(cause)
		s.seal(ctx, state)
		return nil
	}

	s.seal(ctx, state)
	return nil
}

// finishOnBudget handles a budget breach: one last formatter pass over the
// best draft when one exists, otherwise a plain budget failure.
func (s *Supervisor) finishOnBudget(ctx context.Context, state *RunState, budget string) {
	state.Annotate("budget_breached:" + budget)
	best := state.BestDraft()

	if best != "" {
		// The formatter pass runs outside the iteration budget but under a
		// fresh short deadline so a stalled model cannot hold the worker.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
		defer cancel()

		// On a deadline breach the remaining wall-clock budget is zero, which
		// would reject the formatter turn before it starts. Grant the finish
		// pass the same headroom the context carries.
		if state.RemainingDeadline() < 60*time.Second {
			state.Budget.Deadline = time.Since(state.StartedAt) + 60*time.Second
		}

		if state.Formatted.Text == "" {
			if err := s.modelTurn(finishCtx, state, AgentFormatter, func(out AgentOutput) {
				state.SetFormatted(out.Text, AgentFormatter)
			}); err == nil {
				best = state.Formatted.Text
			}
		} else {
			best = state.Formatted.Text
		}
		state.FinalText = best
	}

	state.ErrorKind = ErrBudgetExhausted
	state.ErrorCause = budget
	if best == "" {
		state.Status = StatusFailed
	} else {
		state.Transition(StatusBudgetExhausted)
	}
	s.seal(ctx, state)
}

// terminate moves the run to a terminal status and seals the record.
func (s *Supervisor) terminate(ctx context.Context, state *RunState, status RunStatus, cause *EngineError) {
	state.ErrorKind = cause.Kind
	state.ErrorCause = denyCause(cause)
	if !state.Transition(status) {
		state.Status = status
	}
	s.seal(ctx, state)
}

// denyCause renders an error cause for the run record, carrying the policy
// rule identifier when one is attached.
func denyCause(e *EngineError) string {
	if e.RuleID != "" {
		return e.Message + " (rule: " + e.RuleID + ")"
	}
	return e.Message
}

// fail terminates the run as failed with the error's kind as cause.
func (s *Supervisor) fail(ctx context.Context, state *RunState, err error) {
	var cause *EngineError
	if ee, ok := err.(*EngineError); ok {
		cause = ee
	} else {
		cause = WrapError(ErrToolFatal, err, "run failed")
	}

	if cause.Kind == ErrCancelled {
		s.terminate(ctx, state, StatusCancelled, cause)
		return
	}
	if cause.Kind == ErrBudgetExhausted {
		// The run deadline expired mid-turn; take the best-effort finish
		// instead of a plain failure.
		s.finishOnBudget(ctx, state, "deadline")
		return
	}

	s.log.ErrorWithCode(state.TenantID, state.RunID, "run failed", string(cause.Kind), cause, map[string]interface{}{
		"rule_id": cause.RuleID,
	})
	s.terminate(ctx, state, StatusFailed, cause)
}

// seal writes the forensic record. A seal failure flips even a successful
// run to failed: no document leaves without a sealed record.
func (s *Supervisor) seal(ctx context.Context, state *RunState) {
	if state.FinishedAt.IsZero() {
		state.FinishedAt = time.Now().UTC()
	}
	if s.audit == nil {
		return
	}
	// Sealing must survive run cancellation.
	sealCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if err := s.audit.Seal(sealCtx, state); err != nil {
		s.log.ErrorWithCode(state.TenantID, state.RunID, "audit seal failed", string(ErrAuditWriteFailed), err, nil)
		state.Status = StatusFailed
		state.ErrorKind = ErrAuditWriteFailed
		state.ErrorCause = err.Error()
		state.FinalText = ""
	}
}
