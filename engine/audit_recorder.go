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
	"sync"
	"time"

	"github.com/lib/pq"

	"lexflow/platform/shared/logger"
)

// AuditRecord is the sealed forensic record of one terminated run. Records
// are append-only: one per run, never updated.
type AuditRecord struct {
	RunID       string    `json:"run_id"`
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id,omitempty"`
	Task        TaskKind  `json:"task"`
	Status      RunStatus `json:"status"`
	Success     bool      `json:"success"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	ErrorCause  string    `json:"error_cause,omitempty"`

	InputHash   string `json:"input_hash"`
	OutputHash  string `json:"output_hash"`
	ContextHash string `json:"context_hash"`
	FinalText   string `json:"final_text,omitempty"`

	Trace          []TurnRecord    `json:"trace"`
	Retrievals     []RetrievalCall `json:"retrievals,omitempty"`
	PolicyVersion  int             `json:"policy_version"`
	PolicySnapshot *PolicySnapshot `json:"policy_snapshot,omitempty"`
	PIIReport      []PIIDetection  `json:"pii_report,omitempty"`
	SourcesUsed    []string        `json:"sources_used,omitempty"`
	Annotations    []string        `json:"annotations,omitempty"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	Iterations   int     `json:"iterations"`

	StartedAt time.Time `json:"started_at"`
	SealedAt  time.Time `json:"sealed_at"`
}

// AccessLogEntry records one read of an audit record. Append-only.
type AccessLogEntry struct {
	RunID      string    `json:"run_id"`
	ReaderID   string    `json:"reader_id"`
	Reason     string    `json:"reason"`
	AccessedAt time.Time `json:"accessed_at"`
}

// AuditRecorder seals audit records and serves audited reads. Record writes
// are synchronous: the caller must know whether the seal landed. Access-log
// entries go through a buffered queue with batched flushing, falling back to
// a direct write when the queue is saturated.
type AuditRecorder struct {
	db  *sql.DB
	log *logger.Logger

	accessQueue   chan *AccessLogEntry
	batchSize     int
	flushInterval time.Duration
	shutdown      chan struct{}
	drained       chan struct{}
	closeOnce     sync.Once
}

// NewAuditRecorder creates a recorder over the given database.
func NewAuditRecorder(db *sql.DB) *AuditRecorder {
	r := &AuditRecorder{
		db:            db,
		log:           logger.New("audit-recorder"),
		accessQueue:   make(chan *AccessLogEntry, 10000),
		batchSize:     100,
		flushInterval: 5 * time.Second,
		shutdown:      make(chan struct{}),
		drained:       make(chan struct{}),
	}
	go r.processAccessQueue()
	return r
}

// Close flushes pending access-log entries and stops the flusher.
func (r *AuditRecorder) Close() {
	r.closeOnce.Do(func() { close(r.shutdown) })
	<-r.drained
}

// Seal computes the three digests and writes the audit record. The write is
// append-only: a record that already exists for the run is left untouched.
func (r *AuditRecorder) Seal(ctx context.Context, state *RunState) error {
	record := r.build(state)

	traceJSON, err := json.Marshal(record.Trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	retrievalsJSON, err := json.Marshal(record.Retrievals)
	if err != nil {
		return fmt.Errorf("marshal retrievals: %w", err)
	}
	snapshotJSON, err := json.Marshal(record.PolicySnapshot)
	if err != nil {
		return fmt.Errorf("marshal policy snapshot: %w", err)
	}
	piiJSON, err := json.Marshal(record.PIIReport)
	if err != nil {
		return fmt.Errorf("marshal pii report: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO run_audit (
			run_id, tenant_id, user_id, task, status, success, error_kind, error_cause,
			input_hash, output_hash, context_hash, final_text,
			trace, retrievals, policy_version, policy_snapshot, pii_report,
			sources_used, annotations,
			input_tokens, output_tokens, cost_usd, duration_ms, iterations,
			started_at, sealed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		ON CONFLICT (run_id) DO NOTHING`,
		record.RunID, record.TenantID, record.UserID, record.Task, record.Status,
		record.Success, record.ErrorKind, record.ErrorCause,
		record.InputHash, record.OutputHash, record.ContextHash, record.FinalText,
		traceJSON, retrievalsJSON, record.PolicyVersion, snapshotJSON, piiJSON,
		pq.Array(record.SourcesUsed), pq.Array(record.Annotations),
		record.InputTokens, record.OutputTokens, record.CostUSD, record.DurationMS, record.Iterations,
		record.StartedAt, record.SealedAt)
	if err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}

	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		r.log.Warn(record.TenantID, record.RunID, "audit record already sealed, write skipped", nil)
	}
	return nil
}

// build assembles the record from terminal run state.
func (r *AuditRecorder) build(state *RunState) *AuditRecord {
	var inputTokens, outputTokens int
	for _, turn := range state.Trace {
		inputTokens += turn.InputTokens
		outputTokens += turn.OutputTokens
	}

	policyVersion := 0
	if state.PolicySnapshot != nil {
		policyVersion = state.PolicySnapshot.Version
	}

	return &AuditRecord{
		RunID:          state.RunID,
		TenantID:       state.TenantID,
		UserID:         state.UserID,
		Task:           state.Task,
		Status:         state.Status,
		Success:        state.Status == StatusSucceeded,
		ErrorKind:      string(state.ErrorKind),
		ErrorCause:     state.ErrorCause,
		InputHash:      InputHash(state.Query, state.TenantID, state.UserID, state.Config),
		OutputHash:     OutputHash(state.FinalText),
		ContextHash:    ContextHash(state.SourcesConsumed()),
		FinalText:      state.FinalText,
		Trace:          state.Trace,
		Retrievals:     state.Retrievals,
		PolicyVersion:  policyVersion,
		PolicySnapshot: state.PolicySnapshot,
		PIIReport:      state.PIIReport,
		SourcesUsed:    state.SourcesConsumed(),
		Annotations:    state.Annotations,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		CostUSD:        state.CostSpent,
		DurationMS:     time.Since(state.StartedAt).Milliseconds(),
		Iterations:     state.Iteration,
		StartedAt:      state.StartedAt,
		SealedAt:       time.Now().UTC(),
	}
}

// Fetch reads an audit record and logs the access. The read fails only on
// storage errors; an unknown run returns (nil, nil).
func (r *AuditRecorder) Fetch(ctx context.Context, runID, readerID, reason string) (*AuditRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT run_id, tenant_id, user_id, task, status, success, error_kind, error_cause,
		       input_hash, output_hash, context_hash, final_text,
		       trace, retrievals, policy_version, policy_snapshot, pii_report,
		       sources_used, annotations,
		       input_tokens, output_tokens, cost_usd, duration_ms, iterations,
		       started_at, sealed_at
		FROM run_audit WHERE run_id = $1`, runID)

	var record AuditRecord
	var traceJSON, retrievalsJSON, snapshotJSON, piiJSON []byte
	err := row.Scan(
		&record.RunID, &record.TenantID, &record.UserID, &record.Task, &record.Status,
		&record.Success, &record.ErrorKind, &record.ErrorCause,
		&record.InputHash, &record.OutputHash, &record.ContextHash, &record.FinalText,
		&traceJSON, &retrievalsJSON, &record.PolicyVersion, &snapshotJSON, &piiJSON,
		pq.Array(&record.SourcesUsed), pq.Array(&record.Annotations),
		&record.InputTokens, &record.OutputTokens, &record.CostUSD, &record.DurationMS, &record.Iterations,
		&record.StartedAt, &record.SealedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read audit record: %w", err)
	}

	if err := json.Unmarshal(traceJSON, &record.Trace); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	if len(retrievalsJSON) > 0 {
		if err := json.Unmarshal(retrievalsJSON, &record.Retrievals); err != nil {
			return nil, fmt.Errorf("decode retrievals: %w", err)
		}
	}
	if len(snapshotJSON) > 0 && string(snapshotJSON) != "null" {
		record.PolicySnapshot = &PolicySnapshot{}
		if err := json.Unmarshal(snapshotJSON, record.PolicySnapshot); err != nil {
			return nil, fmt.Errorf("decode policy snapshot: %w", err)
		}
	}
	if len(piiJSON) > 0 {
		if err := json.Unmarshal(piiJSON, &record.PIIReport); err != nil {
			return nil, fmt.Errorf("decode pii report: %w", err)
		}
	}

	r.logAccess(&AccessLogEntry{
		RunID:      runID,
		ReaderID:   readerID,
		Reason:     reason,
		AccessedAt: time.Now().UTC(),
	})
	return &record, nil
}

// logAccess enqueues an access-log entry, writing directly when the queue
// is full so no access goes unrecorded.
func (r *AuditRecorder) logAccess(entry *AccessLogEntry) {
	select {
	case r.accessQueue <- entry:
	default:
		if err := r.writeAccessBatch([]*AccessLogEntry{entry}); err != nil {
			r.log.Error("", entry.RunID, "access log direct write failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func (r *AuditRecorder) processAccessQueue() {
	defer close(r.drained)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]*AccessLogEntry, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.writeAccessBatch(batch); err != nil {
			r.log.Error("", "", "access log batch write failed", map[string]interface{}{
				"batch_size": len(batch), "error": err.Error(),
			})
		}
		metricAuditBatchSize.Observe(float64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-r.accessQueue:
			batch = append(batch, entry)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.shutdown:
			for {
				select {
				case entry := <-r.accessQueue:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *AuditRecorder) writeAccessBatch(entries []*AccessLogEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := txn.PrepareContext(ctx, pq.CopyIn("audit_access_log", "run_id", "reader_id", "reason", "accessed_at"))
	if err != nil {
		_ = txn.Rollback()
		return err
	}
	for _, entry := range entries {
		if _, err := stmt.ExecContext(ctx, entry.RunID, entry.ReaderID, entry.Reason, entry.AccessedAt); err != nil {
			_ = stmt.Close()
			_ = txn.Rollback()
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		_ = txn.Rollback()
		return err
	}
	if err := stmt.Close(); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit()
}

// EnsureAuditSchema creates the audit tables if missing.
func (r *AuditRecorder) EnsureAuditSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS run_audit (
			run_id VARCHAR(64) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255),
			task VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			success BOOLEAN NOT NULL,
			error_kind VARCHAR(64),
			error_cause TEXT,
			input_hash CHAR(64) NOT NULL,
			output_hash CHAR(64) NOT NULL,
			context_hash CHAR(64) NOT NULL,
			final_text TEXT,
			trace JSONB NOT NULL,
			retrievals JSONB,
			policy_version INTEGER NOT NULL DEFAULT 0,
			policy_snapshot JSONB,
			pii_report JSONB,
			sources_used TEXT[],
			annotations TEXT[],
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd NUMERIC(12,6) NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			iterations INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			sealed_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_run_audit_tenant ON run_audit(tenant_id, sealed_at);

		CREATE TABLE IF NOT EXISTS audit_access_log (
			id BIGSERIAL PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			reader_id VARCHAR(255) NOT NULL,
			reason TEXT,
			accessed_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_access_log_run ON audit_access_log(run_id);
	`)
	return err
}

// RunTerminated reports whether a sealed audit record exists for the run.
// Feedback intake uses it to gate attachment.
func (r *AuditRecorder) RunTerminated(ctx context.Context, runID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM run_audit WHERE run_id = $1)`, runID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check run termination: %w", err)
	}
	return exists, nil
}
