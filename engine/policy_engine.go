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
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"lexflow/platform/shared/logger"
)

// PolicyKind classifies a tenant policy.
type PolicyKind string

const (
	PolicyAccessControl     PolicyKind = "access_control"
	PolicyPIIHandling       PolicyKind = "pii_handling"
	PolicyAuditLevel        PolicyKind = "audit_level"
	PolicyDataRetention     PolicyKind = "data_retention"
	PolicyContentFilter     PolicyKind = "content_filter"
	PolicyExportRestriction PolicyKind = "export_restriction"
)

// Checkpoint names a point in the supervisor loop where policies are
// re-evaluated.
type Checkpoint string

const (
	CheckpointOnIngest        Checkpoint = "on_ingest"
	CheckpointBeforeRetrieval Checkpoint = "before_retrieval"
	CheckpointBeforeModelCall Checkpoint = "before_model_call"
	CheckpointBeforeEmit      Checkpoint = "before_emit"
	CheckpointOnExport        Checkpoint = "on_export"
)

// DecisionAction is the outcome of a policy evaluation.
type DecisionAction string

const (
	ActionAllow         DecisionAction = "allow"
	ActionAnnotate      DecisionAction = "annotate"
	ActionRedact        DecisionAction = "redact"
	ActionRequireReview DecisionAction = "require_human_review"
	ActionDeny          DecisionAction = "deny"
)

// restrictiveness orders actions so the most restrictive matching rule wins.
var restrictiveness = map[DecisionAction]int{
	ActionAllow:         0,
	ActionAnnotate:      1,
	ActionRedact:        2,
	ActionRequireReview: 3,
	ActionDeny:          4,
}

// PolicyCondition is a predicate over the evaluation context. Field uses
// dotted paths into the context map (e.g. "request.task", "pii.count").
type PolicyCondition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"` // equals, not_equals, contains, greater_than, less_than, regex, in
	Value    interface{} `json:"value"`
}

// PolicyRule is one (predicate, action) pair bound to a checkpoint.
type PolicyRule struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Checkpoint  Checkpoint        `json:"checkpoint"`
	Conditions  []PolicyCondition `json:"conditions"`
	Action      DecisionAction    `json:"action"`
	Reason      string            `json:"reason,omitempty"`
	Enabled     bool              `json:"enabled"`
}

// Policy is a versioned, per-tenant policy. Immutable per version.
type Policy struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	Name          string       `json:"name"`
	Kind          PolicyKind   `json:"kind"`
	Version       int          `json:"version"`
	Rules         []PolicyRule `json:"rules"`
	EffectiveFrom time.Time    `json:"effective_from"`
	Enabled       bool         `json:"enabled"`
}

// PolicySnapshot is the tenant's effective policy set captured at run start.
// Mid-run policy edits never retroactively apply.
type PolicySnapshot struct {
	TenantID   string    `json:"tenant_id"`
	Version    int       `json:"version"`
	CapturedAt time.Time `json:"captured_at"`
	Policies   []Policy  `json:"policies"`
}

// Decision is the outcome of evaluating a checkpoint.
type Decision struct {
	Action      DecisionAction `json:"action"`
	RuleID      string         `json:"rule_id,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Annotations []string       `json:"annotations,omitempty"`
}

// PolicyEngine loads tenant policies, serves copy-on-write snapshots, and
// evaluates checkpoints. Snapshots are pure values; evaluation never touches
// storage.
type PolicyEngine struct {
	db    *sql.DB
	redis *redis.Client
	log   *logger.Logger

	mu       sync.RWMutex
	byTenant map[string][]Policy

	reloadInterval time.Duration
	stopReload     chan struct{}
}

// NewPolicyEngine creates a policy engine. Both db and redis may be nil, in
// which case the engine works from seeded in-memory policies only.
func NewPolicyEngine(db *sql.DB, rdb *redis.Client) *PolicyEngine {
	return &PolicyEngine{
		db:             db,
		redis:          rdb,
		log:            logger.New("policy-engine"),
		byTenant:       make(map[string][]Policy),
		reloadInterval: 30 * time.Second,
		stopReload:     make(chan struct{}),
	}
}

// Snapshot captures the tenant's current policy set. Unseen tenants get the
// default policy seed first.
func (e *PolicyEngine) Snapshot(ctx context.Context, tenantID string) *PolicySnapshot {
	e.mu.RLock()
	policies, ok := e.byTenant[tenantID]
	e.mu.RUnlock()

	if !ok {
		policies = e.seedTenant(ctx, tenantID)
	}

	version := 0
	snapshot := make([]Policy, len(policies))
	copy(snapshot, policies)
	for _, p := range snapshot {
		if p.Version > version {
			version = p.Version
		}
	}

	return &PolicySnapshot{
		TenantID:   tenantID,
		Version:    version,
		CapturedAt: time.Now().UTC(),
		Policies:   snapshot,
	}
}

// Evaluate runs all enabled rules bound to the checkpoint against the
// context and returns the most restrictive matching decision.
func (e *PolicyEngine) Evaluate(snapshot *PolicySnapshot, checkpoint Checkpoint, evalCtx map[string]interface{}) Decision {
	decision := Decision{Action: ActionAllow}
	if snapshot == nil {
		return decision
	}

	for _, policy := range snapshot.Policies {
		if !policy.Enabled {
			continue
		}
		for _, rule := range policy.Rules {
			if !rule.Enabled || rule.Checkpoint != checkpoint {
				continue
			}
			if !e.ruleMatches(rule, evalCtx) {
				continue
			}

			if rule.Action == ActionAnnotate {
				decision.Annotations = append(decision.Annotations, rule.ID)
			}
			if restrictiveness[rule.Action] > restrictiveness[decision.Action] {
				decision.Action = rule.Action
				decision.RuleID = rule.ID
				decision.Reason = rule.Reason
			}
		}
	}

	return decision
}

func (e *PolicyEngine) ruleMatches(rule PolicyRule, evalCtx map[string]interface{}) bool {
	for _, cond := range rule.Conditions {
		if !evaluateCondition(cond, evalCtx) {
			return false
		}
	}
	return len(rule.Conditions) > 0
}

func evaluateCondition(cond PolicyCondition, evalCtx map[string]interface{}) bool {
	actual, ok := lookupField(evalCtx, cond.Field)
	if !ok {
		return false
	}

	switch cond.Operator {
	case "equals":
		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", cond.Value)
	case "not_equals":
		return fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", cond.Value)
	case "contains":
		return strings.Contains(
			strings.ToLower(fmt.Sprintf("%v", actual)),
			strings.ToLower(fmt.Sprintf("%v", cond.Value)))
	case "greater_than":
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case "less_than":
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	case "regex":
		re, err := regexp.Compile(fmt.Sprintf("%v", cond.Value))
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", actual))
	case "in":
		list, ok := cond.Value.([]interface{})
		if !ok {
			return false
		}
		actualStr := fmt.Sprintf("%v", actual)
		for _, item := range list {
			if fmt.Sprintf("%v", item) == actualStr {
				return true
			}
		}
		return false
	}
	return false
}

// lookupField resolves a dotted path into nested maps.
func lookupField(m map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = m
	for _, part := range parts {
		asMap, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = asMap[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// seedTenant installs the default policy set for a tenant seen for the
// first time and persists it when a database is configured.
func (e *PolicyEngine) seedTenant(ctx context.Context, tenantID string) []Policy {
	policies := DefaultPolicies(tenantID)

	e.mu.Lock()
	if existing, ok := e.byTenant[tenantID]; ok {
		e.mu.Unlock()
		return existing
	}
	e.byTenant[tenantID] = policies
	e.mu.Unlock()

	if e.db != nil {
		for _, p := range policies {
			if err := e.savePolicy(ctx, p); err != nil {
				e.log.Warn(tenantID, "", "failed to persist seeded policy", map[string]interface{}{
					"policy_id": p.ID, "error": err.Error(),
				})
			}
		}
	}

	return policies
}

// DefaultPolicies is the policy seed applied to every new tenant.
func DefaultPolicies(tenantID string) []Policy {
	now := time.Now().UTC()
	return []Policy{
		{
			ID:       "pii_policy_" + tenantID,
			TenantID: tenantID,
			Name:     "PII Handling",
			Kind:     PolicyPIIHandling,
			Version:  1,
			Enabled:  true,
			EffectiveFrom: now,
			Rules: []PolicyRule{
				{
					ID:         "pii_redact_on_ingest",
					Name:       "Redact detected PII on ingest",
					Checkpoint: CheckpointOnIngest,
					Conditions: []PolicyCondition{{Field: "pii.count", Operator: "greater_than", Value: 0}},
					Action:     ActionRedact,
					Reason:     "sensitive spans must be redacted before processing",
					Enabled:    true,
				},
				{
					ID:         "pii_annotate_before_model",
					Name:       "Annotate runs sending PII context to models",
					Checkpoint: CheckpointBeforeModelCall,
					Conditions: []PolicyCondition{{Field: "pii.count", Operator: "greater_than", Value: 5}},
					Action:     ActionAnnotate,
					Reason:     "high PII density",
					Enabled:    true,
				},
			},
		},
		{
			ID:       "audit_policy_" + tenantID,
			TenantID: tenantID,
			Name:     "Audit Level",
			Kind:     PolicyAuditLevel,
			Version:  1,
			Enabled:  true,
			EffectiveFrom: now,
			Rules: []PolicyRule{
				{
					ID:         "audit_all_exports",
					Name:       "Annotate every export",
					Checkpoint: CheckpointOnExport,
					Conditions: []PolicyCondition{{Field: "run.terminated", Operator: "equals", Value: true}},
					Action:     ActionAnnotate,
					Reason:     "export audit trail",
					Enabled:    true,
				},
			},
		},
		{
			ID:       "content_policy_" + tenantID,
			TenantID: tenantID,
			Name:     "Content Filter",
			Kind:     PolicyContentFilter,
			Version:  1,
			Enabled:  true,
			EffectiveFrom: now,
			Rules: []PolicyRule{
				{
					ID:         "content_review_low_quality",
					Name:       "Require review for low quality output",
					Checkpoint: CheckpointBeforeEmit,
					Conditions: []PolicyCondition{{Field: "quality.score", Operator: "less_than", Value: 0.3}},
					Action:     ActionRequireReview,
					Reason:     "quality score below review threshold",
					Enabled:    true,
				},
			},
		},
	}
}

// SetPolicies replaces a tenant's policy set in memory. Used by tests and by
// the reload path.
func (e *PolicyEngine) SetPolicies(tenantID string, policies []Policy) {
	e.mu.Lock()
	e.byTenant[tenantID] = policies
	e.mu.Unlock()
	if e.redis != nil {
		e.redis.Del(context.Background(), "policies:"+tenantID)
	}
}

// StartPeriodicReload refreshes policies from the database on an interval.
func (e *PolicyEngine) StartPeriodicReload(ctx context.Context) {
	if e.db == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(e.reloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopReload:
				return
			case <-ticker.C:
				if err := e.ReloadFromDB(ctx); err != nil {
					e.log.Warn("", "", "policy reload failed", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}()
}

// Stop terminates the reload loop.
func (e *PolicyEngine) Stop() {
	close(e.stopReload)
}

// ReloadFromDB replaces the in-memory policy sets with the database contents.
func (e *PolicyEngine) ReloadFromDB(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, kind, version, rules, effective_from, enabled
		FROM tenant_policies`)
	if err != nil {
		return fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string][]Policy)
	for rows.Next() {
		var p Policy
		var rulesJSON []byte
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Kind, &p.Version, &rulesJSON, &p.EffectiveFrom, &p.Enabled); err != nil {
			return fmt.Errorf("scan policy: %w", err)
		}
		if err := json.Unmarshal(rulesJSON, &p.Rules); err != nil {
			e.log.Warn(p.TenantID, "", "skipping policy with malformed rules", map[string]interface{}{"policy_id": p.ID})
			continue
		}
		loaded[p.TenantID] = append(loaded[p.TenantID], p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	for tenant, policies := range loaded {
		e.byTenant[tenant] = policies
	}
	e.mu.Unlock()
	return nil
}

func (e *PolicyEngine) savePolicy(ctx context.Context, p Policy) error {
	rulesJSON, err := json.Marshal(p.Rules)
	if err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO tenant_policies (id, tenant_id, name, kind, version, rules, effective_from, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.TenantID, p.Name, p.Kind, p.Version, rulesJSON, p.EffectiveFrom, p.Enabled)
	return err
}

// EnsurePolicySchema creates the policy table if missing.
func (e *PolicyEngine) EnsurePolicySchema(ctx context.Context) error {
	if e.db == nil {
		return nil
	}
	_, err := e.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenant_policies (
			id VARCHAR(255) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			kind VARCHAR(64) NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			rules JSONB NOT NULL,
			effective_from TIMESTAMP WITH TIME ZONE NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true
		);
		CREATE INDEX IF NOT EXISTS idx_policies_tenant ON tenant_policies(tenant_id);
	`)
	return err
}
