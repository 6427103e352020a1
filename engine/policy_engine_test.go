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

	"github.com/DATA-DOG/go-sqlmock"
)

func testPolicy(tenantID string, rules ...PolicyRule) Policy {
	return Policy{
		ID:            "policy-test",
		TenantID:      tenantID,
		Name:          "test policy",
		Kind:          PolicyContentFilter,
		Version:       1,
		Rules:         rules,
		EffectiveFrom: time.Now().UTC(),
		Enabled:       true,
	}
}

func testSnapshot(tenantID string, policies ...Policy) *PolicySnapshot {
	return &PolicySnapshot{
		TenantID:   tenantID,
		Version:    1,
		CapturedAt: time.Now().UTC(),
		Policies:   policies,
	}
}

// TestEvaluateMostRestrictiveWins verifies deny beats every other matching
// action at the same checkpoint
func TestEvaluateMostRestrictiveWins(t *testing.T) {
	e := NewPolicyEngine(nil, nil)
	snapshot := testSnapshot("t1", testPolicy("t1",
		PolicyRule{
			ID:         "annotate-rule",
			Checkpoint: CheckpointOnIngest,
			Conditions: []PolicyCondition{{Field: "pii.count", Operator: "greater_than", Value: 0}},
			Action:     ActionAnnotate,
			Enabled:    true,
		},
		PolicyRule{
			ID:         "deny-rule",
			Checkpoint: CheckpointOnIngest,
			Conditions: []PolicyCondition{{Field: "pii.count", Operator: "greater_than", Value: 0}},
			Action:     ActionDeny,
			Reason:     "too much PII",
			Enabled:    true,
		},
		PolicyRule{
			ID:         "review-rule",
			Checkpoint: CheckpointOnIngest,
			Conditions: []PolicyCondition{{Field: "pii.count", Operator: "greater_than", Value: 0}},
			Action:     ActionRequireReview,
			Enabled:    true,
		},
	))

	decision := e.Evaluate(snapshot, CheckpointOnIngest, map[string]interface{}{
		"pii": map[string]interface{}{"count": 3},
	})

	if decision.Action != ActionDeny {
		t.Errorf("Action = %s, want deny", decision.Action)
	}
	if decision.RuleID != "deny-rule" {
		t.Errorf("RuleID = %s, want deny-rule", decision.RuleID)
	}
	// annotate still accumulates even when a stricter rule wins
	if len(decision.Annotations) != 1 || decision.Annotations[0] != "annotate-rule" {
		t.Errorf("Annotations = %v, want [annotate-rule]", decision.Annotations)
	}
}

// TestEvaluateCheckpointScoping verifies rules only fire at their checkpoint
func TestEvaluateCheckpointScoping(t *testing.T) {
	e := NewPolicyEngine(nil, nil)
	snapshot := testSnapshot("t1", testPolicy("t1",
		PolicyRule{
			ID:         "export-deny",
			Checkpoint: CheckpointOnExport,
			Conditions: []PolicyCondition{{Field: "run.terminated", Operator: "equals", Value: true}},
			Action:     ActionDeny,
			Enabled:    true,
		},
	))

	evalCtx := map[string]interface{}{
		"run": map[string]interface{}{"terminated": true},
	}
	if d := e.Evaluate(snapshot, CheckpointOnIngest, evalCtx); d.Action != ActionAllow {
		t.Errorf("rule fired at the wrong checkpoint: %s", d.Action)
	}
	if d := e.Evaluate(snapshot, CheckpointOnExport, evalCtx); d.Action != ActionDeny {
		t.Errorf("rule did not fire at its checkpoint: %s", d.Action)
	}
}

// TestEvaluateDisabledRules verifies disabled rules and policies never match
func TestEvaluateDisabledRules(t *testing.T) {
	e := NewPolicyEngine(nil, nil)

	disabled := testPolicy("t1", PolicyRule{
		ID:         "r1",
		Checkpoint: CheckpointOnIngest,
		Conditions: []PolicyCondition{{Field: "pii.count", Operator: "greater_than", Value: 0}},
		Action:     ActionDeny,
		Enabled:    false,
	})
	snapshot := testSnapshot("t1", disabled)

	evalCtx := map[string]interface{}{"pii": map[string]interface{}{"count": 9}}
	if d := e.Evaluate(snapshot, CheckpointOnIngest, evalCtx); d.Action != ActionAllow {
		t.Error("disabled rule must not fire")
	}

	disabled.Rules[0].Enabled = true
	disabled.Enabled = false
	snapshot = testSnapshot("t1", disabled)
	if d := e.Evaluate(snapshot, CheckpointOnIngest, evalCtx); d.Action != ActionAllow {
		t.Error("rule inside a disabled policy must not fire")
	}
}

// TestEvaluateConditionsAllMustHold verifies conditions are conjunctive and
// an empty condition list never matches
func TestEvaluateConditionsAllMustHold(t *testing.T) {
	e := NewPolicyEngine(nil, nil)
	snapshot := testSnapshot("t1", testPolicy("t1",
		PolicyRule{
			ID:         "conjunctive",
			Checkpoint: CheckpointBeforeEmit,
			Conditions: []PolicyCondition{
				{Field: "quality.score", Operator: "less_than", Value: 0.3},
				{Field: "request.task", Operator: "equals", Value: "draft"},
			},
			Action:  ActionRequireReview,
			Enabled: true,
		},
		PolicyRule{
			ID:         "unconditioned",
			Checkpoint: CheckpointBeforeEmit,
			Conditions: nil,
			Action:     ActionDeny,
			Enabled:    true,
		},
	))

	both := map[string]interface{}{
		"quality": map[string]interface{}{"score": 0.1},
		"request": map[string]interface{}{"task": "draft"},
	}
	oneOnly := map[string]interface{}{
		"quality": map[string]interface{}{"score": 0.1},
		"request": map[string]interface{}{"task": "review"},
	}

	if d := e.Evaluate(snapshot, CheckpointBeforeEmit, both); d.Action != ActionRequireReview {
		t.Errorf("both conditions hold, got %s", d.Action)
	}
	if d := e.Evaluate(snapshot, CheckpointBeforeEmit, oneOnly); d.Action != ActionAllow {
		t.Errorf("one condition failed, rule must not fire, got %s", d.Action)
	}
}

func TestEvaluateOperators(t *testing.T) {
	tests := []struct {
		name    string
		cond    PolicyCondition
		evalCtx map[string]interface{}
		want    bool
	}{
		{
			name:    "equals",
			cond:    PolicyCondition{Field: "request.task", Operator: "equals", Value: "draft"},
			evalCtx: map[string]interface{}{"request": map[string]interface{}{"task": "draft"}},
			want:    true,
		},
		{
			name:    "not_equals",
			cond:    PolicyCondition{Field: "request.task", Operator: "not_equals", Value: "draft"},
			evalCtx: map[string]interface{}{"request": map[string]interface{}{"task": "review"}},
			want:    true,
		},
		{
			name:    "contains case insensitive",
			cond:    PolicyCondition{Field: "request.query", Operator: "contains", Value: "LIMINAR"},
			evalCtx: map[string]interface{}{"request": map[string]interface{}{"query": "pedido de liminar urgente"}},
			want:    true,
		},
		{
			name:    "greater_than numeric string",
			cond:    PolicyCondition{Field: "pii.count", Operator: "greater_than", Value: "2"},
			evalCtx: map[string]interface{}{"pii": map[string]interface{}{"count": 3}},
			want:    true,
		},
		{
			name:    "less_than false on equal",
			cond:    PolicyCondition{Field: "quality.score", Operator: "less_than", Value: 0.3},
			evalCtx: map[string]interface{}{"quality": map[string]interface{}{"score": 0.3}},
			want:    false,
		},
		{
			name:    "regex",
			cond:    PolicyCondition{Field: "request.document_type", Operator: "regex", Value: "^(parecer|contrato)$"},
			evalCtx: map[string]interface{}{"request": map[string]interface{}{"document_type": "parecer"}},
			want:    true,
		},
		{
			name:    "in",
			cond:    PolicyCondition{Field: "request.task", Operator: "in", Value: []interface{}{"draft", "review"}},
			evalCtx: map[string]interface{}{"request": map[string]interface{}{"task": "review"}},
			want:    true,
		},
		{
			name:    "missing field never matches",
			cond:    PolicyCondition{Field: "request.missing", Operator: "equals", Value: "x"},
			evalCtx: map[string]interface{}{"request": map[string]interface{}{}},
			want:    false,
		},
		{
			name:    "unknown operator never matches",
			cond:    PolicyCondition{Field: "request.task", Operator: "between", Value: "x"},
			evalCtx: map[string]interface{}{"request": map[string]interface{}{"task": "draft"}},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evaluateCondition(tt.cond, tt.evalCtx); got != tt.want {
				t.Errorf("evaluateCondition = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestSnapshotSeedsDefaults verifies unseen tenants get the default seed and
// snapshots are isolated from later edits
func TestSnapshotSeedsDefaults(t *testing.T) {
	e := NewPolicyEngine(nil, nil)

	snapshot := e.Snapshot(context.Background(), "new-tenant")
	if len(snapshot.Policies) == 0 {
		t.Fatal("unseen tenant should receive the default policy seed")
	}
	if snapshot.Version != 1 {
		t.Errorf("Version = %d, want 1", snapshot.Version)
	}

	// a mid-run policy swap must not leak into the captured snapshot
	before := len(snapshot.Policies)
	e.SetPolicies("new-tenant", nil)
	if len(snapshot.Policies) != before {
		t.Error("snapshot changed after SetPolicies")
	}
}

// TestDefaultPoliciesLowQualityReview verifies the seeded review rule fires
// below the quality threshold
func TestDefaultPoliciesLowQualityReview(t *testing.T) {
	e := NewPolicyEngine(nil, nil)
	snapshot := e.Snapshot(context.Background(), "t1")

	low := map[string]interface{}{"quality": map[string]interface{}{"score": 0.2}}
	high := map[string]interface{}{"quality": map[string]interface{}{"score": 0.8}}

	if d := e.Evaluate(snapshot, CheckpointBeforeEmit, low); d.Action != ActionRequireReview {
		t.Errorf("low quality should require review, got %s", d.Action)
	}
	if d := e.Evaluate(snapshot, CheckpointBeforeEmit, high); d.Action != ActionAllow {
		t.Errorf("high quality should pass, got %s", d.Action)
	}
}

// TestReloadFromDB verifies policies load from the database by tenant
func TestReloadFromDB(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rulesJSON := `[{"id":"r1","checkpoint":"on_ingest","conditions":[{"field":"pii.count","operator":"greater_than","value":0}],"action":"deny","enabled":true}]`
	rows := sqlmock.NewRows([]string{"id", "tenant_id", "name", "kind", "version", "rules", "effective_from", "enabled"}).
		AddRow("p1", "tenant-db", "db policy", "pii_handling", 2, []byte(rulesJSON), time.Now(), true)
	mock.ExpectQuery("SELECT id, tenant_id, name, kind, version, rules, effective_from, enabled").WillReturnRows(rows)

	e := NewPolicyEngine(db, nil)
	if err := e.ReloadFromDB(context.Background()); err != nil {
		t.Fatalf("ReloadFromDB: %v", err)
	}

	snapshot := e.Snapshot(context.Background(), "tenant-db")
	if len(snapshot.Policies) != 1 || snapshot.Policies[0].ID != "p1" {
		t.Fatalf("unexpected policies: %+v", snapshot.Policies)
	}
	d := e.Evaluate(snapshot, CheckpointOnIngest, map[string]interface{}{
		"pii": map[string]interface{}{"count": 1},
	})
	if d.Action != ActionDeny {
		t.Errorf("loaded rule should deny, got %s", d.Action)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
