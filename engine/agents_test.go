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
	"strings"
	"sync"
	"testing"
	"time"

	"lexflow/platform/engine/llm"
)

// stubProvider scripts completions for runtime and supervisor tests.
type stubProvider struct {
	name    string
	cost    float64
	respond func(ctx context.Context, req llm.CompletionRequest) (string, error)

	mu    sync.Mutex
	calls []llm.CompletionRequest
}

func (p *stubProvider) Name() string           { return p.name }
func (p *stubProvider) Type() llm.ProviderType { return llm.ProviderTypeStub }

func (p *stubProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	content, err := p.respond(ctx, req)
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{
		Content: content,
		Model:   req.Model,
		Usage:   llm.UsageStats{InputTokens: 100, OutputTokens: 200, TotalTokens: 300},
	}, nil
}

func (p *stubProvider) HealthCheck(context.Context) (*llm.HealthCheckResult, error) {
	return &llm.HealthCheckResult{Status: llm.HealthStatusHealthy, LastChecked: time.Now()}, nil
}

func (p *stubProvider) EstimateCost(llm.CompletionRequest) *llm.CostEstimate {
	return &llm.CostEstimate{TotalEstimate: p.cost}
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newStubRuntime(respond func(ctx context.Context, req llm.CompletionRequest) (string, error)) (*AgentRuntime, *stubProvider) {
	provider := &stubProvider{name: "stub", cost: 0.01, respond: respond}
	registry := llm.NewRegistry()
	if err := registry.Register(provider); err != nil {
		panic(err)
	}
	router := llm.NewRouter(registry)
	router.SetDefaultProvider("stub")
	return NewAgentRuntime(router), provider
}

const analyserJSON = `{"thesis": "responsabilidade civil objetiva", "gaps": [], "approach": "estrutura clássica de parecer", "complexity": "medium", "needs_external_info": false}`

func TestModelFor(t *testing.T) {
	rt, _ := newStubRuntime(nil)

	cfg := DefaultRunConfig()
	if rt.ModelFor(AgentDrafter, cfg) != "claude-sonnet-4-20250514" {
		t.Errorf("drafter default = %s", rt.ModelFor(AgentDrafter, cfg))
	}
	if rt.ModelFor(AgentAnalyser, cfg) != "claude-haiku-4-20250514" {
		t.Errorf("analyser default = %s", rt.ModelFor(AgentAnalyser, cfg))
	}

	cfg.ModelPreferences = map[AgentKind]string{AgentDrafter: "anthropic.claude-3-5-sonnet-20240620-v1:0"}
	if rt.ModelFor(AgentDrafter, cfg) != "anthropic.claude-3-5-sonnet-20240620-v1:0" {
		t.Error("per-run preference should override the default")
	}
	if rt.ModelFor(AgentCritic, cfg) != "claude-sonnet-4-20250514" {
		t.Error("kinds without a preference keep the default")
	}
}

func TestUnmarshalJSONBlock(t *testing.T) {
	var analysis AnalysisResult

	fenced := "```json\n" + analyserJSON + "\n```"
	if err := unmarshalJSONBlock(fenced, &analysis); err != nil {
		t.Fatalf("fenced JSON: %v", err)
	}
	if analysis.Thesis != "responsabilidade civil objetiva" {
		t.Errorf("Thesis = %q", analysis.Thesis)
	}

	prose := "Segue a análise solicitada: " + analyserJSON + " Espero ter ajudado."
	if err := unmarshalJSONBlock(prose, &analysis); err != nil {
		t.Fatalf("JSON with surrounding prose: %v", err)
	}

	if err := unmarshalJSONBlock("sem json aqui", &analysis); err == nil {
		t.Error("missing JSON should fail")
	}
}

func TestParseOutput(t *testing.T) {
	rt, _ := newStubRuntime(nil)

	tests := []struct {
		name    string
		kind    AgentKind
		content string
		wantErr bool
	}{
		{"valid analysis", AgentAnalyser, analyserJSON, false},
		{"analysis without thesis", AgentAnalyser, `{"thesis": "", "approach": "x"}`, true},
		{"valid accept verdict", AgentCritic, `{"verdict": "accept", "report": "ok", "quality_score": 0.9}`, false},
		{"valid revise verdict", AgentCritic, `{"verdict": "revise", "report": "faltam citações", "quality_score": 0.4}`, false},
		{"unexpected verdict", AgentCritic, `{"verdict": "maybe", "report": "?"}`, true},
		{"drafter text", AgentDrafter, "# Parecer\n\nConteúdo.", false},
		{"empty formatter output", AgentFormatter, "   \n ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.parseOutput(tt.kind, tt.content)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunHappyPath(t *testing.T) {
	rt, provider := newStubRuntime(func(context.Context, llm.CompletionRequest) (string, error) {
		return analyserJSON, nil
	})

	state := newTestState(DefaultRunConfig())
	output, record, err := rt.Run(context.Background(), state, AgentAnalyser)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if output.Analysis == nil || output.Analysis.Thesis == "" {
		t.Fatal("expected a parsed analysis")
	}
	if record.Agent != AgentAnalyser || record.Model != "claude-haiku-4-20250514" {
		t.Errorf("record = %+v", record)
	}
	if record.InputTokens != 100 || record.OutputTokens != 200 {
		t.Errorf("token accounting: %+v", record)
	}
	if record.CostUSD != 0.01 {
		t.Errorf("CostUSD = %f, want 0.01", record.CostUSD)
	}
	if record.PromptDigest == "" {
		t.Error("prompt digest missing")
	}
	if provider.callCount() != 1 {
		t.Errorf("call count = %d, want 1", provider.callCount())
	}
}

// TestRunRepairsMalformedOutput verifies one repair attempt recovers a
// garbled response and accumulates its cost
func TestRunRepairsMalformedOutput(t *testing.T) {
	calls := 0
	rt, _ := newStubRuntime(func(context.Context, llm.CompletionRequest) (string, error) {
		calls++
		if calls == 1 {
			return "desculpe, não consegui gerar o formato pedido", nil
		}
		return analyserJSON, nil
	})

	state := newTestState(DefaultRunConfig())
	output, record, err := rt.Run(context.Background(), state, AgentAnalyser)
	if err != nil {
		t.Fatalf("Run after repair: %v", err)
	}
	if output.Analysis == nil {
		t.Fatal("repair should have produced an analysis")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	// both passes are charged
	if record.CostUSD != 0.02 {
		t.Errorf("CostUSD = %f, want 0.02", record.CostUSD)
	}
}

func TestRunParseFailureAfterRepair(t *testing.T) {
	rt, _ := newStubRuntime(func(context.Context, llm.CompletionRequest) (string, error) {
		return "resposta livre sem json", nil
	})

	state := newTestState(DefaultRunConfig())
	_, record, err := rt.Run(context.Background(), state, AgentAnalyser)
	if !IsKind(err, ErrParseFailure) {
		t.Fatalf("kind = %s, want %s", KindOf(err), ErrParseFailure)
	}
	if record.Error != string(ErrParseFailure) {
		t.Errorf("record.Error = %q", record.Error)
	}
}

// TestRunDeadlineExhausted verifies a turn never starts once the run
// deadline is spent
func TestRunDeadlineExhausted(t *testing.T) {
	rt, provider := newStubRuntime(func(context.Context, llm.CompletionRequest) (string, error) {
		return analyserJSON, nil
	})

	state := newTestState(DefaultRunConfig())
	state.StartedAt = time.Now().Add(-10 * time.Minute)

	_, _, err := rt.Run(context.Background(), state, AgentAnalyser)
	if !IsKind(err, ErrBudgetExhausted) {
		t.Fatalf("kind = %s, want %s", KindOf(err), ErrBudgetExhausted)
	}
	if provider.callCount() != 0 {
		t.Error("no model call should be made after the deadline")
	}
}

func TestRunModelFatalError(t *testing.T) {
	rt, _ := newStubRuntime(func(context.Context, llm.CompletionRequest) (string, error) {
		return "", llm.NewProviderError("stub", llm.ErrCodeAuth, "invalid key")
	})

	state := newTestState(DefaultRunConfig())
	_, record, err := rt.Run(context.Background(), state, AgentDrafter)
	if !IsKind(err, ErrModelFatal) {
		t.Fatalf("kind = %s, want %s", KindOf(err), ErrModelFatal)
	}
	if record.Error == "" {
		t.Error("failed turn must carry the error in its record")
	}
}

func TestClassifyModelError(t *testing.T) {
	rt, _ := newStubRuntime(nil)
	ctx := context.Background()

	retryable := llm.NewProviderError("stub", llm.ErrCodeRateLimit, "slow down")
	if !IsKind(rt.classifyModelError(ctx, retryable), ErrModelTransient) {
		t.Error("retryable provider error should map to model_transient")
	}

	fatal := llm.NewProviderError("stub", llm.ErrCodeBadRequest, "bad input")
	if !IsKind(rt.classifyModelError(ctx, fatal), ErrModelFatal) {
		t.Error("non-retryable provider error should map to model_fatal")
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if !IsKind(rt.classifyModelError(cancelled, context.Canceled), ErrCancelled) {
		t.Error("cancellation should map to cancelled")
	}
}

func TestPromptBuilders(t *testing.T) {
	rt, _ := newStubRuntime(nil)

	state := newTestState(DefaultRunConfig())
	state.RedactedQuery = "elaborar parecer sobre [CPF_REDACTED]"
	state.ExternalDocs = []ExternalDocument{{SourceID: "doc-1", Text: "conteúdo do contrato"}}

	prompt, system := rt.buildPrompt(AgentAnalyser, state)
	if !strings.Contains(prompt, state.RedactedQuery) {
		t.Error("analyser prompt must carry the redacted query, never the raw one")
	}
	if !strings.Contains(prompt, "doc-1") {
		t.Error("analyser prompt should list attached documents")
	}
	if !strings.Contains(system, "assistente jurídico") {
		t.Error("system prompt missing")
	}

	state.Analysis = &AnalysisResult{Thesis: "tese", Approach: "abordagem", NeedsExternalInfo: true}
	state.SetDraft("minuta v1", AgentDrafter)
	state.Verdicts = append(state.Verdicts, CriticVerdict{
		Verdict: "revise", Report: "faltou fundamentação", Suggestions: []string{"citar súmula"},
	})

	prompt, _ = rt.buildPrompt(AgentDrafter, state)
	if !strings.Contains(prompt, "minuta v1") || !strings.Contains(prompt, "faltou fundamentação") {
		t.Error("revision prompt must include the prior draft and the critic report")
	}
	if !strings.Contains(prompt, "citar súmula") {
		t.Error("revision prompt should carry the critic suggestions")
	}

	// formatter prefers the critic's revised text when present
	state.Verdicts[0].RevisedText = "texto corrigido pelo revisor"
	prompt, _ = rt.buildPrompt(AgentFormatter, state)
	if !strings.Contains(prompt, "texto corrigido pelo revisor") {
		t.Error("formatter prompt should use the revised text")
	}
}
