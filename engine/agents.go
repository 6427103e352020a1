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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lexflow/platform/engine/llm"
	"lexflow/platform/shared/backoff"
	"lexflow/platform/shared/logger"
)

// Default model per agent kind, overridable per run via
// RunConfig.ModelPreferences. The cheap model handles triage and formatting,
// the capable one drafting and critique.
var defaultModels = map[AgentKind]string{
	AgentAnalyser:   "claude-haiku-4-20250514",
	AgentResearcher: "claude-haiku-4-20250514",
	AgentDrafter:    "claude-sonnet-4-20250514",
	AgentCritic:     "claude-sonnet-4-20250514",
	AgentFormatter:  "claude-haiku-4-20250514",
}

const (
	// Per-turn wall-clock ceiling. The effective timeout is the smaller of
	// this and the run's remaining deadline.
	defaultTurnCeiling = 90 * time.Second

	maxModelAttempts = 3
)

// AgentOutput is the parsed result of one agent turn. Exactly one of the
// structured fields is set, depending on the agent kind.
type AgentOutput struct {
	Analysis *AnalysisResult
	Verdict  *CriticVerdict
	Text     string
	Summary  string
}

// AgentRuntime invokes agents: it builds the prompt for an agent kind,
// routes the completion, parses the structured output, and records the turn.
type AgentRuntime struct {
	router      *llm.Router
	log         *logger.Logger
	turnCeiling time.Duration
}

// NewAgentRuntime creates the runtime over a model router.
func NewAgentRuntime(router *llm.Router) *AgentRuntime {
	return &AgentRuntime{
		router:      router,
		log:         logger.New("agent-runtime"),
		turnCeiling: defaultTurnCeiling,
	}
}

// SetTurnCeiling overrides the per-turn timeout ceiling.
func (rt *AgentRuntime) SetTurnCeiling(d time.Duration) {
	if d > 0 {
		rt.turnCeiling = d
	}
}

// ModelFor resolves the model for an agent kind under the run's preferences.
func (rt *AgentRuntime) ModelFor(kind AgentKind, cfg RunConfig) string {
	if model, ok := cfg.ModelPreferences[kind]; ok && model != "" {
		return model
	}
	return defaultModels[kind]
}

// Run executes one agent turn against the run state. The returned TurnRecord
// is always populated, including on error, so the trace never loses a turn.
func (rt *AgentRuntime) Run(ctx context.Context, state *RunState, kind AgentKind) (AgentOutput, TurnRecord, error) {
	model := rt.ModelFor(kind, state.Config)
	prompt, system := rt.buildPrompt(kind, state)

	record := TurnRecord{
		Agent:        kind,
		Model:        model,
		PromptDigest: digest(prompt),
		StartedAt:    time.Now().UTC(),
	}

	timeout := rt.turnCeiling
	deadlineBound := false
	if remaining := state.RemainingDeadline(); remaining < timeout {
		timeout = remaining
		deadlineBound = true
	}
	if timeout <= 0 {
		record.Error = string(ErrBudgetExhausted)
		return AgentOutput{}, record, NewError(ErrBudgetExhausted, "deadline exhausted before %s turn", kind)
	}

	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	response, info, err := rt.complete(turnCtx, llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: system,
		Model:        model,
		MaxTokens:    maxTokensFor(kind),
		Temperature:  temperatureFor(kind),
		Metadata:     map[string]string{"run_id": state.RunID, "agent": string(kind)},
	})
	if err != nil {
		record.DurationMS = time.Since(record.StartedAt).Milliseconds()
		record.Error = err.Error()
		if deadlineBound && turnCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			// The run deadline, not the per-turn ceiling, was the binding
			// limit: this is a budget breach, not a model fault.
			record.Error = string(ErrBudgetExhausted)
			return AgentOutput{}, record, WrapError(ErrBudgetExhausted, err, "run deadline expired during %s turn", kind)
		}
		return AgentOutput{}, record, rt.classifyModelError(ctx, err)
	}

	output, parseErr := rt.parseOutput(kind, response.Content)
	if parseErr != nil {
		rt.log.Warn(state.TenantID, state.RunID, "agent output unparseable, attempting repair", map[string]interface{}{
			"agent": string(kind), "error": parseErr.Error(),
		})
		// One repair attempt: re-send with the malformed output and an
		// explicit instruction to emit only the expected JSON.
		repairPrompt := fmt.Sprintf("%s\n\nSua resposta anterior não pôde ser interpretada:\n%s\n\nResponda novamente APENAS com o JSON no formato pedido.",
			prompt, truncate(response.Content, 2000))
		repaired, repairInfo, repairErr := rt.complete(turnCtx, llm.CompletionRequest{
			Prompt:       repairPrompt,
			SystemPrompt: system,
			Model:        model,
			MaxTokens:    maxTokensFor(kind),
			Temperature:  0,
		})
		if repairErr == nil {
			if repairedOutput, err := rt.parseOutput(kind, repaired.Content); err == nil {
				output = repairedOutput
				parseErr = nil
				response = repaired
				info.TokensUsed += repairInfo.TokensUsed
				info.EstimatedCost += repairInfo.EstimatedCost
			}
		}
	}

	record.InputTokens = response.Usage.InputTokens
	record.OutputTokens = response.Usage.OutputTokens
	record.DurationMS = time.Since(record.StartedAt).Milliseconds()
	record.CostUSD = RoundCost(info.EstimatedCost)
	record.Summary = output.Summary

	if parseErr != nil {
		record.Error = string(ErrParseFailure)
		return AgentOutput{}, record, WrapError(ErrParseFailure, parseErr, "%s output unparseable after repair attempt", kind)
	}
	return output, record, nil
}

// complete calls the router with bounded retries on transient provider errors.
func (rt *AgentRuntime) complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, *llm.RouteInfo, error) {
	type completion struct {
		response *llm.CompletionResponse
		info     *llm.RouteInfo
	}

	cfg := &backoff.RetryConfig{
		MaxRetries:      maxModelAttempts - 1,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		FullJitter:      true,
		RetryIf: func(err error) bool {
			var perr *llm.ProviderError
			return errors.As(err, &perr) && perr.Retryable
		},
	}

	result, err := backoff.Retry(ctx, cfg, func() (completion, error) {
		response, info, err := rt.router.Complete(ctx, req)
		if err != nil {
			return completion{}, err
		}
		return completion{response, info}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result.response, result.info, nil
}

// classifyModelError maps provider failures onto the engine taxonomy.
func (rt *AgentRuntime) classifyModelError(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return WrapError(ErrCancelled, err, "run cancelled during model call")
	}

	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		if perr.Retryable {
			return WrapError(ErrModelTransient, err, "model call failed after retries")
		}
		return WrapError(ErrModelFatal, err, "model rejected the request")
	}
	return WrapError(ErrModelTransient, err, "model call failed")
}

func maxTokensFor(kind AgentKind) int {
	switch kind {
	case AgentDrafter, AgentFormatter:
		return 8192
	default:
		return 4096
	}
}

func temperatureFor(kind AgentKind) float64 {
	switch kind {
	case AgentDrafter:
		return 0.4
	case AgentCritic, AgentAnalyser:
		return 0.1
	default:
		return 0.2
	}
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// ---- prompt builders ----

const systemBase = "Você é um assistente jurídico especializado em direito brasileiro, parte de um sistema de geração de documentos jurídicos. Seja preciso, cite fontes e nunca invente dispositivos legais."

func (rt *AgentRuntime) buildPrompt(kind AgentKind, state *RunState) (prompt, system string) {
	switch kind {
	case AgentAnalyser:
		return rt.analyserPrompt(state), systemBase + " Sua função é analisar a solicitação antes da redação."
	case AgentResearcher:
		return rt.researcherPrompt(state), systemBase + " Sua função é consolidar a pesquisa em achados objetivos."
	case AgentDrafter:
		return rt.drafterPrompt(state), systemBase + " Sua função é redigir a minuta completa em markdown."
	case AgentCritic:
		return rt.criticPrompt(state), systemBase + " Sua função é revisar a minuta com rigor técnico."
	case AgentFormatter:
		return rt.formatterPrompt(state), systemBase + " Sua função é dar o acabamento final ao documento."
	}
	return "", systemBase
}

func (rt *AgentRuntime) analyserPrompt(state *RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tarefa: %s\n", state.Task)
	if state.DocumentType != "" {
		fmt.Fprintf(&b, "Tipo de documento: %s\n", state.DocumentType)
	}
	fmt.Fprintf(&b, "Solicitação do usuário:\n%s\n", state.RedactedQuery)
	if len(state.ExternalDocs) > 0 {
		fmt.Fprintf(&b, "\nDocumentos anexados: %d\n", len(state.ExternalDocs))
		for _, doc := range state.ExternalDocs {
			fmt.Fprintf(&b, "- %s (%d caracteres)\n", doc.SourceID, len(doc.Text))
		}
	}
	b.WriteString(`
Analise a solicitação e responda APENAS com JSON neste formato:
{"thesis": "tese central", "gaps": ["lacuna de informação"], "approach": "estratégia de redação", "complexity": "low|medium|high", "needs_external_info": true}`)
	return b.String()
}

func (rt *AgentRuntime) researcherPrompt(state *RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Solicitação:\n%s\n", state.RedactedQuery)
	if state.Analysis != nil {
		fmt.Fprintf(&b, "\nTese: %s\n", state.Analysis.Thesis)
		if len(state.Analysis.Gaps) > 0 {
			fmt.Fprintf(&b, "Lacunas a cobrir: %s\n", strings.Join(state.Analysis.Gaps, "; "))
		}
	}
	if last := lastRetrieval(state); last != nil {
		b.WriteString("\nTrechos recuperados:\n")
		for _, hit := range last.Hits {
			fmt.Fprintf(&b, "[%s] %s\n\n", hit.SourceID, hit.Excerpt)
		}
	}
	b.WriteString("\nConsolide os achados relevantes em texto corrido, citando cada fonte pelo identificador entre colchetes. Não redija a minuta ainda.")
	return b.String()
}

func (rt *AgentRuntime) drafterPrompt(state *RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tarefa: %s\n", state.Task)
	if state.DocumentType != "" {
		fmt.Fprintf(&b, "Tipo de documento: %s\n", state.DocumentType)
	}
	fmt.Fprintf(&b, "Solicitação:\n%s\n", state.RedactedQuery)
	if state.Analysis != nil {
		fmt.Fprintf(&b, "\nAbordagem: %s\n", state.Analysis.Approach)
	}
	if state.Findings.Text != "" {
		fmt.Fprintf(&b, "\nAchados da pesquisa:\n%s\n", state.Findings.Text)
	}
	for _, doc := range state.ExternalDocs {
		fmt.Fprintf(&b, "\nDocumento anexado [%s]:\n%s\n", doc.SourceID, truncate(doc.Text, 8000))
	}
	if v := state.LatestVerdict(); v != nil && v.Verdict == "revise" {
		fmt.Fprintf(&b, "\nMinuta anterior:\n%s\n\nParecer do revisor:\n%s\n", state.Draft.Text, v.Report)
		if len(v.Suggestions) > 0 {
			fmt.Fprintf(&b, "Sugestões: %s\n", strings.Join(v.Suggestions, "; "))
		}
		b.WriteString("\nReescreva a minuta incorporando o parecer.")
	} else {
		b.WriteString("\nRedija a minuta completa em markdown, com seções numeradas e citações pelo identificador entre colchetes.")
	}
	return b.String()
}

func (rt *AgentRuntime) criticPrompt(state *RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Solicitação original:\n%s\n", state.RedactedQuery)
	fmt.Fprintf(&b, "\nMinuta a revisar:\n%s\n", state.Draft.Text)
	b.WriteString(`
Avalie fundamentação, coerência, completude e adequação formal. Responda APENAS com JSON neste formato:
{"verdict": "accept|revise", "report": "parecer objetivo", "revised_text": "", "quality_score": 0.0, "suggestions": ["sugestão"]}
Use "revised_text" somente para correções pontuais que você mesmo possa aplicar.`)
	return b.String()
}

func (rt *AgentRuntime) formatterPrompt(state *RunState) string {
	text := state.Draft.Text
	if v := state.LatestVerdict(); v != nil && v.RevisedText != "" {
		text = v.RevisedText
	}
	var b strings.Builder
	if state.DocumentType != "" {
		fmt.Fprintf(&b, "Tipo de documento: %s\n", state.DocumentType)
	}
	fmt.Fprintf(&b, "Texto aprovado:\n%s\n", text)
	b.WriteString("\nProduza a versão final em markdown: títulos consistentes, citações no padrão ABNT, sem comentários editoriais. Responda apenas com o documento.")
	return b.String()
}

func lastRetrieval(state *RunState) *RetrievalCall {
	if len(state.Retrievals) == 0 {
		return nil
	}
	return &state.Retrievals[len(state.Retrievals)-1]
}

// ---- output parsers ----

func (rt *AgentRuntime) parseOutput(kind AgentKind, content string) (AgentOutput, error) {
	switch kind {
	case AgentAnalyser:
		var analysis AnalysisResult
		if err := unmarshalJSONBlock(content, &analysis); err != nil {
			return AgentOutput{}, err
		}
		if analysis.Thesis == "" {
			return AgentOutput{}, fmt.Errorf("analysis missing thesis")
		}
		return AgentOutput{Analysis: &analysis, Summary: truncate(analysis.Thesis, 200)}, nil

	case AgentCritic:
		var verdict CriticVerdict
		if err := unmarshalJSONBlock(content, &verdict); err != nil {
			return AgentOutput{}, err
		}
		if verdict.Verdict != "accept" && verdict.Verdict != "revise" {
			return AgentOutput{}, fmt.Errorf("unexpected verdict %q", verdict.Verdict)
		}
		return AgentOutput{Verdict: &verdict, Summary: verdict.Verdict}, nil

	case AgentResearcher, AgentDrafter, AgentFormatter:
		text := strings.TrimSpace(content)
		if text == "" {
			return AgentOutput{}, fmt.Errorf("empty %s output", kind)
		}
		return AgentOutput{Text: text, Summary: truncate(text, 200)}, nil
	}
	return AgentOutput{}, fmt.Errorf("unknown agent kind %q", kind)
}

// unmarshalJSONBlock extracts the first JSON object from model output,
// tolerating prose or fencing around it.
func unmarshalJSONBlock(content string, v interface{}) error {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in output")
	}
	return json.Unmarshal([]byte(content[start:end+1]), v)
}
