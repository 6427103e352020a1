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
	"sort"
	"strings"
	"sync"
	"time"

	"lexflow/platform/retrieval"
	"lexflow/platform/shared/logger"
)

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Type        string `json:"type"` // "string", "number", "boolean", "array", "object"
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// ToolSpec is the declarative schema of a tool: what it takes and what it
// returns. Specs are serialised into agent prompts, so descriptions should be
// short and model-readable.
type ToolSpec struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Params      map[string]ParamSpec `json:"params"`
	Result      map[string]string    `json:"result"` // field name -> type
}

// ToolFunc executes a tool call with already-validated arguments.
type ToolFunc func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// Tool pairs a schema with its implementation.
type Tool struct {
	Spec ToolSpec
	Fn   ToolFunc
}

// ToolRegistry holds the tools agents may call. It is safe for concurrent use.
type ToolRegistry struct {
	tools map[string]Tool
	log   *logger.Logger
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
		log:   logger.New("tool-registry"),
	}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *ToolRegistry) Register(t Tool) error {
	if t.Spec.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Fn == nil {
		return fmt.Errorf("tool %q has no implementation", t.Spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Spec.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Spec.Name)
	}
	r.tools[t.Spec.Name] = t
	return nil
}

// Specs returns all tool schemas, sorted by name.
func (r *ToolRegistry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute validates args against the tool schema and dispatches the call.
// An unknown tool or a schema violation is a fatal tool error; errors from
// the tool body keep whatever kind the tool assigned, defaulting to fatal.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	r.mu.RLock()
	tool, exists := r.tools[name]
	r.mu.RUnlock()

	if !exists {
		return nil, NewError(ErrToolFatal, "unknown tool %q", name)
	}
	if err := validateArgs(tool.Spec, args); err != nil {
		return nil, WrapError(ErrToolFatal, err, "tool %q argument validation failed", name)
	}

	start := time.Now()
	result, err := tool.Fn(ctx, args)
	if err != nil {
		r.log.Error("", "", "tool call failed", map[string]interface{}{
			"tool": name, "error": err.Error(), "duration_ms": time.Since(start).Milliseconds(),
		})
		if _, ok := err.(*EngineError); ok {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, WrapError(ErrToolRecoverable, err, "tool %q interrupted", name)
		}
		return nil, WrapError(ErrToolFatal, err, "tool %q failed", name)
	}
	return result, nil
}

func validateArgs(spec ToolSpec, args map[string]interface{}) error {
	for name, param := range spec.Params {
		value, present := args[name]
		if !present {
			if param.Required {
				return fmt.Errorf("missing required parameter %q", name)
			}
			continue
		}
		if !typeMatches(param.Type, value) {
			return fmt.Errorf("parameter %q: expected %s, got %T", name, param.Type, value)
		}
	}
	for name := range args {
		if _, known := spec.Params[name]; !known {
			return fmt.Errorf("unknown parameter %q", name)
		}
	}
	return nil
}

func typeMatches(declared string, value interface{}) bool {
	if value == nil {
		return true
	}
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		switch value.(type) {
		case []interface{}, []string:
			return true
		}
		return false
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	}
	return false
}

func argString(args map[string]interface{}, name string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return ""
}

func argInt(args map[string]interface{}, name string, fallback int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

// NewRetrieveTool builds the federated retrieval tool. The supervisor calls
// it on the researcher's behalf with the gap-directed query; results flow
// back into the working set as findings context.
func NewRetrieveTool(federator *retrieval.Federator) Tool {
	return Tool{
		Spec: ToolSpec{
			Name:        "retrieve",
			Description: "Busca federada em fontes internas e documentos anexados. Retorna trechos ranqueados.",
			Params: map[string]ParamSpec{
				"query":         {Type: "string", Required: true, Description: "Consulta de busca"},
				"tenant_id":     {Type: "string", Required: true, Description: "Identificador do tenant"},
				"k":             {Type: "number", Required: false, Description: "Número de resultados (padrão 10)"},
				"use_internal":  {Type: "boolean", Required: false, Description: "Consultar o acervo interno"},
				"personalise":   {Type: "boolean", Required: false, Description: "Aplicar personalização por centroide"},
				"alpha":         {Type: "number", Required: false, Description: "Peso da personalização"},
				"external_docs": {Type: "array", Required: false, Description: "Documentos anexados [{source_id, text}]"},
			},
			Result: map[string]string{"hits": "array", "fusion": "object", "degraded": "boolean", "all_failed": "boolean", "annotations": "array"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			useInternal := true
			if v, ok := args["use_internal"].(bool); ok {
				useInternal = v
			}
			personalise, _ := args["personalise"].(bool)
			alpha, _ := args["alpha"].(float64)

			result, err := federator.Search(ctx, retrieval.Request{
				Query:        argString(args, "query"),
				TenantID:     argString(args, "tenant_id"),
				K:            argInt(args, "k", 10),
				ExternalDocs: argExternalDocs(args, "external_docs"),
				UseInternal:  useInternal,
				Personalise:  personalise,
				Alpha:        alpha,
			})
			if err != nil {
				return nil, WrapError(ErrRetrievalFailed, err, "federated search failed")
			}
			return map[string]interface{}{
				"hits":        result.Hits,
				"fusion":      result.Fusion,
				"degraded":    result.Degraded,
				"all_failed":  result.AllFailed,
				"annotations": result.Annotations,
			}, nil
		},
	}
}

func argExternalDocs(args map[string]interface{}, name string) []retrieval.ExternalDoc {
	raw, ok := args[name].([]interface{})
	if !ok {
		return nil
	}
	docs := make([]retrieval.ExternalDoc, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := m["source_id"].(string)
		text, _ := m["text"].(string)
		if id != "" {
			docs = append(docs, retrieval.ExternalDoc{SourceID: id, Text: text})
		}
	}
	return docs
}

// NewJurisprudenceSearchTool builds a case-law search over the internal
// index, scoped to jurisprudence documents.
func NewJurisprudenceSearchTool(index retrieval.LexicalIndex) Tool {
	return Tool{
		Spec: ToolSpec{
			Name:        "jurisprudence_search",
			Description: "Pesquisa jurisprudência e precedentes relevantes para a tese.",
			Params: map[string]ParamSpec{
				"query":     {Type: "string", Required: true, Description: "Tese ou questão jurídica"},
				"tenant_id": {Type: "string", Required: true, Description: "Identificador do tenant"},
				"k":         {Type: "number", Required: false, Description: "Número de precedentes (padrão 5)"},
			},
			Result: map[string]string{"precedents": "array"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			docs, err := index.Search(ctx, argString(args, "tenant_id"), "jurisprudência "+argString(args, "query"), argInt(args, "k", 5))
			if err != nil {
				return nil, WrapError(ErrToolRecoverable, err, "jurisprudence search failed")
			}
			return map[string]interface{}{"precedents": docs}, nil
		},
	}
}

// NewFormatCitationTool builds the ABNT-style citation formatter. It is pure
// and never fails once its arguments validate.
func NewFormatCitationTool() Tool {
	return Tool{
		Spec: ToolSpec{
			Name:        "format_citation",
			Description: "Formata uma citação de julgado no padrão ABNT.",
			Params: map[string]ParamSpec{
				"court":       {Type: "string", Required: true, Description: "Tribunal (ex.: STJ)"},
				"case_number": {Type: "string", Required: true, Description: "Número do processo"},
				"reporter":    {Type: "string", Required: false, Description: "Relator"},
				"date":        {Type: "string", Required: false, Description: "Data do julgamento"},
			},
			Result: map[string]string{"citation": "string"},
		},
		Fn: func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			parts := []string{
				strings.ToUpper(argString(args, "court")),
				argString(args, "case_number"),
			}
			if reporter := argString(args, "reporter"); reporter != "" {
				parts = append(parts, "Rel. "+reporter)
			}
			if date := argString(args, "date"); date != "" {
				parts = append(parts, "julgado em "+date)
			}
			return map[string]interface{}{"citation": strings.Join(parts, ", ") + "."}, nil
		},
	}
}

// NewQualityScoreTool builds a heuristic draft scorer used by the critic as a
// pre-screen before the model pass.
func NewQualityScoreTool() Tool {
	return Tool{
		Spec: ToolSpec{
			Name:        "quality_score",
			Description: "Pontua heuristicamente a qualidade estrutural de uma minuta (0 a 1).",
			Params: map[string]ParamSpec{
				"text": {Type: "string", Required: true, Description: "Texto da minuta"},
			},
			Result: map[string]string{"score": "number", "signals": "object"},
		},
		Fn: func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			text := argString(args, "text")
			score, signals := scoreDraft(text)
			return map[string]interface{}{"score": score, "signals": signals}, nil
		},
	}
}

// scoreDraft computes the heuristic quality signals: enough substance,
// sectioning, legal citations and a closing formula all contribute.
func scoreDraft(text string) (float64, map[string]interface{}) {
	words := len(strings.Fields(text))
	hasSections := strings.Contains(text, "\n#") || strings.Contains(text, "\n##")
	hasCitations := strings.Contains(text, "art.") || strings.Contains(text, "Art.") ||
		strings.Contains(text, "Lei ") || strings.Contains(text, "Súmula")
	hasClosing := strings.Contains(strings.ToLower(text), "termos em que") ||
		strings.Contains(strings.ToLower(text), "é o parecer")

	score := 0.0
	switch {
	case words >= 300:
		score += 0.4
	case words >= 100:
		score += 0.25
	case words > 0:
		score += 0.1
	}
	if hasSections {
		score += 0.2
	}
	if hasCitations {
		score += 0.25
	}
	if hasClosing {
		score += 0.15
	}

	return score, map[string]interface{}{
		"word_count":    words,
		"has_sections":  hasSections,
		"has_citations": hasCitations,
		"has_closing":   hasClosing,
	}
}

// NewDocumentAnalyseTool builds the document triage tool: theme inference
// plus surface statistics and a PII count, used by the analyser to size up
// attached documents without a model call.
func NewDocumentAnalyseTool(detector *PIIDetector) Tool {
	return Tool{
		Spec: ToolSpec{
			Name:        "document_analyse",
			Description: "Analisa um documento anexado: tema, extensão e presença de dados pessoais.",
			Params: map[string]ParamSpec{
				"text": {Type: "string", Required: true, Description: "Texto do documento"},
			},
			Result: map[string]string{"theme": "string", "word_count": "number", "pii_count": "number"},
		},
		Fn: func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			text := argString(args, "text")
			detections := detector.Detect(text)
			return map[string]interface{}{
				"theme":      retrieval.InferTheme(text),
				"word_count": len(strings.Fields(text)),
				"pii_count":  len(detections),
			}, nil
		},
	}
}

// RegisterDefaultTools wires the standard tool set into a registry.
func RegisterDefaultTools(registry *ToolRegistry, federator *retrieval.Federator, lexical retrieval.LexicalIndex, detector *PIIDetector) error {
	tools := []Tool{
		NewRetrieveTool(federator),
		NewFormatCitationTool(),
		NewQualityScoreTool(),
		NewDocumentAnalyseTool(detector),
	}
	if lexical != nil {
		tools = append(tools, NewJurisprudenceSearchTool(lexical))
	}
	for _, t := range tools {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}
