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
	"errors"
	"strings"
	"testing"
)

func echoTool(name string) Tool {
	return Tool{
		Spec: ToolSpec{
			Name: name,
			Params: map[string]ParamSpec{
				"text":  {Type: "string", Required: true},
				"count": {Type: "number", Required: false},
			},
			Result: map[string]string{"text": "string"},
		},
		Fn: func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"text": args["text"]}, nil
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewToolRegistry()

	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(echoTool("echo")); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := r.Register(Tool{Spec: ToolSpec{Name: ""}}); err == nil {
		t.Error("empty name should fail")
	}
	if err := r.Register(Tool{Spec: ToolSpec{Name: "no-fn"}}); err == nil {
		t.Error("missing implementation should fail")
	}
}

func TestRegistrySpecsSorted(t *testing.T) {
	r := NewToolRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(echoTool(name)); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	specs := r.Specs()
	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}
	if specs[0].Name != "alpha" || specs[1].Name != "mid" || specs[2].Name != "zeta" {
		t.Errorf("specs not sorted: %v", []string{specs[0].Name, specs[1].Name, specs[2].Name})
	}
}

func TestExecuteValidation(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name string
		tool string
		args map[string]interface{}
	}{
		{"unknown tool", "missing", map[string]interface{}{"text": "x"}},
		{"missing required param", "echo", map[string]interface{}{}},
		{"wrong type", "echo", map[string]interface{}{"text": 42}},
		{"unknown param", "echo", map[string]interface{}{"text": "x", "extra": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(ctx, tt.tool, tt.args)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !IsKind(err, ErrToolFatal) {
				t.Errorf("kind = %s, want %s", KindOf(err), ErrToolFatal)
			}
		})
	}

	result, err := r.Execute(ctx, "echo", map[string]interface{}{"text": "ok", "count": float64(2)})
	if err != nil {
		t.Fatalf("valid call failed: %v", err)
	}
	if result["text"] != "ok" {
		t.Errorf("result = %v", result)
	}
}

// TestExecuteErrorKinds verifies tool body errors keep their assigned kind
// and untagged errors default to fatal
func TestExecuteErrorKinds(t *testing.T) {
	r := NewToolRegistry()

	failing := Tool{
		Spec: ToolSpec{Name: "flaky", Params: map[string]ParamSpec{}},
		Fn: func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
			return nil, NewError(ErrToolRecoverable, "backend temporarily down")
		},
	}
	raw := Tool{
		Spec: ToolSpec{Name: "raw", Params: map[string]ParamSpec{}},
		Fn: func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
			return nil, errors.New("plain failure")
		},
	}
	if err := r.Register(failing); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(raw); err != nil {
		t.Fatal(err)
	}

	_, err := r.Execute(context.Background(), "flaky", nil)
	if !IsKind(err, ErrToolRecoverable) {
		t.Errorf("tagged kind lost: %s", KindOf(err))
	}

	_, err = r.Execute(context.Background(), "raw", nil)
	if !IsKind(err, ErrToolFatal) {
		t.Errorf("untagged error should default to fatal: %s", KindOf(err))
	}
}

func TestFormatCitationTool(t *testing.T) {
	tool := NewFormatCitationTool()
	ctx := context.Background()

	result, err := tool.Fn(ctx, map[string]interface{}{
		"court":       "stj",
		"case_number": "REsp 1.234.567/SP",
		"reporter":    "Min. Exemplo",
		"date":        "12/03/2024",
	})
	if err != nil {
		t.Fatalf("Fn: %v", err)
	}
	want := "STJ, REsp 1.234.567/SP, Rel. Min. Exemplo, julgado em 12/03/2024."
	if result["citation"] != want {
		t.Errorf("citation = %q, want %q", result["citation"], want)
	}

	// optional fields omitted
	result, err = tool.Fn(ctx, map[string]interface{}{
		"court":       "TJSP",
		"case_number": "AC 0001234-56.2023.8.26.0100",
	})
	if err != nil {
		t.Fatalf("Fn: %v", err)
	}
	want = "TJSP, AC 0001234-56.2023.8.26.0100."
	if result["citation"] != want {
		t.Errorf("citation = %q, want %q", result["citation"], want)
	}
}

func TestQualityScoreTool(t *testing.T) {
	tool := NewQualityScoreTool()
	ctx := context.Background()

	empty, err := tool.Fn(ctx, map[string]interface{}{"text": ""})
	if err != nil {
		t.Fatal(err)
	}
	if empty["score"].(float64) != 0 {
		t.Errorf("empty text score = %v, want 0", empty["score"])
	}

	// a structured draft with citations and a closing formula scores high
	body := strings.Repeat("fundamentação jurídica do caso concreto ", 80)
	rich := "# Relatório\n" + body + "\n## Fundamentação\nNos termos do art. 927 do Código Civil e da Súmula 37.\nTermos em que, pede deferimento."
	scored, err := tool.Fn(ctx, map[string]interface{}{"text": rich})
	if err != nil {
		t.Fatal(err)
	}
	score := scored["score"].(float64)
	if score < 0.9 {
		t.Errorf("structured draft score = %f, want >= 0.9", score)
	}

	signals := scored["signals"].(map[string]interface{})
	if signals["has_sections"] != true || signals["has_citations"] != true || signals["has_closing"] != true {
		t.Errorf("signals = %v", signals)
	}
}

func TestDocumentAnalyseTool(t *testing.T) {
	tool := NewDocumentAnalyseTool(NewPIIDetector())

	result, err := tool.Fn(context.Background(), map[string]interface{}{
		"text": "Contrato de trabalho do empregado, CPF 529.982.247-25, admitido em 2020.",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result["pii_count"].(int) != 1 {
		t.Errorf("pii_count = %v, want 1", result["pii_count"])
	}
	if result["word_count"].(int) == 0 {
		t.Error("word_count should be positive")
	}
}

func TestRegisterDefaultTools(t *testing.T) {
	r := NewToolRegistry()
	if err := RegisterDefaultTools(r, nil, nil, NewPIIDetector()); err != nil {
		t.Fatalf("RegisterDefaultTools: %v", err)
	}

	names := make(map[string]bool)
	for _, spec := range r.Specs() {
		names[spec.Name] = true
	}
	for _, want := range []string{"retrieve", "format_citation", "quality_score", "document_analyse"} {
		if !names[want] {
			t.Errorf("missing tool %q", want)
		}
	}
	if names["jurisprudence_search"] {
		t.Error("jurisprudence_search should be absent without a lexical index")
	}
}
