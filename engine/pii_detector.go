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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// PIIType represents the categories of personally identifiable information
// the gate detects.
type PIIType string

const (
	PIITypeTaxID       PIIType = "tax_id"       // CPF
	PIITypeCorporateID PIIType = "corporate_id" // CNPJ
	PIITypeEmail       PIIType = "email"
	PIITypePhone       PIIType = "phone"
	PIITypeNationalID  PIIType = "national_id" // RG
	PIITypeAddress     PIIType = "address"
	PIITypeCardNumber  PIIType = "card_number"
	PIITypeBankAccount PIIType = "bank_account"
)

// redactionLabels are the short labels used inside redaction tokens.
var redactionLabels = map[PIIType]string{
	PIITypeTaxID:       "CPF",
	PIITypeCorporateID: "CNPJ",
	PIITypeEmail:       "EMAIL",
	PIITypePhone:       "PHONE",
	PIITypeNationalID:  "RG",
	PIITypeAddress:     "ADDRESS",
	PIITypeCardNumber:  "CARD",
	PIITypeBankAccount: "BANK_ACCOUNT",
}

// PIIDetection is one sensitive span found in a processed string. The raw
// matched value is kept out of serialised output.
type PIIDetection struct {
	Type        PIIType `json:"type"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Confidence  float64 `json:"confidence"`
	ValidDigits bool    `json:"valid_digits"`
	Redaction   string  `json:"redaction,omitempty"`

	value string
}

// PIIPattern describes a detection pattern for a specific PII type.
type PIIPattern struct {
	Type            PIIType
	Pattern         *regexp.Regexp
	BaseConfidence  float64
	ContextKeywords []string
	ContextBoost    float64
	// Validator gates the match; returns digit validity and a confidence
	// override. Nil validators keep the context-derived confidence.
	Validator func(match string) (bool, float64)
}

// PIIDetector scans text for sensitive spans and produces redacted views.
type PIIDetector struct {
	patterns []PIIPattern
}

// NewPIIDetector creates a detector with the default pattern table.
func NewPIIDetector() *PIIDetector {
	return &PIIDetector{patterns: defaultPIIPatterns()}
}

func defaultPIIPatterns() []PIIPattern {
	return []PIIPattern{
		{
			Type:           PIITypeTaxID,
			Pattern:        regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b|\b\d{11}\b`),
			BaseConfidence: 0.7,
			Validator: func(match string) (bool, float64) {
				if validateCPF(match) {
					return true, 0.95
				}
				return false, 0.7
			},
		},
		{
			Type:           PIITypeCorporateID,
			Pattern:        regexp.MustCompile(`\b\d{2}\.\d{3}\.\d{3}/\d{4}-\d{2}\b|\b\d{14}\b`),
			BaseConfidence: 0.7,
			Validator: func(match string) (bool, float64) {
				if validateCNPJ(match) {
					return true, 0.95
				}
				return false, 0.7
			},
		},
		{
			Type:            PIITypeEmail,
			Pattern:         regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			BaseConfidence:  0.85,
			ContextKeywords: []string{"email", "e-mail", "contato", "correio"},
			ContextBoost:    0.1,
		},
		{
			Type:            PIITypePhone,
			Pattern:         regexp.MustCompile(`(?:\+55\s?)?(?:\(\d{2}\)\s?|\d{2}\s)\d{4,5}-?\d{4}\b`),
			BaseConfidence:  0.6,
			ContextKeywords: []string{"telefone", "celular", "fone", "whatsapp", "tel"},
			ContextBoost:    0.25,
		},
		{
			Type:            PIITypeNationalID,
			Pattern:         regexp.MustCompile(`\b\d{1,2}\.\d{3}\.\d{3}-[0-9Xx]\b`),
			BaseConfidence:  0.55,
			ContextKeywords: []string{"rg", "identidade", "registro geral", "órgão emissor", "orgao emissor"},
			ContextBoost:    0.3,
		},
		{
			Type:            PIITypeAddress,
			Pattern:         regexp.MustCompile(`(?i)\b(?:rua|avenida|av\.|alameda|travessa|praça|praca|rodovia)\s+[^,\n]{3,60},?\s*(?:n[º°o.]?\s*)?\d{1,5}\b`),
			BaseConfidence:  0.6,
			ContextKeywords: []string{"endereço", "endereco", "residente", "domiciliado", "cep"},
			ContextBoost:    0.2,
		},
		{
			Type:            PIITypeCardNumber,
			Pattern:         regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
			BaseConfidence:  0.4,
			ContextKeywords: []string{"cartão", "cartao", "crédito", "credito", "débito", "debito", "visa", "mastercard"},
			ContextBoost:    0.3,
			Validator: func(match string) (bool, float64) {
				digits := digitsOnly(match)
				if len(digits) < 13 || len(digits) > 19 {
					return false, 0
				}
				if luhnCheck(digits) {
					return true, 0.92
				}
				return false, 0.3
			},
		},
		{
			Type:            PIITypeBankAccount,
			Pattern:         regexp.MustCompile(`(?i)\b(?:ag[êe]ncia|ag\.?)\s*:?\s*\d{3,5}-?\d?\s*[,/]?\s*(?:conta|c\/c|cc)\s*:?\s*\d{4,12}-?\d?\b`),
			BaseConfidence:  0.8,
			ContextKeywords: []string{"banco", "bancária", "bancaria", "depósito", "deposito", "transferência", "transferencia", "pix"},
			ContextBoost:    0.15,
		},
	}
}

// Detect scans text and returns detections ordered by span start. Overlapping
// detections collapse to the highest-confidence one.
func (d *PIIDetector) Detect(text string) []PIIDetection {
	var detections []PIIDetection

	for _, p := range d.patterns {
		for _, loc := range p.Pattern.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			det := PIIDetection{
				Type:       p.Type,
				Start:      loc[0],
				End:        loc[1],
				Confidence: p.BaseConfidence,
				value:      match,
			}

			if len(p.ContextKeywords) > 0 && hasNearbyKeyword(text, loc[0], loc[1], p.ContextKeywords) {
				det.Confidence += p.ContextBoost
				if det.Confidence > 0.99 {
					det.Confidence = 0.99
				}
			}

			if p.Validator != nil {
				valid, conf := p.Validator(match)
				if conf == 0 {
					continue // not a plausible match at all
				}
				det.ValidDigits = valid
				det.Confidence = conf
			}

			detections = append(detections, det)
		}
	}

	return dedupeOverlaps(detections)
}

// Redact produces a redacted view of text using the given strategy. Only
// strictly redactable detections are replaced: digit-gated kinds require
// valid verifier digits, other kinds a confidence of at least 0.5. The
// returned detections carry the applied redaction token.
func (d *PIIDetector) Redact(text string, detections []PIIDetection, strategy PIIStrategy) (string, []PIIDetection) {
	applied := make([]PIIDetection, len(detections))
	copy(applied, detections)

	// Replace back to front so earlier offsets stay valid.
	ordered := make([]*PIIDetection, 0, len(applied))
	for i := range applied {
		ordered = append(ordered, &applied[i])
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	out := text
	for _, det := range ordered {
		if !redactable(det) {
			continue
		}
		token := redactionToken(det, strategy)
		det.Redaction = token
		out = out[:det.Start] + token + out[det.End:]
	}
	return out, applied
}

// ScanAndRedact is the common detect-then-redact path.
func (d *PIIDetector) ScanAndRedact(text string, strategy PIIStrategy) (string, []PIIDetection) {
	return d.Redact(text, d.Detect(text), strategy)
}

func redactable(det *PIIDetection) bool {
	switch det.Type {
	case PIITypeTaxID, PIITypeCorporateID, PIITypeCardNumber:
		return det.ValidDigits
	default:
		return det.Confidence >= 0.5
	}
}

func redactionToken(det *PIIDetection, strategy PIIStrategy) string {
	label := redactionLabels[det.Type]
	switch strategy {
	case PIIStrategyHashed:
		sum := sha256.Sum256([]byte(det.value))
		return fmt.Sprintf("[%s_%s]", label, hex.EncodeToString(sum[:])[:8])
	case PIIStrategyMasked:
		return strings.Repeat("*", det.End-det.Start)
	default: // typed
		return fmt.Sprintf("[%s_REDACTED]", label)
	}
}

// hasNearbyKeyword checks a window around the match for context keywords.
func hasNearbyKeyword(text string, start, end int, keywords []string) bool {
	const window = 60
	lo := start - window
	if lo < 0 {
		lo = 0
	}
	hi := end + window
	if hi > len(text) {
		hi = len(text)
	}
	ctx := strings.ToLower(text[lo:hi])
	for _, kw := range keywords {
		if strings.Contains(ctx, kw) {
			return true
		}
	}
	return false
}

// dedupeOverlaps drops detections whose span overlaps a higher-confidence
// one, then sorts by span start.
func dedupeOverlaps(detections []PIIDetection) []PIIDetection {
	sort.Slice(detections, func(i, j int) bool {
		if detections[i].Confidence != detections[j].Confidence {
			return detections[i].Confidence > detections[j].Confidence
		}
		return detections[i].Start < detections[j].Start
	})

	var kept []PIIDetection
	for _, det := range detections {
		overlaps := false
		for _, k := range kept {
			if det.Start < k.End && k.Start < det.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, det)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// validateCPF checks the two mod-11 verifier digits of a Brazilian CPF.
func validateCPF(value string) bool {
	digits := digitsOnly(value)
	if len(digits) != 11 {
		return false
	}
	if allSameDigit(digits) {
		return false
	}

	calc := func(ds string, startWeight int) int {
		sum := 0
		for i, r := range ds {
			sum += int(r-'0') * (startWeight - i)
		}
		rem := sum % 11
		if rem < 2 {
			return 0
		}
		return 11 - rem
	}

	d1 := calc(digits[:9], 10)
	if d1 != int(digits[9]-'0') {
		return false
	}
	d2 := calc(digits[:10], 11)
	return d2 == int(digits[10]-'0')
}

// validateCNPJ checks the two verifier digits of a Brazilian CNPJ.
func validateCNPJ(value string) bool {
	digits := digitsOnly(value)
	if len(digits) != 14 {
		return false
	}
	if allSameDigit(digits) {
		return false
	}

	calc := func(ds string, weights []int) int {
		sum := 0
		for i, w := range weights {
			sum += int(ds[i]-'0') * w
		}
		rem := sum % 11
		if rem < 2 {
			return 0
		}
		return 11 - rem
	}

	d1 := calc(digits[:12], []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2})
	if d1 != int(digits[12]-'0') {
		return false
	}
	d2 := calc(digits[:13], []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2})
	return d2 == int(digits[13]-'0')
}

func allSameDigit(digits string) bool {
	for i := 1; i < len(digits); i++ {
		if digits[i] != digits[0] {
			return false
		}
	}
	return true
}

// luhnCheck validates a numeric string with the Luhn algorithm.
func luhnCheck(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
