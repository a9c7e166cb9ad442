package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"case-triage-pipeline/models"
)

// Validation error codes. Each names the first field that failed the schema.
const (
	CodeMalformedJSON     = "malformed_json"
	CodeInvalidAnimalType = "invalid_animal_type"
	CodeInvalidUrgency    = "invalid_urgency"
	CodeInvalidIndicators = "invalid_indicators"
	CodeMissingReason     = "missing_reason"
	CodeInvalidConfidence = "invalid_confidence"
)

// ValidationError reports which field of the model output failed validation.
// Model output is untrusted; callers fall back to the deterministic failure
// annotation rather than crashing.
type ValidationError struct {
	Field  string
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("model output invalid (%s): %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("model output field %q invalid (%s): %s", e.Field, e.Code, e.Detail)
}

func invalid(field, code, detail string) error {
	return &ValidationError{Field: field, Code: code, Detail: detail}
}

const maxIndicators = 10

// MaxMatches bounds every ranked match list.
const MaxMatches = 3

// RiskResult is the validated single-case screening output.
type RiskResult struct {
	AnimalType        string
	VisibleIndicators []string
	Urgency           string
	Reason            string
	Confidence        float64
	Disclaimer        string
}

// RankedMatch is one validated entry of the batched matching output.
// CandidateNumber is the 1-based position label used in the model prompt.
type RankedMatch struct {
	CandidateNumber int
	Score           float64
	Reason          string
}

// ExtractJSONFromMarkdown extracts JSON from markdown code blocks. Models
// wrap JSON in fences despite instructions not to, so strip them first.
func ExtractJSONFromMarkdown(response string) string {
	startMarker := "```"
	endMarker := "```"

	startIdx := strings.Index(response, startMarker)
	if startIdx == -1 {
		// No code block found, try to find the JSON payload directly
		objIdx := strings.IndexAny(response, "{[")
		if objIdx == -1 {
			return response
		}
		endIdx := strings.LastIndexAny(response, "}]")
		if endIdx == -1 || endIdx < objIdx {
			return response
		}
		return strings.TrimSpace(response[objIdx : endIdx+1])
	}

	endIdx := strings.Index(response[startIdx+len(startMarker):], endMarker)
	if endIdx == -1 {
		return response
	}
	endIdx += startIdx + len(startMarker)

	content := response[startIdx+len(startMarker) : endIdx]

	// Remove the language identifier if present (e.g., "json")
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) > 0 && (strings.TrimSpace(lines[0]) == "json" || strings.TrimSpace(lines[0]) == "") {
		content = strings.Join(lines[1:], "\n")
	}

	return strings.TrimSpace(content)
}

// ParseRisk validates the screening output against the fixed contract. This
// is the strict variant: any malformed field rejects the whole payload.
func ParseRisk(response string) (*RiskResult, error) {
	jsonContent := ExtractJSONFromMarkdown(strings.TrimSpace(response))

	var obj map[string]any
	if err := json.Unmarshal([]byte(jsonContent), &obj); err != nil {
		return nil, invalid("", CodeMalformedJSON, err.Error())
	}
	if obj == nil {
		return nil, invalid("", CodeMalformedJSON, "payload is not a JSON object")
	}

	result := &RiskResult{}

	animalType := strings.ToLower(strings.TrimSpace(stringField(obj, "animalType")))
	switch animalType {
	case models.AnimalTypeCat, models.AnimalTypeDog, models.AnimalTypeOther, models.AnimalTypeUnknown:
		result.AnimalType = animalType
	default:
		return nil, invalid("animalType", CodeInvalidAnimalType, fmt.Sprintf("got %q", animalType))
	}

	urgency := strings.ToLower(strings.TrimSpace(stringField(obj, "urgency")))
	switch urgency {
	case models.UrgencyHigh, models.UrgencyMedium, models.UrgencyLow:
		result.Urgency = urgency
	default:
		return nil, invalid("urgency", CodeInvalidUrgency, fmt.Sprintf("got %q", urgency))
	}

	indicators, err := indicatorsField(obj, "visibleIndicators")
	if err != nil {
		return nil, err
	}
	result.VisibleIndicators = indicators

	reason := strings.TrimSpace(stringField(obj, "reason"))
	if reason == "" {
		return nil, invalid("reason", CodeMissingReason, "reason must be non-empty")
	}
	result.Reason = reason

	confidence, ok := numberField(obj["confidence"])
	if !ok {
		return nil, invalid("confidence", CodeInvalidConfidence, "confidence must be a finite number")
	}
	result.Confidence = clamp01(confidence)

	// Out-of-range confidence is saturated rather than rejected; the
	// disclaimer likewise degrades to the fixed system text. Deliberate
	// leniency, unlike the strict enum fields.
	result.Disclaimer = strings.TrimSpace(stringField(obj, "disclaimer"))
	if result.Disclaimer == "" {
		result.Disclaimer = models.DefaultDisclaimer
	}

	return result, nil
}

// ParseMatches validates the batched matching output against a known
// candidate count. This is the lenient variant: entries with an out-of-range
// candidate number or a non-finite score are dropped, since partial match
// results are still useful. The remainder is sorted descending by score and
// truncated to MaxMatches.
func ParseMatches(response string, candidateCount int) ([]RankedMatch, error) {
	jsonContent := ExtractJSONFromMarkdown(strings.TrimSpace(response))

	var entries []any
	if err := json.Unmarshal([]byte(jsonContent), &entries); err != nil {
		// Also accept {"matches": [...]} wrapping.
		var obj map[string]any
		if objErr := json.Unmarshal([]byte(jsonContent), &obj); objErr != nil {
			return nil, invalid("", CodeMalformedJSON, err.Error())
		}
		wrapped, ok := obj["matches"].([]any)
		if !ok {
			return nil, invalid("matches", CodeMalformedJSON, "expected a JSON array of matches")
		}
		entries = wrapped
	}

	matches := make([]RankedMatch, 0, len(entries))
	for _, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		numberVal, ok := numberField(m["candidateNumber"])
		if !ok {
			continue
		}
		candidateNumber := int(numberVal)
		if float64(candidateNumber) != numberVal || candidateNumber < 1 || candidateNumber > candidateCount {
			continue
		}
		score, ok := numberField(m["score"])
		if !ok {
			continue
		}
		matches = append(matches, RankedMatch{
			CandidateNumber: candidateNumber,
			Score:           clamp01(score),
			Reason:          strings.TrimSpace(stringField(m, "reason")),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > MaxMatches {
		matches = matches[:MaxMatches]
	}
	return matches, nil
}

func stringField(obj map[string]any, key string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	return ""
}

// numberField accepts a JSON number or a numeric string and rejects
// anything non-finite.
func numberField(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// indicatorsField requires an array of strings. A single non-string element
// rejects the whole payload; empty strings are dropped after trimming and
// the list is capped at maxIndicators.
func indicatorsField(obj map[string]any, key string) ([]string, error) {
	raw, present := obj[key]
	if !present || raw == nil {
		return []string{}, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, invalid(key, CodeInvalidIndicators, "must be an array of strings")
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, invalid(key, CodeInvalidIndicators, "array contains a non-string element")
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == maxIndicators {
			break
		}
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
