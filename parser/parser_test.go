package parser

import (
	"testing"
)

func TestExtractJSONFromMarkdown(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain json object",
			input:    `{"animalType": "cat"}`,
			expected: `{"animalType": "cat"}`,
		},
		{
			name:     "fenced json",
			input:    "```json\n{\"animalType\": \"cat\"}\n```",
			expected: `{"animalType": "cat"}`,
		},
		{
			name:     "fenced without language",
			input:    "```\n{\"animalType\": \"dog\"}\n```",
			expected: `{"animalType": "dog"}`,
		},
		{
			name:     "chatter around object",
			input:    "Here is the result:\n{\"urgency\": \"low\"}\nHope this helps!",
			expected: `{"urgency": "low"}`,
		},
		{
			name:     "chatter around array",
			input:    "Sure!\n[{\"candidateNumber\": 1}]\nDone.",
			expected: `[{"candidateNumber": 1}]`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractJSONFromMarkdown(tc.input)
			if got != tc.expected {
				t.Errorf("got %q, want %q", got, tc.expected)
			}
		})
	}
}

func TestParseRisk(t *testing.T) {
	testCases := []struct {
		name string
		in   string

		wantErr  bool
		wantCode string

		wantType       string
		wantUrgency    string
		wantConfidence float64
		wantIndicators int
	}{
		{
			name: "valid full payload",
			in: `{"animalType": "Dog", "visibleIndicators": ["limping gait", "visible ribs"],
				"urgency": "HIGH", "reason": "Animal is limping.", "confidence": 0.85}`,
			wantType:       "dog",
			wantUrgency:    "high",
			wantConfidence: 0.85,
			wantIndicators: 2,
		},
		{
			name: "valid inside markdown fences",
			in: "```json\n" + `{"animalType": "cat", "urgency": "low",
				"reason": "Calm animal.", "confidence": 0.5}` + "\n```",
			wantType:       "cat",
			wantUrgency:    "low",
			wantConfidence: 0.5,
		},
		{
			name:     "malformed json",
			in:       "not json at all",
			wantErr:  true,
			wantCode: CodeMalformedJSON,
		},
		{
			name:     "json array instead of object",
			in:       `[1, 2, 3]`,
			wantErr:  true,
			wantCode: CodeMalformedJSON,
		},
		{
			name:     "unknown animal type",
			in:       `{"animalType": "bird-ish", "urgency": "low", "reason": "x", "confidence": 0.5}`,
			wantErr:  true,
			wantCode: CodeInvalidAnimalType,
		},
		{
			name:     "unknown urgency",
			in:       `{"animalType": "cat", "urgency": "critical", "reason": "x", "confidence": 0.5}`,
			wantErr:  true,
			wantCode: CodeInvalidUrgency,
		},
		{
			name: "non-string indicator rejects payload",
			in: `{"animalType": "cat", "visibleIndicators": ["ok", 42],
				"urgency": "low", "reason": "x", "confidence": 0.5}`,
			wantErr:  true,
			wantCode: CodeInvalidIndicators,
		},
		{
			name:     "empty reason",
			in:       `{"animalType": "cat", "urgency": "low", "reason": "   ", "confidence": 0.5}`,
			wantErr:  true,
			wantCode: CodeMissingReason,
		},
		{
			name:     "missing confidence",
			in:       `{"animalType": "cat", "urgency": "low", "reason": "x"}`,
			wantErr:  true,
			wantCode: CodeInvalidConfidence,
		},
		{
			name:     "non-numeric confidence",
			in:       `{"animalType": "cat", "urgency": "low", "reason": "x", "confidence": "very sure"}`,
			wantErr:  true,
			wantCode: CodeInvalidConfidence,
		},
		{
			name:           "confidence above one is clamped",
			in:             `{"animalType": "cat", "urgency": "low", "reason": "x", "confidence": 1.7}`,
			wantType:       "cat",
			wantUrgency:    "low",
			wantConfidence: 1,
		},
		{
			name:           "negative confidence is clamped",
			in:             `{"animalType": "cat", "urgency": "low", "reason": "x", "confidence": -0.3}`,
			wantType:       "cat",
			wantUrgency:    "low",
			wantConfidence: 0,
		},
		{
			name:           "numeric string confidence accepted",
			in:             `{"animalType": "cat", "urgency": "low", "reason": "x", "confidence": "0.6"}`,
			wantType:       "cat",
			wantUrgency:    "low",
			wantConfidence: 0.6,
		},
		{
			name: "indicators capped at ten",
			in: `{"animalType": "dog", "urgency": "medium", "reason": "x", "confidence": 0.5,
				"visibleIndicators": ["a","b","c","d","e","f","g","h","i","j","k","l"]}`,
			wantType:       "dog",
			wantUrgency:    "medium",
			wantConfidence: 0.5,
			wantIndicators: 10,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := ParseRisk(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got result %+v", result)
				}
				verr, ok := err.(*ValidationError)
				if !ok {
					t.Fatalf("expected *ValidationError, got %T: %v", err, err)
				}
				if verr.Code != tc.wantCode {
					t.Errorf("got code %q, want %q", verr.Code, tc.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.AnimalType != tc.wantType {
				t.Errorf("got animal type %q, want %q", result.AnimalType, tc.wantType)
			}
			if result.Urgency != tc.wantUrgency {
				t.Errorf("got urgency %q, want %q", result.Urgency, tc.wantUrgency)
			}
			if result.Confidence != tc.wantConfidence {
				t.Errorf("got confidence %v, want %v", result.Confidence, tc.wantConfidence)
			}
			if tc.wantIndicators > 0 && len(result.VisibleIndicators) != tc.wantIndicators {
				t.Errorf("got %d indicators, want %d", len(result.VisibleIndicators), tc.wantIndicators)
			}
			if result.Disclaimer == "" {
				t.Error("disclaimer should never be empty")
			}
		})
	}
}

func TestParseMatches(t *testing.T) {
	testCases := []struct {
		name           string
		in             string
		candidateCount int

		wantErr     bool
		wantNumbers []int
		wantScores  []float64
	}{
		{
			name: "bare array sorted descending",
			in: `[{"candidateNumber": 2, "score": 0.4, "reason": "b"},
				{"candidateNumber": 1, "score": 0.9, "reason": "a"}]`,
			candidateCount: 3,
			wantNumbers:    []int{1, 2},
			wantScores:     []float64{0.9, 0.4},
		},
		{
			name:           "wrapped object accepted",
			in:             `{"matches": [{"candidateNumber": 1, "score": 0.7, "reason": "a"}]}`,
			candidateCount: 2,
			wantNumbers:    []int{1},
			wantScores:     []float64{0.7},
		},
		{
			name: "out of range candidate numbers dropped",
			in: `[{"candidateNumber": 0, "score": 0.9},
				{"candidateNumber": 5, "score": 0.8},
				{"candidateNumber": 2, "score": 0.3}]`,
			candidateCount: 3,
			wantNumbers:    []int{2},
			wantScores:     []float64{0.3},
		},
		{
			name:           "fractional candidate number dropped",
			in:             `[{"candidateNumber": 1.5, "score": 0.9}, {"candidateNumber": 1, "score": 0.2}]`,
			candidateCount: 2,
			wantNumbers:    []int{1},
			wantScores:     []float64{0.2},
		},
		{
			name:           "non-numeric score dropped",
			in:             `[{"candidateNumber": 1, "score": "NaN"}, {"candidateNumber": 2, "score": 0.5}]`,
			candidateCount: 2,
			wantNumbers:    []int{2},
			wantScores:     []float64{0.5},
		},
		{
			name:           "score clamped to unit interval",
			in:             `[{"candidateNumber": 1, "score": 3.2}]`,
			candidateCount: 1,
			wantNumbers:    []int{1},
			wantScores:     []float64{1},
		},
		{
			name: "truncated to top three",
			in: `[{"candidateNumber": 1, "score": 0.1},
				{"candidateNumber": 2, "score": 0.9},
				{"candidateNumber": 3, "score": 0.5},
				{"candidateNumber": 4, "score": 0.7}]`,
			candidateCount: 4,
			wantNumbers:    []int{2, 4, 3},
			wantScores:     []float64{0.9, 0.7, 0.5},
		},
		{
			name:           "non-object entries skipped",
			in:             `[17, "x", {"candidateNumber": 1, "score": 0.6}]`,
			candidateCount: 1,
			wantNumbers:    []int{1},
			wantScores:     []float64{0.6},
		},
		{
			name:           "empty array is a valid empty result",
			in:             `[]`,
			candidateCount: 5,
			wantNumbers:    []int{},
		},
		{
			name:           "malformed json",
			in:             "nope",
			candidateCount: 2,
			wantErr:        true,
		},
		{
			name:           "object without matches key",
			in:             `{"results": []}`,
			candidateCount: 2,
			wantErr:        true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			matches, err := ParseMatches(tc.in, tc.candidateCount)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", matches)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(matches) != len(tc.wantNumbers) {
				t.Fatalf("got %d matches, want %d: %+v", len(matches), len(tc.wantNumbers), matches)
			}
			for i, m := range matches {
				if m.CandidateNumber != tc.wantNumbers[i] {
					t.Errorf("match %d: got candidate %d, want %d", i, m.CandidateNumber, tc.wantNumbers[i])
				}
				if i < len(tc.wantScores) && m.Score != tc.wantScores[i] {
					t.Errorf("match %d: got score %v, want %v", i, m.Score, tc.wantScores[i])
				}
			}
		})
	}
}
