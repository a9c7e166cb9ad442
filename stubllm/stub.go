package stubllm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"case-triage-pipeline/llm"
)

// Client is a deterministic, no-network model stub intended for CI and local
// end-to-end runs. It returns schema-valid JSON so downstream validation and
// fan-out writes exercise the full pipeline.
type Client struct{}

func NewClient() *Client { return &Client{} }

func (c *Client) SourceName() string { return "Stub" }

func (c *Client) Screen(ctx context.Context, image []byte, mime string) (string, error) {
	// Deterministic per-input so the pipeline is stable in CI.
	sum := sha256.Sum256(image)
	short := hex.EncodeToString(sum[:4])

	out := map[string]any{
		"animalType":        "dog",
		"visibleIndicators": []string{"alert posture", fmt.Sprintf("stub marker %s", short)},
		"urgency":           "low",
		"reason":            "Animal appears calm and alert in the stubbed screening.",
		"confidence":        0.9,
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Client) MatchBatch(ctx context.Context, query llm.Image, candidates []llm.Image) (string, error) {
	// Rank the first up-to-3 candidates with descending scores.
	matches := make([]map[string]any, 0, 3)
	for i := range candidates {
		if i == 3 {
			break
		}
		matches = append(matches, map[string]any{
			"candidateNumber": i + 1,
			"score":           0.9 - 0.2*float64(i),
			"reason":          "Stubbed visual similarity.",
		})
	}
	b, err := json.Marshal(matches)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Client) Caption(ctx context.Context, image []byte, mime string) (string, error) {
	sum := sha256.Sum256(image)
	return fmt.Sprintf("A reported animal (stub %s)", hex.EncodeToString(sum[:2])), nil
}
