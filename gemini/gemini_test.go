package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"case-triage-pipeline/llm"

	"github.com/jarcoal/httpmock"
)

func newTestClient() *Client {
	c := NewClient("test-key", "gemini-2.0-flash", 5*time.Second)
	httpmock.ActivateNonDefault(c.http)
	return c
}

func geminiTextResponse(text string) httpmock.Responder {
	return httpmock.NewJsonResponderOrPanic(200, map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]any{{"text": text}}}},
		},
	})
}

func TestScreenReturnsModelText(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	want := `{"animalType": "dog", "urgency": "low", "reason": "calm", "confidence": 0.9}`
	httpmock.RegisterResponder("POST",
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent",
		geminiTextResponse(want))

	got, err := c.Screen(context.Background(), []byte("image-bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("Screen failed: %v", err)
	}
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestScreenHTTPErrorIsModelCallError(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST",
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent",
		httpmock.NewStringResponder(429, `{"error": {"message": "quota exceeded"}}`))

	_, err := c.Screen(context.Background(), []byte("image-bytes"), "image/jpeg")
	if err == nil {
		t.Fatal("expected error")
	}
	var mcErr *llm.ModelCallError
	if !errors.As(err, &mcErr) {
		t.Fatalf("expected ModelCallError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error should carry the status code: %v", err)
	}
	if httpmock.GetTotalCallCount() != 1 {
		t.Errorf("expected exactly one call (no retry), got %d", httpmock.GetTotalCallCount())
	}
}

func TestScreenEmptyCandidates(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST",
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent",
		httpmock.NewStringResponder(200, `{"candidates": []}`))

	_, err := c.Screen(context.Background(), []byte("image-bytes"), "image/jpeg")
	if err == nil {
		t.Fatal("expected error for empty candidates")
	}
}

func TestMatchBatchLabelsCandidates(t *testing.T) {
	c := newTestClient()
	defer httpmock.DeactivateAndReset()

	var captured geminiRequest
	httpmock.RegisterResponder("POST",
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&captured); err != nil {
				t.Fatalf("failed to decode request: %v", err)
			}
			resp, _ := geminiTextResponse(`[]`)(req)
			return resp, nil
		})

	query := llm.Image{Data: []byte("query"), Mime: "image/png"}
	candidates := []llm.Image{
		{Data: []byte("c1"), Mime: "image/jpeg"},
		{Data: []byte("c2"), Mime: "image/webp"},
	}
	if _, err := c.MatchBatch(context.Background(), query, candidates); err != nil {
		t.Fatalf("MatchBatch failed: %v", err)
	}

	if len(captured.Contents) != 1 {
		t.Fatalf("expected one content block, got %d", len(captured.Contents))
	}
	parts := captured.Contents[0].Parts

	// Query label + query image + (label + image) per candidate.
	if len(parts) != 2+2*len(candidates) {
		t.Fatalf("got %d parts, want %d", len(parts), 2+2*len(candidates))
	}
	if parts[0].Text != "QUERY IMAGE:" {
		t.Errorf("got first label %q", parts[0].Text)
	}
	if parts[2].Text != "CANDIDATE 1:" || parts[4].Text != "CANDIDATE 2:" {
		t.Errorf("candidate labels wrong: %q, %q", parts[2].Text, parts[4].Text)
	}
	if parts[3].InlineData == nil || parts[3].InlineData.MimeType != "image/jpeg" {
		t.Error("candidate 1 image part malformed")
	}
}
