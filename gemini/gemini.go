package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"case-triage-pipeline/llm"
)

const screenPromptSystem = `
You are **PawTrace Screener**, a vision assistant for a citizen animal-welfare
reporting service. You look at one photo of a reported animal and produce a
coarse, NON-DIAGNOSTIC welfare screening.

RULES:
* You are NOT a veterinarian. Never state or imply a medical diagnosis,
  disease name, treatment, or prognosis. Describe only what is visible.
* Output a single valid JSON object and nothing else. No markdown fences.
* "animalType" must be exactly one of: "cat", "dog", "other", "unknown".
* "urgency" must be exactly one of: "high", "medium", "low". Pick "high" only
  for visible acute distress (injury, entrapment, collapse), "low" for a calm
  healthy-looking animal.
* "visibleIndicators" is a list of at most 10 short observable facts
  ("limping gait", "visible ribs", "alert posture").
* "reason" is 1-2 plain sentences explaining the urgency pick.
* "confidence" is a number between 0.0 and 1.0.

OUTPUT SCHEMA:
{
  "animalType": "<cat | dog | other | unknown>",
  "visibleIndicators": ["<fact 1>", "<fact 2>"],
  "urgency": "<high | medium | low>",
  "reason": "<1-2 sentences>",
  "confidence": <0.0-1.0>,
  "disclaimer": "<optional>"
}
`

const matchPromptSystem = `
You are **PawTrace Matcher**. The first image is a QUERY photo of a lost pet.
Every following image is a CANDIDATE, labeled "CANDIDATE n". Compare the query
animal against each candidate on breed, coat color and pattern, size, and any
distinctive markings.

RULES:
* Output a single valid JSON array and nothing else. No markdown fences.
* Include at most 3 entries, only candidates that plausibly show the SAME
  individual animal.
* "candidateNumber" is the label number of the candidate image.
* "score" is a number between 0.0 (no match) and 1.0 (certain match).
* Never make medical or diagnostic claims.

OUTPUT SCHEMA:
[
  {"candidateNumber": <n>, "score": <0.0-1.0>, "reason": "<1 sentence>"}
]
`

const captionPromptSystem = `
You write one short caption (at most 15 words) describing the animal visible
in the photo for a citizen report form. Plain text only, no quotes, no medical
or diagnostic claims.
`

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *systemInstruction `json:"system_instruction,omitempty"`
	Contents          []content          `json:"contents"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client is a stateless adapter for the Gemini generateContent endpoint.
// It performs exactly one HTTP call per operation and never retries.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// NewClient creates a Gemini client. timeout bounds every call end to end so
// a hung model call cannot tie up a claimed case indefinitely.
func NewClient(apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) SourceName() string {
	return "Gemini"
}

// SetBaseURL overrides the API base URL. Used by tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

func imagePart(data []byte, mime string) part {
	if mime == "" {
		mime = "image/jpeg"
	}
	return part{
		InlineData: &inlineData{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		},
	}
}

// Screen sends one case photo for welfare screening and returns the raw
// JSON text produced by the model.
func (c *Client) Screen(ctx context.Context, image []byte, mime string) (string, error) {
	reqBody := geminiRequest{
		SystemInstruction: &systemInstruction{Parts: []part{{Text: screenPromptSystem}}},
		Contents: []content{
			{Role: "user", Parts: []part{imagePart(image, mime)}},
		},
		GenerationConfig: generationConfig{
			ResponseMimeType: "application/json",
			Temperature:      0.2,
			MaxOutputTokens:  800,
		},
	}
	return c.generateContent(ctx, reqBody)
}

// MatchBatch sends the query image plus all candidates in one call,
// labeling each candidate by its 1-based position.
func (c *Client) MatchBatch(ctx context.Context, query llm.Image, candidates []llm.Image) (string, error) {
	parts := []part{
		{Text: "QUERY IMAGE:"},
		imagePart(query.Data, query.Mime),
	}
	for i, candidate := range candidates {
		parts = append(parts, part{Text: fmt.Sprintf("CANDIDATE %d:", i+1)})
		parts = append(parts, imagePart(candidate.Data, candidate.Mime))
	}

	reqBody := geminiRequest{
		SystemInstruction: &systemInstruction{Parts: []part{{Text: matchPromptSystem}}},
		Contents: []content{
			{Role: "user", Parts: parts},
		},
		GenerationConfig: generationConfig{
			ResponseMimeType: "application/json",
			Temperature:      0.2,
			MaxOutputTokens:  800,
		},
	}
	return c.generateContent(ctx, reqBody)
}

// Caption returns a short plain-text caption draft for the image.
func (c *Client) Caption(ctx context.Context, image []byte, mime string) (string, error) {
	reqBody := geminiRequest{
		SystemInstruction: &systemInstruction{Parts: []part{{Text: captionPromptSystem}}},
		Contents: []content{
			{Role: "user", Parts: []part{imagePart(image, mime)}},
		},
		GenerationConfig: generationConfig{
			Temperature: 0.4,
			// Captions are a single short sentence.
			MaxOutputTokens: 60,
		},
	}
	return c.generateContent(ctx, reqBody)
}

func (c *Client) generateContent(ctx context.Context, body geminiRequest) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return "", llm.CallFailed("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", llm.CallFailed("request failed: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", llm.CallFailed("failed to read response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", llm.CallFailed("API error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var gr geminiResponse
	if err := json.Unmarshal(bodyBytes, &gr); err != nil {
		return "", llm.CallFailed("failed to parse response: %v", err)
	}
	if gr.Error != nil {
		return "", llm.CallFailed("API error: %s", gr.Error.Message)
	}
	if len(gr.Candidates) == 0 {
		return "", llm.CallFailed("no candidates in response")
	}
	for _, p := range gr.Candidates[0].Content.Parts {
		if p.Text != "" {
			return p.Text, nil
		}
	}
	return "", llm.CallFailed("no text part in response")
}
