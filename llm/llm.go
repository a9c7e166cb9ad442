package llm

import (
	"context"
	"fmt"
)

// Image is one inline image payload sent to the model.
type Image struct {
	Data []byte
	Mime string
}

// Client abstracts the multimodal vision model used by the pipeline.
// Implementations must be concurrency-safe and must never retry internally;
// retry policy belongs to the caller.
type Client interface {
	// Screen sends one case photo and returns the raw screening JSON text.
	Screen(ctx context.Context, image []byte, mime string) (string, error)
	// MatchBatch sends a query image plus position-labeled candidate images
	// and returns the raw ranked-match JSON text.
	MatchBatch(ctx context.Context, query Image, candidates []Image) (string, error)
	// Caption returns a short plain-text caption draft for an image.
	Caption(ctx context.Context, image []byte, mime string) (string, error)
	// SourceName returns a short provider label persisted with results
	// (e.g., "Gemini", "Stub").
	SourceName() string
}

// maxDiagnosticLen bounds the diagnostic text carried by a ModelCallError so
// failure rows stay readable and bounded.
const maxDiagnosticLen = 500

// ModelCallError wraps any transport, HTTP, or empty-content failure of a
// model call. The model is an untrusted, fallible remote dependency; every
// failure mode collapses into this one error.
type ModelCallError struct {
	Msg string
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call failed: %s", e.Msg)
}

// CallFailed builds a ModelCallError with the diagnostic truncated.
func CallFailed(format string, args ...any) error {
	return &ModelCallError{Msg: Truncate(fmt.Sprintf(format, args...), maxDiagnosticLen)}
}

// Truncate bounds s to max bytes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}
