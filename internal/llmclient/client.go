// Package llmclient implements C1, the text-in/JSON-out LLM contract
// every higher stage (C6, C7, C9, C10) builds on. It exposes a single
// operation, CompleteJSON. OpenAIClient performs no retries of its own —
// callers that want retry/backoff wrap the client. VertexClient is the
// exception: it delegates to gcpclient.GenAIAdapter, which applies its
// own transport-level 429 backoff (gcpclient.withRetry) beneath
// CompleteJSON, so Vertex-backed C1 calls retry underneath this layer
// even though the contract above it does not.
package llmclient

import (
	"context"

	"github.com/connexus-ai/uia-backend/internal/apperr"
)

// Options configures a single completion call.
type Options struct {
	Temperature float64
	MaxTokens   int
	System      string
	Model       string
}

// Client is the C1 contract: request a JSON-object response mode and
// return the raw string the model emitted.
type Client interface {
	CompleteJSON(ctx context.Context, prompt string, opts Options) (string, error)
}

// classifyError maps a transport failure into the spec's Transient/Fatal
// error kinds. Timeouts and rate limits are Transient; anything else
// from the wire is Fatal.
func classifyError(op string, err error, retryable bool) error {
	if retryable {
		return apperr.Transient("llmclient."+op, err)
	}
	return apperr.Fatal("llmclient."+op, err)
}
