package llmclient

import (
	"context"
	"errors"

	"github.com/connexus-ai/uia-backend/internal/gcpclient"
)

// VertexClient adapts gcpclient.GenAIAdapter (Vertex AI Gemini) to the
// C1 Client contract. Kept as an alternate backend alongside
// OpenAIClient per the DOMAIN STACK wiring of cloud.google.com/go/vertexai.
type VertexClient struct {
	adapter *gcpclient.GenAIAdapter
}

// NewVertexClient wraps an already-constructed GenAIAdapter.
func NewVertexClient(adapter *gcpclient.GenAIAdapter) *VertexClient {
	return &VertexClient{adapter: adapter}
}

// CompleteJSON delegates to the adapter's GenerateJSONContent, which
// requests the model's JSON-object response mode on both the SDK and
// REST code paths. The adapter applies its own transport-level
// retry/backoff for 429s beneath this call (see gcpclient.withRetry) —
// unlike OpenAIClient, which performs no retries of its own, Vertex-backed
// C1 calls are not purely "no retries at this layer". The adapter makes
// one initial call plus up to 3 retries; a rate limit that outlasts them
// (gcpclient.ErrRateLimited) and a deadline timeout are reported
// Transient, any other failure Fatal.
func (v *VertexClient) CompleteJSON(ctx context.Context, prompt string, opts Options) (string, error) {
	out, err := v.adapter.GenerateJSONContent(ctx, opts.System, prompt)
	if err != nil {
		retryable := errors.Is(err, gcpclient.ErrRateLimited) || errors.Is(err, context.DeadlineExceeded)
		return "", classifyError("CompleteJSON.vertex", err, retryable)
	}
	return out, nil
}
