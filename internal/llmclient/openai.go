package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient implements Client against the OpenAI chat-completions
// endpoint in json_object response-format mode. No third-party SDK in
// the example pack wraps the OpenAI HTTP API, so this adapter is a
// thin hand-written REST client in the same style as gcpclient's
// generateContentREST (request struct, marshal, POST, decode).
type OpenAIClient struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
}

// NewOpenAIClient creates an OpenAIClient. model is the default used
// when an Options.Model override is not supplied.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		model:      model,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// CompleteJSON sends prompt (and opts.System, if set) to the chat
// completions endpoint with responseFormat "json_object" and returns
// the raw text payload. Fails Transient on timeout/rate-limit, Fatal
// on malformed responses.
func (c *OpenAIClient) CompleteJSON(ctx context.Context, prompt string, opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	var messages []chatMessage
	if opts.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	reqBody := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	reqBody.ResponseFormat.Type = "json_object"

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", classifyError("CompleteJSON.marshal", err, false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", classifyError("CompleteJSON.request", err, false)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		retryable := strings.Contains(err.Error(), "context deadline exceeded") ||
			strings.Contains(err.Error(), "timeout")
		return "", classifyError("CompleteJSON.call", err, retryable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyError("CompleteJSON.read", err, false)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return "", classifyError("CompleteJSON.status", fmt.Errorf("status %d: %s", resp.StatusCode, respBody), true)
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyError("CompleteJSON.status", fmt.Errorf("status %d: %s", resp.StatusCode, respBody), false)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", classifyError("CompleteJSON.decode", err, false)
	}
	if parsed.Error != nil {
		return "", classifyError("CompleteJSON.api", fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message), false)
	}
	if len(parsed.Choices) == 0 {
		return "", classifyError("CompleteJSON.empty", fmt.Errorf("no choices in response"), false)
	}

	return parsed.Choices[0].Message.Content, nil
}
