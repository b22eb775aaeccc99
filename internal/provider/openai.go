package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OpenAI calls any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAI builds a client for an OpenAI-compatible API at baseURL.
func NewOpenAI(name, baseURL, apiKey string, client *http.Client) *OpenAI {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAI{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

func (o *OpenAI) Name() string { return o.name }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenAI) Invoke(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(openAIRequest{
		Model:       req.Model,
		Messages:    []openAIMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fatal(o.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fatal(o.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		// transport failures and context deadlines are worth retrying
		return nil, retryable(o.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, retryable(o.name, err)
	}
	if err := classifyStatus(o.name, resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var out openAIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, retryable(o.name, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return nil, retryable(o.name, fmt.Errorf("response has no choices"))
	}
	return &Result{
		Provider: o.name,
		Model:    req.Model,
		Text:     out.Choices[0].Message.Content,
	}, nil
}

// classifyStatus maps an HTTP status to an error kind: 429 and 5xx are
// retryable, any other non-2xx is fatal.
func classifyStatus(name string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := fmt.Errorf("status %d: %s", status, truncate(body, 256))
	if status == http.StatusTooManyRequests || status >= 500 {
		return retryable(name, err)
	}
	return fatal(name, err)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
