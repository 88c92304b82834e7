// Package llmgw wraps the external LLM completion API (spec §1, "LLM
// completion APIs... consumed as black-box callable services"). Every route
// stage that needs NER, query decomposition, MAP claims, or synthesis goes
// through this client rather than calling the provider directly, so
// rate-limiting, retries, and timeouts are applied uniformly.
//
// Grounded on go-chat-service/main.go's processWithOllama (raw JSON POST to
// a completion endpoint, no SDK) generalised with the retry/backoff shape
// from embedding_service.go.
package llmgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/skeinframe/graphrag/internal/apperr"
	"github.com/skeinframe/graphrag/internal/ratelimit"
)

const providerLLM = "synthesis-llm"

// Client calls a single completion model endpoint. cmd/gateway and
// cmd/worker each build one Client and use it for every role (NER,
// decomposition, synthesis).
type Client struct {
	baseURL     string
	model       string
	httpClient  *http.Client
	limits      *ratelimit.Registry
	maxTries    int
}

// New builds a Client bound to baseURL/model.
func New(baseURL, model string, limits *ratelimit.Registry) *Client {
	return &Client{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limits:     limits,
		maxTries:   3,
	}
}

type completionRequest struct {
	Model       string  `json:"model"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

type completionResponse struct {
	Response string `json:"response"`
}

// Complete runs a single non-streaming completion and returns the raw text.
func (c *Client) Complete(ctx context.Context, system, prompt string, temperature float64) (string, error) {
	if err := c.limits.Wait(ctx, providerLLM); err != nil {
		return "", apperr.New(apperr.KindRateLimited, "llm_complete", "", fmt.Errorf("%w: %v", apperr.ErrRateLimited, err))
	}

	req := completionRequest{Model: c.model, System: system, Prompt: prompt, Temperature: temperature, Stream: false}
	var resp completionResponse
	if err := c.postWithRetry(ctx, "/api/generate", req, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

// CompleteJSON runs a completion instructed to return JSON matching out's
// shape, then decodes the result into out. Callers are responsible for
// phrasing prompt to demand JSON-only output (used for NER extraction and
// Route 3's MAP claim generation).
func (c *Client) CompleteJSON(ctx context.Context, system, prompt string, out any) error {
	text, err := c.Complete(ctx, system, prompt, 0.0)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), out); err != nil {
		return apperr.New(apperr.KindProviderError, "llm_complete_json", "malformed model output", fmt.Errorf("%w: %v", apperr.ErrProviderError, err))
	}
	return nil
}

// extractJSON trims leading/trailing prose some models emit around a JSON
// object or array even when instructed not to.
func extractJSON(text string) string {
	start := -1
	for i, r := range text {
		if r == '{' || r == '[' {
			start = i
			break
		}
	}
	if start == -1 {
		return text
	}
	open, close := text[start], byte(0)
	if open == '{' {
		close = '}'
	} else {
		close = ']'
	}
	end := -1
	for i := len(text) - 1; i >= start; i-- {
		if text[i] == close {
			end = i
			break
		}
	}
	if end == -1 {
		return text[start:]
	}
	return text[start : end+1]
}

func (c *Client) postWithRetry(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxTries; attempt++ {
		if err := c.post(ctx, path, payload, out); err != nil {
			lastErr = err
			if attempt < c.maxTries-1 {
				delay := time.Duration(1<<attempt) * 500 * time.Millisecond
				select {
				case <-ctx.Done():
					return apperr.New(apperr.KindCancelled, "llmgw", "", fmt.Errorf("%w: %v", apperr.ErrCancelled, ctx.Err()))
				case <-time.After(delay):
					continue
				}
			}
			continue
		}
		return nil
	}
	return apperr.New(apperr.KindProviderError, "llmgw", path, fmt.Errorf("%w: %v", apperr.ErrProviderError, lastErr))
}

func (c *Client) post(ctx context.Context, path string, payload []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("provider status %d: %s", resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
