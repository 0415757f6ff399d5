// Package llm provides a provider-agnostic LLM client with retry and
// endpoint fallback support.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Endpoint describes one model endpoint in the fallback chain.
type Endpoint struct {
	// Provider names a registered Provider implementation.
	Provider string

	// URL is the endpoint base URL; empty uses the provider default.
	URL string

	// Model is the model identifier sent to the endpoint.
	Model string

	// MaxTokens is the endpoint's context budget; 0 means unspecified.
	MaxTokens int
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request defines a completion request.
type Request struct {
	// Messages is the chat history to send.
	Messages []Message

	// Temperature controls randomness. nil uses the endpoint default.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int
}

// TokenUsage holds token consumption details for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the completion result.
type Response struct {
	// RequestID uniquely identifies this call for log correlation.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the model that actually served the request.
	Model string

	// Usage contains token consumption metrics, when the endpoint reports
	// them.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Client walks an endpoint fallback chain with per-endpoint retry.
type Client struct {
	chain       []Endpoint
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) { client.retryConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = logger }
}

// NewClient creates a client over the given endpoint chain. Endpoints are
// tried in order until one succeeds.
func NewClient(chain []Endpoint, opts ...ClientOption) (*Client, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}
	for i, ep := range chain {
		if ep.Provider == "" {
			return nil, fmt.Errorf("endpoint %d has no provider", i)
		}
		if ep.Model == "" {
			return nil, fmt.Errorf("endpoint %d has no model", i)
		}
	}

	c := &Client{
		chain:       chain,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for long completions
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fingerprint identifies the endpoint chain for summary cache keys: a
// different provider, URL, or model produces a different fingerprint, so
// cached summaries never cross model configurations.
func (c *Client) Fingerprint() string {
	var b strings.Builder
	for _, ep := range c.chain {
		fmt.Fprintf(&b, "%s|%s|%s\n", ep.Provider, ep.URL, ep.Model)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Complete sends a completion request, handling retry and fallback.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	requestID := uuid.New().String()

	var lastErr error
	for _, ep := range c.chain {
		resp, err := c.tryEndpointWithRetry(ctx, ep, req)
		if err == nil {
			resp.RequestID = requestID
			return resp, nil
		}
		lastErr = err

		c.logger.Warn("endpoint failed, trying fallback",
			"provider", ep.Provider,
			"model", ep.Model,
			"error", err)

		if IsFatal(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("all endpoints failed: %w", lastErr)
}

// CompleteStream behaves like Complete but hands each text delta to emit as
// it arrives. Endpoints whose provider does not support streaming emit the
// whole completion as one fragment. The returned Response holds the fully
// assembled text.
func (c *Client) CompleteStream(ctx context.Context, req Request, emit func(delta string)) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}
	if emit == nil {
		return c.Complete(ctx, req)
	}

	requestID := uuid.New().String()

	var lastErr error
	for _, ep := range c.chain {
		provider := GetProvider(ep.Provider)
		streaming, ok := provider.(StreamingProvider)
		if !ok {
			resp, err := c.tryEndpointWithRetry(ctx, ep, req)
			if err == nil {
				emit(resp.Content)
				resp.RequestID = requestID
				return resp, nil
			}
			lastErr = err
			if IsFatal(err) {
				return nil, err
			}
			continue
		}

		resp, err := c.tryStreamWithRetry(ctx, ep, streaming, req, emit)
		if err == nil {
			resp.RequestID = requestID
			return resp, nil
		}
		lastErr = err

		c.logger.Warn("streaming endpoint failed, trying fallback",
			"provider", ep.Provider,
			"model", ep.Model,
			"error", err)

		if IsFatal(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("all endpoints failed: %w", lastErr)
}

func (c *Client) tryEndpointWithRetry(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if IsFatal(err) {
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, lastErr
}

// tryStreamWithRetry retries only until the first delta is emitted; a
// failure mid-stream is surfaced directly because fragments have already
// reached the caller.
func (c *Client) tryStreamWithRetry(ctx context.Context, ep Endpoint, provider StreamingProvider, req Request, emit func(string)) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		emitted := false
		resp, err := c.doStreamRequest(ctx, ep, provider, req, func(delta string) {
			emitted = true
			emit(delta)
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if emitted || IsFatal(err) {
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, lastErr
}

// calculateBackoff computes exponential backoff with jitter so concurrent
// retries do not synchronize.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

func (c *Client) doRequest(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	httpResp, err := c.send(ctx, provider, ep, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return provider.ParseResponse(respBody, ep.Model)
}

func (c *Client) doStreamRequest(ctx context.Context, ep Endpoint, provider StreamingProvider, req Request, emit func(string)) (*Response, error) {
	body, err := provider.BuildStreamRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build stream request body: %w", err))
	}

	httpResp, err := c.send(ctx, provider, ep, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	var content strings.Builder
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		delta, done, err := provider.ParseStreamEvent([]byte(data))
		if err != nil {
			return nil, NewTransientError(fmt.Errorf("parse stream event: %w", err))
		}
		if delta != "" {
			content.WriteString(delta)
			emit(delta)
		}
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewTransientError(fmt.Errorf("read stream: %w", err))
	}

	return &Response{
		Content:      content.String(),
		Model:        ep.Model,
		FinishReason: "stop",
	}, nil
}

func (c *Client) send(ctx context.Context, provider Provider, ep Endpoint, body []byte) (*http.Response, error) {
	url := provider.BuildURL(ep.URL)

	c.logger.Debug("sending request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	return httpResp, nil
}

// classifyHTTPError determines whether an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}
