// Package llm talks to an OpenAI-compatible chat-completion endpoint: the
// one-shot classification gates and the streaming completions.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/moodchat/internal/domain"
	"github.com/ashureev/moodchat/internal/metrics"
)

var (
	// ErrStatus is returned when the endpoint answers with a non-2xx status.
	ErrStatus = errors.New("unexpected status from completion endpoint")
	// ErrEmptyChoices is returned when a response carries no choices.
	ErrEmptyChoices = errors.New("completion response has no choices")
)

// KeySource supplies the completion API key and the shared-key flag.
type KeySource interface {
	CompletionKey() string
	Degraded() bool
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	Model          string
	RequestTimeout time.Duration
	StreamTimeout  time.Duration
	Keys           KeySource
	Pacer          *Pacer
	Prompts        Prompts
	HTTPClient     *http.Client
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Client issues chat-completion requests.
type Client struct {
	http           *http.Client
	baseURL        string
	model          string
	requestTimeout time.Duration
	streamTimeout  time.Duration
	keys           KeySource
	pacer          *Pacer
	prompts        Prompts
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prompts := opts.Prompts
	if prompts.isZero() {
		prompts = DefaultPrompts()
	}
	return &Client{
		http:           httpClient,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		model:          opts.Model,
		requestTimeout: opts.RequestTimeout,
		streamTimeout:  opts.StreamTimeout,
		keys:           opts.Keys,
		pacer:          opts.Pacer,
		prompts:        prompts,
		metrics:        opts.Metrics,
		logger:         logger,
	}
}

type completionRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete performs a non-streaming completion and returns the trimmed text
// of the first choice.
func (c *Client) Complete(ctx context.Context, messages []domain.Message, temperature float64, maxTokens int) (string, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	resp, err := c.post(ctx, completionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyChoices
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// post sends body to the completions endpoint and returns the response when
// the status is 2xx. The caller closes the body.
func (c *Client) post(ctx context.Context, body completionRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.keys != nil {
		req.Header.Set("Authorization", "Bearer "+c.keys.CompletionKey())
	}
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %d %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}
