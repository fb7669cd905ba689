// Package speech transcribes audio through a remote recognition service
// that authenticates with a client-credentials token.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/moodchat/internal/domain"
	"github.com/ashureev/moodchat/internal/metrics"
)

var (
	// ErrRecognition is returned when the service rejects the audio or
	// answers with a non-zero error code.
	ErrRecognition = errors.New("speech recognition failed")
	// ErrToken is returned when no access token could be obtained.
	ErrToken = errors.New("speech token request failed")
)

// tokenSlack renews a cached token this long before it expires.
const tokenSlack = time.Minute

// KeySource supplies the current credential set.
type KeySource interface {
	Current() domain.CredentialSet
}

// Options configures a Client.
type Options struct {
	TokenURL       string
	ASRURL         string
	ModelID        int
	ClientID       string
	RequestTimeout time.Duration
	Keys           KeySource
	HTTPClient     *http.Client
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// RecognitionError carries the service's error code and message.
type RecognitionError struct {
	Code    int
	Message string
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("speech recognition error %d: %s", e.Code, e.Message)
}

// Unwrap makes RecognitionError match ErrRecognition.
func (e *RecognitionError) Unwrap() error {
	return ErrRecognition
}

// Client calls the token and recognition endpoints.
type Client struct {
	opts   Options
	http   *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	token    string
	tokenFor string
	expires  time.Time
}

// New creates a Client.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, http: httpClient, logger: logger}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Token returns a cached access token, fetching a new one when the cache is
// empty, near expiry, or was issued for different keys.
func (c *Client) Token(ctx context.Context) (string, error) {
	creds := c.opts.Keys.Current()
	cacheKey := creds.SpeechKey + ":" + creds.SpeechSecret

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.tokenFor == cacheKey && time.Now().Before(c.expires) {
		return c.token, nil
	}

	q := url.Values{}
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", creds.SpeechKey)
	q.Set("client_secret", creds.SpeechSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.TokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrToken, err)
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrToken, err)
	}
	if resp.StatusCode != http.StatusOK || body.AccessToken == "" {
		return "", fmt.Errorf("%w: status %d: %s %s", ErrToken, resp.StatusCode, body.Error, body.ErrorDescription)
	}

	c.token = body.AccessToken
	c.tokenFor = cacheKey
	c.expires = time.Now().Add(time.Duration(body.ExpiresIn)*time.Second - tokenSlack)
	return c.token, nil
}

type recognitionResponse struct {
	ErrNo  int      `json:"err_no"`
	ErrMsg string   `json:"err_msg"`
	Result []string `json:"result"`
}

// Recognize transcribes raw 16 kHz mono signed 16-bit little-endian PCM.
func (c *Client) Recognize(ctx context.Context, pcm []byte) (string, error) {
	text, err := c.recognize(ctx, pcm)
	if err != nil {
		c.opts.Metrics.ObserveTranscription("error")
		c.logger.Warn("Speech recognition failed", "bytes", len(pcm), "error", err)
		return "", err
	}
	c.opts.Metrics.ObserveTranscription("ok")
	return text, nil
}

func (c *Client) recognize(ctx context.Context, pcm []byte) (string, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("dev_pid", strconv.Itoa(c.opts.ModelID))
	q.Set("cuid", c.opts.ClientID)
	q.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.ASRURL+"?"+q.Encode(), bytes.NewReader(pcm))
	if err != nil {
		return "", fmt.Errorf("create recognition request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/pcm;rate="+strconv.Itoa(SampleRate))
	req.ContentLength = int64(len(pcm))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("recognition request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &RecognitionError{Code: resp.StatusCode, Message: strings.TrimSpace(string(snippet))}
	}

	var body recognitionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode recognition response: %w", err)
	}
	if body.ErrNo != 0 {
		return "", &RecognitionError{Code: body.ErrNo, Message: body.ErrMsg}
	}
	if len(body.Result) == 0 {
		return "", nil
	}
	return body.Result[0], nil
}

// TranscribeWAV converts a WAV stream to the service format and recognizes it.
func (c *Client) TranscribeWAV(ctx context.Context, r io.ReadSeeker) (string, error) {
	pcm, err := DecodeWAV(r)
	if err != nil {
		c.opts.Metrics.ObserveTranscription("error")
		return "", err
	}
	return c.Recognize(ctx, pcm)
}
