package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"sparkfluence-backend/internal/models"
	"sparkfluence-backend/internal/provider"
)

// Client drives the synchronous image API: one submit call returns the
// finished image, so these jobs are never polled.
type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	limiter        *rate.Limiter
	submitInterval time.Duration
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

func WithSubmitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.submitInterval = d
	}
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		limiter:        rate.NewLimiter(rate.Limit(1), 1),
		submitInterval: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SubmitInterval() time.Duration {
	return c.submitInterval
}

type generateRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	Style       string `json:"style,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type generateResponse struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
	Detail string `json:"detail"`
}

func (c *Client) Submit(ctx context.Context, item models.WorkItem, settings models.GenerationSettings) (*provider.Submission, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	prompt := item.VisualDescription
	if prompt == "" {
		prompt = item.ScriptText
	}

	model := settings.Model
	if model == "" {
		model = "gpt-image-1"
	}
	style := settings.Style
	if style == "" {
		style = "cinematic"
	}

	jsonData, err := json.Marshal(generateRequest{
		Prompt:      prompt,
		Model:       model,
		Style:       style,
		AspectRatio: settings.AspectRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/image-gen", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || provider.HasRateLimitSignature(string(respBody)) {
		return nil, &provider.RateLimitError{
			Message: fmt.Sprintf("RATE_LIMIT: image generation rejected (status %d)", resp.StatusCode),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to generate image: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var result generateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if len(result.Images) == 0 || result.Images[0].URL == "" {
		return nil, fmt.Errorf("no image url in response, body: %s", string(respBody))
	}

	return &provider.Submission{ResultURL: result.Images[0].URL}, nil
}

// Poll is never reached for this provider; submissions complete
// synchronously.
func (c *Client) Poll(ctx context.Context, externalRef string) (*provider.PollResult, error) {
	return nil, fmt.Errorf("image provider does not support polling")
}
