package geminigen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"sparkfluence-backend/internal/models"
	"sparkfluence-backend/internal/provider"
)

// Client drives the GeminiGen video API: an async submit that returns a
// generation uuid, and a history endpoint polled for the outcome.
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

// WithRateLimit caps outbound requests per second across submits and polls.
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
			Timeout: 30 * time.Second,
		},
		limiter:        rate.NewLimiter(rate.Limit(2), 1),
		submitInterval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SubmitInterval() time.Duration {
	return c.submitInterval
}

type submitResponse struct {
	UUID   string `json:"uuid"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

type historyResponse struct {
	UUID           string `json:"uuid"`
	Status         int    `json:"status"` // 1=processing 2=completed 3=failed
	StatusDesc     string `json:"status_desc"`
	ErrorMessage   string `json:"error_message"`
	GeneratedVideo []struct {
		FileDownloadURL string `json:"file_download_url"`
	} `json:"generated_video"`
}

// Submit posts one item to the video-gen endpoint for the configured
// provider (veo or sora) and returns the generation uuid to poll.
func (c *Client) Submit(ctx context.Context, item models.WorkItem, settings models.GenerationSettings) (*provider.Submission, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	prompt := item.VisualDescription
	if prompt == "" {
		prompt = item.ScriptText
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	writer.WriteField("prompt", prompt)
	if settings.Model != "" {
		writer.WriteField("model", settings.Model)
	}
	if settings.Resolution != "" {
		writer.WriteField("resolution", settings.Resolution)
	}
	if settings.AspectRatio != "" {
		writer.WriteField("aspect_ratio", settings.AspectRatio)
	}
	if item.SourceImage != "" {
		writer.WriteField("ref_images", item.SourceImage)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}

	endpoint := settings.Provider
	if endpoint == "" {
		endpoint = "veo"
	}
	url := c.baseURL + "/video-gen/" + endpoint

	req, err := http.NewRequestWithContext(ctx, "POST", url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

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
			Message: fmt.Sprintf("RATE_LIMIT: video generation rejected (status %d): %s", resp.StatusCode, truncate(string(respBody), 200)),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to submit generation: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var result submitResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.UUID == "" {
		return nil, fmt.Errorf("uuid is empty in response, body: %s", string(respBody))
	}

	return &provider.Submission{Ref: result.UUID}, nil
}

// Poll reads the history record for a generation uuid.
func (c *Client) Poll(ctx context.Context, externalRef string) (*provider.PollResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := c.baseURL + "/history/" + externalRef
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to get history: status %d, body: %s", resp.StatusCode, string(body))
	}

	var result historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	switch result.Status {
	case 2:
		if len(result.GeneratedVideo) == 0 || result.GeneratedVideo[0].FileDownloadURL == "" {
			return &provider.PollResult{
				State:   provider.PollFailed,
				Message: "generation completed but no download url returned",
			}, nil
		}
		return &provider.PollResult{
			State:     provider.PollCompleted,
			ResultURL: result.GeneratedVideo[0].FileDownloadURL,
		}, nil
	case 3:
		msg := result.ErrorMessage
		if msg == "" {
			msg = result.StatusDesc
		}
		if msg == "" {
			msg = "video generation failed"
		}
		return &provider.PollResult{State: provider.PollFailed, Message: msg}, nil
	default:
		return &provider.PollResult{State: provider.PollPending}, nil
	}
}

// DownloadResult fetches the finished asset from the provider's expiring
// download link.
func (c *Client) DownloadResult(ctx context.Context, downloadURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to download file: status %d, body: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return data, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
