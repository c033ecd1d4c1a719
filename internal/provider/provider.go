package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"sparkfluence-backend/internal/models"
)

// Submission is a provider's answer to a submit call. Async providers return
// a Ref to poll later; synchronous providers return the finished ResultURL
// directly and are never polled.
type Submission struct {
	Ref       string
	ResultURL string
}

func (s *Submission) Synchronous() bool {
	return s.Ref == ""
}

type PollState int

const (
	PollPending PollState = iota
	PollCompleted
	PollFailed
)

type PollResult struct {
	State     PollState
	ResultURL string
	Message   string
}

// Generator is the external AI generation service as the orchestrator sees
// it: submit one item, poll one handle.
type Generator interface {
	Submit(ctx context.Context, item models.WorkItem, settings models.GenerationSettings) (*Submission, error)
	Poll(ctx context.Context, externalRef string) (*PollResult, error)
	SubmitInterval() time.Duration
}

// Downloader is implemented by providers whose finished assets live on
// expiring URLs and must be re-hosted.
type Downloader interface {
	DownloadResult(ctx context.Context, url string) ([]byte, error)
}

// RateLimitError is a submit rejection caused by provider throttling. It
// halts the whole batch, unlike ordinary per-item failures.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return e.Message
}

var rateLimitSignatures = []string{"RATE_LIMIT", "GEMINI_RATE_LIMIT", "high traffic"}

// HasRateLimitSignature reports whether an error message matches a known
// provider throttling pattern. Rows failed with such a message trip the
// sentinel even after the fact, e.g. on session resume.
func HasRateLimitSignature(msg string) bool {
	for _, sig := range rateLimitSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	return HasRateLimitSignature(err.Error())
}
