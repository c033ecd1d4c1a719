package provider_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"sparkfluence-backend/internal/provider"
)

func TestHasRateLimitSignature(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want bool
	}{
		{"explicit marker", "RATE_LIMIT: video generation rejected (status 429)", true},
		{"gemini marker", "GEMINI_RATE_LIMIT: try again later", true},
		{"traffic phrasing", "the model is experiencing high traffic, please retry", true},
		{"ordinary failure", "unsafe content rejected", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, provider.HasRateLimitSignature(tt.msg))
		})
	}
}

func TestIsRateLimit(t *testing.T) {
	assert.False(t, provider.IsRateLimit(nil))
	assert.True(t, provider.IsRateLimit(&provider.RateLimitError{Message: "throttled"}))
	assert.True(t, provider.IsRateLimit(fmt.Errorf("submit failed: %w", &provider.RateLimitError{Message: "throttled"})))
	assert.True(t, provider.IsRateLimit(errors.New("provider said RATE_LIMIT exceeded")))
	assert.False(t, provider.IsRateLimit(errors.New("connection refused")))
}

func TestSubmissionSynchronous(t *testing.T) {
	async := &provider.Submission{Ref: "gen-uuid-1"}
	assert.False(t, async.Synchronous())

	sync := &provider.Submission{ResultURL: "https://cdn/images/1.png"}
	assert.True(t, sync.Synchronous())
}
