package supabase

import (
	"fmt"

	"github.com/supabase-community/supabase-go"
	"sparkfluence-backend/internal/models"
)

type RealtimeClient struct {
	client *supabase.Client
}

func NewRealtimeClient(client *supabase.Client) *RealtimeClient {
	return &RealtimeClient{
		client: client,
	}
}

func (r *RealtimeClient) PublishEvent(channel string, event string, payload map[string]interface{}) error {
	// The Go client has no direct Realtime publish; row updates on
	// generation_jobs already trigger Realtime on subscribed channels.
	// Explicit publishing would go through the Realtime REST API here.
	return nil
}

func (r *RealtimeClient) PublishSessionEvent(sessionID string, event string, payload map[string]interface{}) error {
	channel := fmt.Sprintf("session:%s", sessionID)
	return r.PublishEvent(channel, event, payload)
}

// Event payloads
func ProgressPayload(sessionID string, summary models.SessionSummary) map[string]interface{} {
	return map[string]interface{}{
		"session_id": sessionID,
		"completed":  summary.Completed,
		"failed":     summary.Failed,
		"total":      summary.Total,
	}
}

func SubmittedPayload(sessionID string, position int, externalRef string) map[string]interface{} {
	return map[string]interface{}{
		"session_id":         sessionID,
		"item_position":      position,
		"external_reference": externalRef,
		"status":             "processing",
	}
}

func RateLimitPayload(sessionID string, message string) map[string]interface{} {
	return map[string]interface{}{
		"session_id": sessionID,
		"status":     "rate_limited",
		"message":    message,
	}
}

func BatchCompletePayload(sessionID string, summary models.SessionSummary) map[string]interface{} {
	return map[string]interface{}{
		"session_id": sessionID,
		"completed":  summary.Completed,
		"failed":     summary.Failed,
		"total":      summary.Total,
		"status":     "complete",
	}
}
