package models

import "time"

type JobResponse struct {
	ID                string    `json:"job_id"`
	ItemID            string    `json:"item_id"`
	ItemPosition      int       `json:"item_position"`
	Status            string    `json:"status"`
	ExternalReference string    `json:"external_reference,omitempty"`
	ResultURL         string    `json:"result_url,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (j *GenerationJob) ToResponse() JobResponse {
	return JobResponse{
		ID:                j.ID.String(),
		ItemID:            j.ItemID,
		ItemPosition:      j.ItemPosition,
		Status:            j.Status.String(),
		ExternalReference: j.ExternalReference.String,
		ResultURL:         j.ResultURL.String,
		ErrorMessage:      j.ErrorMessage.String,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

type CreateSessionResponse struct {
	SessionID string        `json:"session_id"`
	Created   int           `json:"created"`
	Jobs      []JobResponse `json:"jobs"`
}

type SessionStatusResponse struct {
	SessionID        string         `json:"session_id"`
	Summary          SessionSummary `json:"summary"`
	AllComplete      bool           `json:"all_complete"`
	BackgroundActive bool           `json:"background_active"`
	RateLimited      bool           `json:"rate_limited"`
	CooldownSeconds  int            `json:"cooldown_seconds,omitempty"`
	Jobs             []JobResponse  `json:"jobs"`
}

type ResumeResponse struct {
	SessionID string         `json:"session_id"`
	Items     []WorkItem     `json:"items"`
	Summary   SessionSummary `json:"summary"`
}

type PreviewItem struct {
	Position int    `json:"position"`
	Prompt   string `json:"prompt"`
}

type PreviewResponse struct {
	SessionID string        `json:"session_id,omitempty"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Items     []PreviewItem `json:"items"`
}

type RetryResponse struct {
	SessionID string `json:"session_id"`
	Reset     int    `json:"reset"`
}

type LastActiveResponse struct {
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

type NotificationResponse struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data"`
	Read      bool                   `json:"read"`
	CreatedAt time.Time              `json:"created_at"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
