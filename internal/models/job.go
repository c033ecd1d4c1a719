package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Job status values are stored as integers and must stay stable: existing
// rows created by earlier deployments depend on them.
type JobStatus int

const (
	JobPending    JobStatus = 0
	JobProcessing JobStatus = 1
	JobCompleted  JobStatus = 2
	JobFailed     JobStatus = 3
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobProcessing:
		return "processing"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// GenerationJob is one durable row per (session_id, item_position). It is the
// single source of truth for an item's generation status.
type GenerationJob struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	SessionID         string
	ItemID            string
	ItemPosition      int
	MediaType         string
	Provider          string
	Prompt            string
	Status            JobStatus
	ExternalReference sql.NullString
	ResultURL         sql.NullString
	ErrorMessage      sql.NullString
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorkItem is the in-memory unit of work supplied by the upstream stage. The
// shadow fields mirror the matching job row; a WorkItem exists before any job
// and survives a failed one.
type WorkItem struct {
	ID                string  `json:"id"`
	Position          int     `json:"position"`
	ScriptText        string  `json:"script_text"`
	VisualDescription string  `json:"visual_description"`
	Duration          float64 `json:"duration,omitempty"`
	SourceImage       string  `json:"source_image,omitempty"`

	// Shadow of the matching generation job, if one exists.
	JobID        string `json:"job_id,omitempty"`
	HasJob       bool   `json:"has_job"`
	Status       string `json:"status"`
	ResultURL    string `json:"result_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// GenerationSettings are the batch-level parameters applied to every item in
// a session.
type GenerationSettings struct {
	MediaType   string `json:"media_type"`
	Provider    string `json:"provider"`
	Model       string `json:"model,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Style       string `json:"style,omitempty"`
}

// SessionSummary is the progress tuple recomputed on every poller tick.
type SessionSummary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (s SessionSummary) AllComplete() bool {
	return s.Total > 0 && s.Pending == 0 && s.Processing == 0
}

// SessionSnapshot is the denormalized copy of a session's item list held in
// the local mirror. Always secondary to the job store.
type SessionSnapshot struct {
	SessionID string             `json:"session_id" badgerhold:"key"`
	UserID    string             `json:"user_id"`
	Topic     string             `json:"topic"`
	Settings  GenerationSettings `json:"settings"`
	Items     []WorkItem         `json:"items"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Notification mirrors the notifications table written when a batch finishes.
type Notification struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Type      string
	Title     string
	Message   string
	Data      []byte
	Read      bool
	CreatedAt time.Time
}
