package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"sparkfluence-backend/internal/models"
)

// JobStore is the durable source of truth for generation jobs, one row per
// (session_id, item_position).
type JobStore interface {
	CreateJobs(jobs []models.GenerationJob) (int, error)
	GetSessionJobs(sessionID string) ([]models.GenerationJob, error)
	GetOldestPending(sessionID string) (*models.GenerationJob, error)
	CountProcessing(sessionID string) (int, error)
	GetProcessingJobs(sessionID string) ([]models.GenerationJob, error)
	MarkProcessing(jobID uuid.UUID, externalRef string) error
	MarkCompleted(jobID uuid.UUID, resultURL string) error
	MarkFailed(jobID uuid.UUID, errorMsg string) error
	ResetToPending(jobID uuid.UUID) error
	DeleteSessionJobs(sessionID string) error
	GetSessionSummary(sessionID string) (models.SessionSummary, error)
}

// Mirror is the local snapshot cache consulted before the job store answers.
type Mirror interface {
	SaveSnapshot(snap *models.SessionSnapshot) error
	SaveSnapshotDebounced(snap *models.SessionSnapshot)
	GetSnapshot(sessionID string) (*models.SessionSnapshot, error)
	DeleteSnapshot(sessionID string) error
}

type EventPublisher interface {
	PublishSessionEvent(sessionID string, event string, payload map[string]interface{}) error
}

// Rehoster moves a finished asset from the provider's expiring URL to
// durable storage.
type Rehoster interface {
	Rehost(ctx context.Context, job *models.GenerationJob, providerURL string) (string, error)
}

type Notifier interface {
	HandleBatchComplete(userID uuid.UUID, sessionID, mediaType string, summary models.SessionSummary) error
}
