package services

import (
	"fmt"

	"github.com/google/uuid"
	"sparkfluence-backend/internal/models"
	"sparkfluence-backend/internal/supabase"
)

// NotificationService writes the one-shot completion notification when a
// session's batch reaches a terminal state.
type NotificationService struct {
	db *supabase.DatabaseClient
}

func NewNotificationService(db *supabase.DatabaseClient) *NotificationService {
	return &NotificationService{db: db}
}

func (s *NotificationService) HandleBatchComplete(userID uuid.UUID, sessionID, mediaType string, summary models.SessionSummary) error {
	prefix := "video"
	if mediaType == "image" {
		prefix = "image"
	}

	ntype := prefix + "_generation_complete"
	title := "Generation complete"
	message := fmt.Sprintf("All %d segments finished generating.", summary.Total)
	if summary.Failed > 0 {
		ntype = prefix + "_generation_partial"
		title = "Generation finished with errors"
		message = fmt.Sprintf("%d of %d segments completed, %d failed.", summary.Completed, summary.Total, summary.Failed)
	}

	// One notification per session and outcome type.
	exists, err := s.db.HasSessionNotification(userID, ntype, sessionID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	data := map[string]interface{}{
		"session_id":   sessionID,
		"completed":    summary.Completed,
		"failed":       summary.Failed,
		"total":        summary.Total,
		"redirect_url": fmt.Sprintf("/video-generation?session=%s", sessionID),
	}

	return s.db.CreateNotification(userID, ntype, title, message, data)
}
