package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"
	"sparkfluence-backend/internal/config"
	"sparkfluence-backend/internal/models"
	"sparkfluence-backend/internal/provider"
	"sparkfluence-backend/internal/services"
	"sparkfluence-backend/internal/supabase"
)

// WebhookHandler accepts out-of-band status callbacks from the generation
// provider, for deployments where push delivery is configured alongside
// polling.
type WebhookHandler struct {
	config        *config.Config
	dbClient      *supabase.DatabaseClient
	resultService *services.ResultService
}

func NewWebhookHandler(cfg *config.Config, dbClient *supabase.DatabaseClient, resultService *services.ResultService) *WebhookHandler {
	return &WebhookHandler{
		config:        cfg,
		dbClient:      dbClient,
		resultService: resultService,
	}
}

type providerWebhookEvent struct {
	UUID         string `json:"uuid"`
	Status       string `json:"status"` // "completed" or "failed"
	VideoURL     string `json:"video_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "missing authorization token"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if h.config.ProviderWebhookToken != "" && token != h.config.ProviderWebhookToken {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "invalid authorization token"})
		return
	}

	var event providerWebhookEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "failed to parse event",
			Message: err.Error(),
		})
		return
	}
	if event.UUID == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "uuid is required"})
		return
	}

	go h.applyEvent(event)

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *WebhookHandler) applyEvent(event providerWebhookEvent) {
	job, err := h.dbClient.GetJobByExternalReference(event.UUID)
	if err != nil {
		log.Warn().Err(err).Str("uuid", event.UUID).Msg("webhook for unknown generation")
		return
	}
	if job.Status != models.JobProcessing {
		// The poller already resolved this row; terminal states never
		// revert.
		return
	}

	switch event.Status {
	case "completed":
		finalURL := event.VideoURL
		if h.resultService != nil && finalURL != "" {
			if hosted, err := h.resultService.Rehost(context.Background(), job, finalURL); err == nil {
				finalURL = hosted
			}
		}
		if err := h.dbClient.MarkCompleted(job.ID, finalURL); err != nil {
			log.Error().Err(err).Str("uuid", event.UUID).Msg("failed to record webhook completion")
		}
	case "failed":
		msg := event.ErrorMessage
		if msg == "" {
			msg = "generation failed"
		}
		if err := h.dbClient.MarkFailed(job.ID, msg); err != nil {
			log.Error().Err(err).Str("uuid", event.UUID).Msg("failed to record webhook failure")
		}
		if provider.HasRateLimitSignature(msg) {
			log.Warn().Str("session_id", job.SessionID).Msg("rate-limit failure reported via webhook")
		}
	}
}
