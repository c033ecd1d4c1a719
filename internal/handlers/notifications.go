package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"sparkfluence-backend/internal/models"
	"sparkfluence-backend/internal/supabase"
)

type NotificationsHandler struct {
	dbClient *supabase.DatabaseClient
}

func NewNotificationsHandler(dbClient *supabase.DatabaseClient) *NotificationsHandler {
	return &NotificationsHandler{
		dbClient: dbClient,
	}
}

func (h *NotificationsHandler) List(c *gin.Context) {
	userID, ok := authUserID(c)
	if !ok {
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	notifications, err := h.dbClient.ListNotifications(userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to list notifications",
			Message: err.Error(),
		})
		return
	}

	responses := make([]models.NotificationResponse, 0, len(notifications))
	for _, n := range notifications {
		var data map[string]interface{}
		json.Unmarshal(n.Data, &data)
		responses = append(responses, models.NotificationResponse{
			ID:        n.ID.String(),
			Type:      n.Type,
			Title:     n.Title,
			Message:   n.Message,
			Data:      data,
			Read:      n.Read,
			CreatedAt: n.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"notifications": responses})
}

func (h *NotificationsHandler) MarkRead(c *gin.Context) {
	userID, ok := authUserID(c)
	if !ok {
		return
	}

	notificationID, err := uuid.Parse(c.Param("notification_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid notification id"})
		return
	}

	if err := h.dbClient.MarkNotificationRead(notificationID, userID); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to mark notification read",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
