package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"sparkfluence-backend/internal/middleware"
	"sparkfluence-backend/internal/mirror"
	"sparkfluence-backend/internal/models"
	"sparkfluence-backend/internal/orchestrator"
	"sparkfluence-backend/internal/supabase"
)

type SessionsHandler struct {
	dbClient *supabase.DatabaseClient
	manager  *orchestrator.Manager
	mirror   *mirror.Store
}

func NewSessionsHandler(dbClient *supabase.DatabaseClient, manager *orchestrator.Manager, mirrorStore *mirror.Store) *SessionsHandler {
	return &SessionsHandler{
		dbClient: dbClient,
		manager:  manager,
		mirror:   mirrorStore,
	}
}

func authUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDStr, exists := c.Get(middleware.UserIDKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr.(string))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid user id"})
		return uuid.Nil, false
	}
	return userID, true
}

func toWorkItems(inputs []models.WorkItemInput) []models.WorkItem {
	items := make([]models.WorkItem, len(inputs))
	for i, input := range inputs {
		position := input.Position
		if position == 0 {
			position = i + 1
		}
		items[i] = models.WorkItem{
			ID:                input.ID,
			Position:          position,
			ScriptText:        input.ScriptText,
			VisualDescription: input.VisualDescription,
			Duration:          input.Duration,
			SourceImage:       input.SourceImage,
			Status:            "not_created",
		}
	}
	return items
}

func normalizeSettings(settings models.GenerationSettings) models.GenerationSettings {
	if settings.MediaType == "" {
		settings.MediaType = "video"
	}
	if settings.Provider == "" {
		if settings.MediaType == "image" {
			settings.Provider = "gpt-image-1"
		} else {
			settings.Provider = "veo"
		}
	}
	return settings
}

// CreateSession batch-creates the pending job rows for a session's items and
// starts the background loops.
func (h *SessionsHandler) CreateSession(c *gin.Context) {
	userID, ok := authUserID(c)
	if !ok {
		return
	}

	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	if len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "items are required"})
		return
	}

	settings := normalizeSettings(req.Settings)
	runner := h.manager.Runner(req.SessionID, userID, req.Topic, settings)

	items := toWorkItems(req.Items)
	created, invalid, err := runner.CreateJobs(items)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to create jobs",
			Message: err.Error(),
		})
		return
	}
	if len(invalid) > 0 && created == 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "no items with usable prompts",
		})
		return
	}

	if _, err := runner.Reconcile(items); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to reconcile session",
			Message: err.Error(),
		})
		return
	}

	jobs, err := h.dbClient.GetSessionJobs(req.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to load session jobs",
			Message: err.Error(),
		})
		return
	}

	responses := make([]models.JobResponse, len(jobs))
	for i := range jobs {
		responses[i] = jobs[i].ToResponse()
	}

	c.JSON(http.StatusCreated, models.CreateSessionResponse{
		SessionID: req.SessionID,
		Created:   created,
		Jobs:      responses,
	})
}

// Preview computes the per-item prompts without creating any rows.
func (h *SessionsHandler) Preview(c *gin.Context) {
	if _, ok := authUserID(c); !ok {
		return
	}

	var req models.PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	settings := normalizeSettings(req.Settings)
	items := toWorkItems(req.Items)

	previews := make([]models.PreviewItem, 0, len(items))
	for _, item := range items {
		prompt := item.VisualDescription
		if prompt == "" {
			prompt = item.ScriptText
		}
		previews = append(previews, models.PreviewItem{
			Position: item.Position,
			Prompt:   orchestrator.TruncatePrompt(prompt),
		})
	}

	c.JSON(http.StatusOK, models.PreviewResponse{
		SessionID: req.SessionID,
		Provider:  settings.Provider,
		Model:     settings.Model,
		Items:     previews,
	})
}

// GetStatus reports the session summary, every job row, and the runner's
// loop and sentinel state.
func (h *SessionsHandler) GetStatus(c *gin.Context) {
	userID, ok := authUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	jobs, err := h.dbClient.GetSessionJobs(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to load session jobs",
			Message: err.Error(),
		})
		return
	}
	if len(jobs) == 0 {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "session not found"})
		return
	}
	if jobs[0].UserID != userID {
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "session belongs to another user"})
		return
	}

	summary, err := h.dbClient.GetSessionSummary(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to compute summary",
			Message: err.Error(),
		})
		return
	}

	var backgroundActive, rateLimited bool
	var cooldownSeconds int
	if runner, ok := h.manager.Lookup(sessionID); ok {
		backgroundActive = runner.BackgroundActive()
		var remaining time.Duration
		rateLimited, remaining = runner.RateLimitState()
		cooldownSeconds = int(remaining.Seconds())
	}

	responses := make([]models.JobResponse, len(jobs))
	for i := range jobs {
		responses[i] = jobs[i].ToResponse()
	}

	c.JSON(http.StatusOK, models.SessionStatusResponse{
		SessionID:        sessionID,
		Summary:          summary,
		AllComplete:      summary.AllComplete(),
		BackgroundActive: backgroundActive,
		RateLimited:      rateLimited,
		CooldownSeconds:  cooldownSeconds,
		Jobs:             responses,
	})
}

// Resume reactivates a session: reconciles supplied or stored items against
// the job rows and restarts whatever loops the row states call for.
func (h *SessionsHandler) Resume(c *gin.Context) {
	userID, ok := authUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	var req models.ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	jobs, err := h.dbClient.GetSessionJobs(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to load session jobs",
			Message: err.Error(),
		})
		return
	}
	if len(jobs) > 0 && jobs[0].UserID != userID {
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "session belongs to another user"})
		return
	}

	topic := req.Topic
	var settings models.GenerationSettings
	if req.Settings != nil {
		settings = *req.Settings
	} else if snap, err := h.mirror.GetSnapshot(sessionID); err == nil && snap.UserID == userID.String() {
		settings = snap.Settings
		if topic == "" {
			topic = snap.Topic
		}
	}
	settings = normalizeSettings(settings)

	runner := h.manager.Runner(sessionID, userID, topic, settings)
	items, err := runner.Reconcile(toWorkItems(req.Items))
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to reconcile session",
			Message: err.Error(),
		})
		return
	}
	if len(items) == 0 {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "session not found"})
		return
	}

	summary, err := h.dbClient.GetSessionSummary(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to compute summary",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, models.ResumeResponse{
		SessionID: sessionID,
		Items:     items,
		Summary:   summary,
	})
}

// GetSnapshot serves the mirror's cached item list for an instant first
// paint while the durable state is being fetched.
func (h *SessionsHandler) GetSnapshot(c *gin.Context) {
	userID, ok := authUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	snap, err := h.mirror.GetSnapshot(sessionID)
	if err == mirror.ErrNotFound {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "snapshot not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to read snapshot",
			Message: err.Error(),
		})
		return
	}
	if snap.UserID != userID.String() {
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "snapshot belongs to another user"})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// LastActive returns the last session this user worked on, for resumes with
// no explicit session id.
func (h *SessionsHandler) LastActive(c *gin.Context) {
	userID, ok := authUserID(c)
	if !ok {
		return
	}

	sessionID, updatedAt, err := h.mirror.LastActive(userID.String())
	if err == mirror.ErrNotFound {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "no active session"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to read last active session",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, models.LastActiveResponse{
		SessionID: sessionID,
		UpdatedAt: updatedAt,
	})
}

// RetryItem resets one failed job back to pending.
func (h *SessionsHandler) RetryItem(c *gin.Context) {
	userID, ok := authUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid job id"})
		return
	}

	job, err := h.dbClient.GetJob(jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "job not found", Message: err.Error()})
		return
	}
	if job.SessionID != sessionID || job.UserID != userID {
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "job belongs to another session"})
		return
	}

	runner := h.manager.Runner(sessionID, userID, "", normalizeSettings(models.GenerationSettings{
		MediaType: job.MediaType,
		Provider:  job.Provider,
	}))
	if err := runner.RetryItem(jobID, job); err != nil {
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: "cannot retry job", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.RetryResponse{SessionID: sessionID, Reset: 1})
}

// RetryRateLimited resets every failed row carrying a rate-limit signature
// and restarts the submitter.
func (h *SessionsHandler) RetryRateLimited(c *gin.Context) {
	userID, ok := authUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	jobs, err := h.dbClient.GetSessionJobs(sessionID)
	if err != nil || len(jobs) == 0 {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "session not found"})
		return
	}
	if jobs[0].UserID != userID {
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "session belongs to another user"})
		return
	}

	runner := h.manager.Runner(sessionID, userID, "", normalizeSettings(models.GenerationSettings{
		MediaType: jobs[0].MediaType,
		Provider:  jobs[0].Provider,
	}))
	reset, err := runner.RetryRateLimited()
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to reset jobs",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, models.RetryResponse{SessionID: sessionID, Reset: reset})
}

// Regenerate deletes every job row for the session and recreates the batch
// from the supplied items.
func (h *SessionsHandler) Regenerate(c *gin.Context) {
	userID, ok := authUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	if len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "items are required"})
		return
	}

	jobs, err := h.dbClient.GetSessionJobs(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to load session jobs",
			Message: err.Error(),
		})
		return
	}
	if len(jobs) > 0 && jobs[0].UserID != userID {
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "session belongs to another user"})
		return
	}

	// Tear down the old runner before clearing its rows.
	h.manager.Remove(sessionID)
	if err := h.dbClient.DeleteSessionJobs(sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to delete session jobs",
			Message: err.Error(),
		})
		return
	}
	h.mirror.DeleteSnapshot(sessionID)

	settings := normalizeSettings(req.Settings)
	runner := h.manager.Runner(sessionID, userID, req.Topic, settings)

	items := toWorkItems(req.Items)
	created, _, err := runner.CreateJobs(items)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to create jobs",
			Message: err.Error(),
		})
		return
	}
	if _, err := runner.Reconcile(items); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to reconcile session",
			Message: err.Error(),
		})
		return
	}

	newJobs, err := h.dbClient.GetSessionJobs(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to load session jobs",
			Message: err.Error(),
		})
		return
	}
	responses := make([]models.JobResponse, len(newJobs))
	for i := range newJobs {
		responses[i] = newJobs[i].ToResponse()
	}

	c.JSON(http.StatusOK, models.CreateSessionResponse{
		SessionID: sessionID,
		Created:   created,
		Jobs:      responses,
	})
}
