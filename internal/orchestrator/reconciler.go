package orchestrator

import (
	"github.com/phuslu/log"
	"sparkfluence-backend/internal/models"
	"sparkfluence-backend/internal/provider"
)

// Reconcile runs once at session activation. It merges the durable job rows
// with a freshly-supplied item list (or rebuilds the list entirely from the
// rows on the resume-only path), copies job state into the item shadows,
// restarts whichever loops the row states call for, and persists the result
// to the mirror. Running it twice on unchanged durable state yields the same
// list.
func (r *Runner) Reconcile(supplied []models.WorkItem) ([]models.WorkItem, error) {
	jobs, err := r.store.GetSessionJobs(r.SessionID)
	if err != nil {
		return nil, err
	}

	items := make([]models.WorkItem, len(supplied))
	copy(items, supplied)
	if len(items) == 0 {
		items = itemsFromJobs(jobs)
	}
	applyShadows(items, jobs)

	r.mu.Lock()
	r.items = items
	snap := &models.SessionSnapshot{
		SessionID: r.SessionID,
		UserID:    r.UserID.String(),
		Topic:     r.topic,
		Settings:  r.settings,
		Items:     items,
	}
	r.mu.Unlock()

	var havePending, haveProcessing bool
	var rateLimitMsg string
	for _, job := range jobs {
		switch job.Status {
		case models.JobPending:
			havePending = true
		case models.JobProcessing:
			haveProcessing = true
		case models.JobFailed:
			if rateLimitMsg == "" && provider.HasRateLimitSignature(job.ErrorMessage.String) {
				rateLimitMsg = job.ErrorMessage.String
			}
		}
	}

	if rateLimitMsg != "" {
		// A prior run hit the provider's rate limit; surface the sentinel
		// instead of restarting anything.
		r.TripRateLimit(rateLimitMsg)
	} else {
		if havePending {
			r.StartSubmitter()
		}
		if haveProcessing {
			r.StartPoller()
		}
	}

	if err := r.mirror.SaveSnapshot(snap); err != nil {
		log.Warn().Err(err).Str("session_id", r.SessionID).Msg("failed to persist session snapshot")
	}

	log.Info().Str("session_id", r.SessionID).Int("items", len(items)).Int("jobs", len(jobs)).
		Bool("pending", havePending).Bool("processing", haveProcessing).
		Bool("rate_limited", rateLimitMsg != "").Msg("session reconciled")

	return items, nil
}

// itemsFromJobs rebuilds the work-item list from job rows alone, for resumes
// where the upstream stage supplied nothing. Stored item fields double as
// the item content.
func itemsFromJobs(jobs []models.GenerationJob) []models.WorkItem {
	items := make([]models.WorkItem, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, models.WorkItem{
			ID:                job.ItemID,
			Position:          job.ItemPosition,
			VisualDescription: job.Prompt,
		})
	}
	return items
}

// applyShadows copies each matching row's status into its item's shadow
// fields. Items without a row stay "not_created"; item content is never
// touched.
func applyShadows(items []models.WorkItem, jobs []models.GenerationJob) {
	byPosition := make(map[int]*models.GenerationJob, len(jobs))
	byItemID := make(map[string]*models.GenerationJob, len(jobs))
	for i := range jobs {
		byPosition[jobs[i].ItemPosition] = &jobs[i]
		byItemID[jobs[i].ItemID] = &jobs[i]
	}

	for i := range items {
		item := &items[i]
		job := byPosition[item.Position]
		if job == nil && item.ID != "" {
			job = byItemID[item.ID]
		}
		if job == nil {
			item.HasJob = false
			item.JobID = ""
			item.Status = "not_created"
			item.ResultURL = ""
			item.ErrorMessage = ""
			continue
		}
		item.HasJob = true
		item.JobID = job.ID.String()
		item.Status = job.Status.String()
		item.ResultURL = job.ResultURL.String
		item.ErrorMessage = job.ErrorMessage.String
	}
}
