package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"sparkfluence-backend/internal/models"
	"sparkfluence-backend/internal/provider"
	"sparkfluence-backend/internal/supabase"
)

const maxPromptLength = 1000

// TruncatePrompt caps a prompt at the stored limit without splitting a
// multi-byte rune.
func TruncatePrompt(s string) string {
	if len(s) <= maxPromptLength {
		return s
	}
	cut := maxPromptLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Runner owns one session's background generation: a sequential submitter
// loop, a status poller loop, and the rate-limit sentinel that can halt both.
// It is the session's scheduler; there are no process-global timers.
type Runner struct {
	SessionID string
	UserID    uuid.UUID
	MediaType string

	store    JobStore
	gen      provider.Generator
	mirror   Mirror
	events   EventPublisher
	rehoster Rehoster
	notifier Notifier

	submitInterval time.Duration
	pollInterval   time.Duration
	submitTimeout  time.Duration
	cooldown       time.Duration

	mu            sync.Mutex
	topic         string
	settings      models.GenerationSettings
	items         []models.WorkItem
	submitting    bool
	rateLimited   bool
	cooldownUntil time.Time
	submitterOn   bool
	pollerOn      bool
	submitStop    chan struct{}
	pollStop      chan struct{}
}

type RunnerConfig struct {
	SessionID string
	UserID    uuid.UUID
	Topic     string
	Settings  models.GenerationSettings

	Store     JobStore
	Generator provider.Generator
	Mirror    Mirror
	Events    EventPublisher
	Rehoster  Rehoster
	Notifier  Notifier

	PollInterval  time.Duration
	SubmitTimeout time.Duration
	Cooldown      time.Duration
}

func NewRunner(cfg RunnerConfig) *Runner {
	mediaType := cfg.Settings.MediaType
	if mediaType == "" {
		mediaType = "video"
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 60 * time.Second
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}

	return &Runner{
		SessionID:      cfg.SessionID,
		UserID:         cfg.UserID,
		MediaType:      mediaType,
		store:          cfg.Store,
		gen:            cfg.Generator,
		mirror:         cfg.Mirror,
		events:         cfg.Events,
		rehoster:       cfg.Rehoster,
		notifier:       cfg.Notifier,
		submitInterval: cfg.Generator.SubmitInterval(),
		pollInterval:   pollInterval,
		submitTimeout:  submitTimeout,
		cooldown:       cooldown,
		topic:          cfg.Topic,
		settings:       cfg.Settings,
	}
}

// CreateJobs batch-inserts one pending row per item that does not already
// have one. Items with no usable prompt are skipped and reported back; they
// never get a row. Partial insert failures leave the created rows pending.
func (r *Runner) CreateJobs(items []models.WorkItem) (int, []int, error) {
	r.mu.Lock()
	settings := r.settings
	r.mu.Unlock()

	var invalid []int
	rows := make([]models.GenerationJob, 0, len(items))
	for _, item := range items {
		if item.HasJob {
			continue
		}
		prompt := item.VisualDescription
		if prompt == "" {
			prompt = item.ScriptText
		}
		if prompt == "" {
			invalid = append(invalid, item.Position)
			continue
		}
		prompt = TruncatePrompt(prompt)
		itemID := item.ID
		if itemID == "" {
			itemID = uuid.NewString()
		}
		rows = append(rows, models.GenerationJob{
			ID:           uuid.New(),
			UserID:       r.UserID,
			SessionID:    r.SessionID,
			ItemID:       itemID,
			ItemPosition: item.Position,
			MediaType:    r.MediaType,
			Provider:     settings.Provider,
			Prompt:       prompt,
		})
	}

	created, err := r.store.CreateJobs(rows)
	if err != nil {
		// Rows created before the failure stay pending and will be picked
		// up by the submitter.
		return created, invalid, err
	}

	log.Info().Str("session_id", r.SessionID).Int("created", created).
		Int("invalid", len(invalid)).Msg("generation jobs created")
	return created, invalid, nil
}

// StartSubmitter launches the sequential submitter loop unless it is already
// running or the sentinel is tripped.
func (r *Runner) StartSubmitter() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitterOn || r.rateLimited {
		return
	}
	r.submitterOn = true
	stop := make(chan struct{})
	r.submitStop = stop
	go r.submitLoop(stop)
}

func (r *Runner) StartPoller() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pollerOn || r.rateLimited {
		return
	}
	r.pollerOn = true
	stop := make(chan struct{})
	r.pollStop = stop
	go r.pollLoop(stop)
}

// Stop tears down both loops, e.g. when the session's runner is discarded.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopSubmitterLocked()
	r.stopPollerLocked()
}

func (r *Runner) stopSubmitterLocked() {
	if !r.submitterOn {
		return
	}
	r.submitterOn = false
	close(r.submitStop)
}

func (r *Runner) stopPollerLocked() {
	if !r.pollerOn {
		return
	}
	r.pollerOn = false
	close(r.pollStop)
}

func (r *Runner) submitterExited(stop chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitterOn && r.submitStop == stop {
		r.submitterOn = false
	}
}

func (r *Runner) pollerExited(stop chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pollerOn && r.pollStop == stop {
		r.pollerOn = false
	}
}

func (r *Runner) submitLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.submitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if done := r.SubmitTick(context.Background()); done {
				r.submitterExited(stop)
				return
			}
		}
	}
}

func (r *Runner) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if done := r.PollTick(context.Background()); done {
				r.pollerExited(stop)
				return
			}
		}
	}
}

// SubmitTick submits at most one pending item. It returns true when the loop
// should stop: no pending rows remain, or the sentinel tripped.
func (r *Runner) SubmitTick(ctx context.Context) bool {
	r.mu.Lock()
	if r.submitting || r.rateLimited {
		stop := r.rateLimited
		r.mu.Unlock()
		return stop
	}
	r.submitting = true
	settings := r.settings
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.submitting = false
		r.mu.Unlock()
	}()

	// Defensive check against another writer already having a submission in
	// flight. Not a distributed lock; single writer per session is the
	// operating assumption.
	if count, err := r.store.CountProcessing(r.SessionID); err != nil {
		log.Error().Err(err).Str("session_id", r.SessionID).Msg("failed to check in-flight jobs")
		return false
	} else if count > 0 {
		return false
	}

	job, err := r.store.GetOldestPending(r.SessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", r.SessionID).Msg("failed to select next pending job")
		return false
	}
	if job == nil {
		log.Debug().Str("session_id", r.SessionID).Msg("no pending jobs left, submitter stopping")
		return true
	}

	item := models.WorkItem{
		ID:                job.ItemID,
		Position:          job.ItemPosition,
		VisualDescription: job.Prompt,
	}

	sctx, cancel := context.WithTimeout(ctx, r.submitTimeout)
	defer cancel()

	sub, err := r.gen.Submit(sctx, item, settings)
	if err != nil {
		msg := err.Error()
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			msg = "submission timed out: " + msg
		}
		if markErr := r.store.MarkFailed(job.ID, msg); markErr != nil {
			log.Error().Err(markErr).Str("session_id", r.SessionID).Msg("failed to record submission failure")
		}
		if provider.IsRateLimit(err) {
			r.TripRateLimit(msg)
			r.syncMirror()
			return true
		}
		log.Warn().Err(err).Str("session_id", r.SessionID).Int("position", job.ItemPosition).
			Msg("submission failed")
		r.syncMirror()
		return false
	}

	if sub.Synchronous() {
		if err := r.store.MarkCompleted(job.ID, sub.ResultURL); err != nil {
			log.Error().Err(err).Str("session_id", r.SessionID).Msg("failed to record synchronous result")
		}
	} else {
		if err := r.store.MarkProcessing(job.ID, sub.Ref); err != nil {
			log.Error().Err(err).Str("session_id", r.SessionID).Str("ref", sub.Ref).
				Msg("failed to record submission")
			// The provider accepted the item; a pending row would resubmit
			// it next tick. Fail the row with the handle so the operator can
			// reconcile or retry.
			if markErr := r.store.MarkFailed(job.ID, fmt.Sprintf("submitted (ref %s) but recording status failed: %v", sub.Ref, err)); markErr != nil {
				log.Error().Err(markErr).Str("session_id", r.SessionID).Msg("failed to record submission failure")
			}
		} else {
			r.events.PublishSessionEvent(r.SessionID, "segment_submitted",
				supabase.SubmittedPayload(r.SessionID, job.ItemPosition, sub.Ref))
			r.StartPoller()
		}
	}

	r.syncMirror()
	return false
}

// PollTick checks every in-flight row once. It returns true when all rows
// are terminal and both loops have been stopped.
func (r *Runner) PollTick(ctx context.Context) bool {
	jobs, err := r.store.GetProcessingJobs(r.SessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", r.SessionID).Msg("failed to list in-flight jobs")
		return false
	}

	for i := range jobs {
		job := &jobs[i]
		result, err := r.gen.Poll(ctx, job.ExternalReference.String)
		if err != nil {
			// Transient; the row stays processing until the next tick.
			log.Debug().Err(err).Str("session_id", r.SessionID).Int("position", job.ItemPosition).
				Msg("status poll failed")
			continue
		}

		switch result.State {
		case provider.PollCompleted:
			finalURL := result.ResultURL
			if r.rehoster != nil {
				if hosted, err := r.rehoster.Rehost(ctx, job, result.ResultURL); err == nil {
					finalURL = hosted
				}
			}
			if err := r.store.MarkCompleted(job.ID, finalURL); err != nil {
				log.Error().Err(err).Str("session_id", r.SessionID).Msg("failed to record completion")
			}
		case provider.PollFailed:
			if err := r.store.MarkFailed(job.ID, result.Message); err != nil {
				log.Error().Err(err).Str("session_id", r.SessionID).Msg("failed to record failure")
			}
			if provider.HasRateLimitSignature(result.Message) {
				r.TripRateLimit(result.Message)
			}
		}
	}

	summary, err := r.store.GetSessionSummary(r.SessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", r.SessionID).Msg("failed to compute session summary")
		return false
	}

	r.events.PublishSessionEvent(r.SessionID, "generation_progress",
		supabase.ProgressPayload(r.SessionID, summary))
	r.syncMirror()

	if summary.AllComplete() {
		r.Stop()
		if r.notifier != nil {
			if err := r.notifier.HandleBatchComplete(r.UserID, r.SessionID, r.MediaType, summary); err != nil {
				log.Warn().Err(err).Str("session_id", r.SessionID).Msg("failed to write completion notification")
			}
		}
		r.events.PublishSessionEvent(r.SessionID, "generation_complete",
			supabase.BatchCompletePayload(r.SessionID, summary))
		log.Info().Str("session_id", r.SessionID).Int("completed", summary.Completed).
			Int("failed", summary.Failed).Msg("batch finished")
		return true
	}
	return false
}

// TripRateLimit is the sentinel: it halts both loops and starts the
// cooldown. Recovery only happens through RetryRateLimited.
func (r *Runner) TripRateLimit(msg string) {
	r.mu.Lock()
	if r.rateLimited {
		r.mu.Unlock()
		return
	}
	r.rateLimited = true
	r.cooldownUntil = time.Now().Add(r.cooldown)
	r.stopSubmitterLocked()
	r.stopPollerLocked()
	r.mu.Unlock()

	log.Warn().Str("session_id", r.SessionID).Str("reason", msg).Msg("rate limit detected, loops halted")
	r.events.PublishSessionEvent(r.SessionID, "rate_limited",
		supabase.RateLimitPayload(r.SessionID, msg))
}

// RateLimitState reports whether the sentinel is tripped and how much
// cooldown remains.
func (r *Runner) RateLimitState() (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.rateLimited {
		return false, 0
	}
	remaining := time.Until(r.cooldownUntil)
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining
}

// BackgroundActive reports whether either loop is running.
func (r *Runner) BackgroundActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submitterOn || r.pollerOn
}

// RetryRateLimited resets only the failed rows carrying a rate-limit
// signature back to pending, clears the sentinel, and restarts the
// submitter. Completed rows are untouched.
func (r *Runner) RetryRateLimited() (int, error) {
	jobs, err := r.store.GetSessionJobs(r.SessionID)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, job := range jobs {
		if job.Status != models.JobFailed {
			continue
		}
		if !provider.HasRateLimitSignature(job.ErrorMessage.String) {
			continue
		}
		if err := r.store.ResetToPending(job.ID); err != nil {
			return reset, err
		}
		reset++
	}

	r.mu.Lock()
	r.rateLimited = false
	r.cooldownUntil = time.Time{}
	r.mu.Unlock()

	if reset > 0 {
		r.StartSubmitter()
	}
	r.syncMirror()

	log.Info().Str("session_id", r.SessionID).Int("reset", reset).Msg("rate-limited jobs reset to pending")
	return reset, nil
}

// RetryItem resets a single failed row to pending and makes sure the
// submitter is running. Per-item retry never touches the rest of the batch.
func (r *Runner) RetryItem(jobID uuid.UUID, job *models.GenerationJob) error {
	if job.Status != models.JobFailed {
		return errors.New("only failed jobs can be retried")
	}
	if err := r.store.ResetToPending(jobID); err != nil {
		return err
	}
	r.StartSubmitter()
	r.syncMirror()
	return nil
}

// syncMirror refreshes the in-memory item shadows from the job store and
// re-persists the snapshot, debounced.
func (r *Runner) syncMirror() {
	jobs, err := r.store.GetSessionJobs(r.SessionID)
	if err != nil {
		return
	}

	r.mu.Lock()
	items := make([]models.WorkItem, len(r.items))
	copy(items, r.items)
	if len(items) == 0 {
		items = itemsFromJobs(jobs)
	}
	applyShadows(items, jobs)
	r.items = items
	snap := &models.SessionSnapshot{
		SessionID: r.SessionID,
		UserID:    r.UserID.String(),
		Topic:     r.topic,
		Settings:  r.settings,
		Items:     items,
	}
	r.mu.Unlock()

	r.mirror.SaveSnapshotDebounced(snap)
}

// Items returns a copy of the current reconciled item list.
func (r *Runner) Items() []models.WorkItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]models.WorkItem, len(r.items))
	copy(items, r.items)
	return items
}
