package orchestrator_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sparkfluence-backend/internal/models"
	"sparkfluence-backend/internal/orchestrator"
	"sparkfluence-backend/internal/provider"
)

// fakeStore is an in-memory JobStore keeping rows ordered by item position.
type fakeStore struct {
	mu   sync.Mutex
	rows []*models.GenerationJob

	markProcessingErr error
}

func (s *fakeStore) CreateJobs(jobs []models.GenerationJob) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := 0
	for i := range jobs {
		job := jobs[i]
		exists := false
		for _, row := range s.rows {
			if row.SessionID == job.SessionID && row.ItemPosition == job.ItemPosition {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		job.CreatedAt = time.Now()
		job.UpdatedAt = job.CreatedAt
		s.rows = append(s.rows, &job)
		created++
	}
	return created, nil
}

func (s *fakeStore) GetSessionJobs(sessionID string) ([]models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GenerationJob
	for _, row := range s.rows {
		if row.SessionID == sessionID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemPosition < out[j].ItemPosition })
	return out, nil
}

func (s *fakeStore) GetOldestPending(sessionID string) (*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *models.GenerationJob
	for _, row := range s.rows {
		if row.SessionID != sessionID || row.Status != models.JobPending {
			continue
		}
		if oldest == nil || row.ItemPosition < oldest.ItemPosition {
			oldest = row
		}
	}
	if oldest == nil {
		return nil, nil
	}
	copied := *oldest
	return &copied, nil
}

func (s *fakeStore) CountProcessing(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, row := range s.rows {
		if row.SessionID == sessionID && row.Status == models.JobProcessing {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) GetProcessingJobs(sessionID string) ([]models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GenerationJob
	for _, row := range s.rows {
		if row.SessionID == sessionID && row.Status == models.JobProcessing && row.ExternalReference.Valid {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemPosition < out[j].ItemPosition })
	return out, nil
}

func (s *fakeStore) find(jobID uuid.UUID) *models.GenerationJob {
	for _, row := range s.rows {
		if row.ID == jobID {
			return row
		}
	}
	return nil
}

func (s *fakeStore) MarkProcessing(jobID uuid.UUID, externalRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markProcessingErr != nil {
		return s.markProcessingErr
	}
	row := s.find(jobID)
	if row == nil {
		return errors.New("job not found")
	}
	row.Status = models.JobProcessing
	row.ExternalReference = sql.NullString{String: externalRef, Valid: true}
	row.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) MarkCompleted(jobID uuid.UUID, resultURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.find(jobID)
	if row == nil {
		return errors.New("job not found")
	}
	row.Status = models.JobCompleted
	row.ResultURL = sql.NullString{String: resultURL, Valid: true}
	row.ErrorMessage = sql.NullString{}
	row.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) MarkFailed(jobID uuid.UUID, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.find(jobID)
	if row == nil {
		return errors.New("job not found")
	}
	row.Status = models.JobFailed
	row.ErrorMessage = sql.NullString{String: errorMsg, Valid: true}
	row.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) ResetToPending(jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.find(jobID)
	if row == nil {
		return errors.New("job not found")
	}
	row.Status = models.JobPending
	row.ErrorMessage = sql.NullString{}
	row.ExternalReference = sql.NullString{}
	row.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) DeleteSessionJobs(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0]
	for _, row := range s.rows {
		if row.SessionID != sessionID {
			kept = append(kept, row)
		}
	}
	s.rows = kept
	return nil
}

func (s *fakeStore) GetSessionSummary(sessionID string) (models.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var summary models.SessionSummary
	for _, row := range s.rows {
		if row.SessionID != sessionID {
			continue
		}
		summary.Total++
		switch row.Status {
		case models.JobPending:
			summary.Pending++
		case models.JobProcessing:
			summary.Processing++
		case models.JobCompleted:
			summary.Completed++
		case models.JobFailed:
			summary.Failed++
		}
	}
	return summary, nil
}

func (s *fakeStore) seed(job models.GenerationJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	s.rows = append(s.rows, &job)
}

func (s *fakeStore) statusAt(sessionID string, position int) models.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.SessionID == sessionID && row.ItemPosition == position {
			return row.Status
		}
	}
	return -1
}

// fakeGen is a scriptable Generator. Loops never tick on their own because
// both intervals are an hour; tests drive SubmitTick and PollTick directly.
type fakeGen struct {
	mu          sync.Mutex
	submitCalls int
	submitFn    func(item models.WorkItem) (*provider.Submission, error)
	pollFn      func(ref string) (*provider.PollResult, error)
}

func (g *fakeGen) Submit(ctx context.Context, item models.WorkItem, settings models.GenerationSettings) (*provider.Submission, error) {
	g.mu.Lock()
	g.submitCalls++
	fn := g.submitFn
	g.mu.Unlock()
	if fn != nil {
		return fn(item)
	}
	return &provider.Submission{Ref: fmt.Sprintf("gen-%d", item.Position)}, nil
}

func (g *fakeGen) Poll(ctx context.Context, externalRef string) (*provider.PollResult, error) {
	g.mu.Lock()
	fn := g.pollFn
	g.mu.Unlock()
	if fn != nil {
		return fn(externalRef)
	}
	return &provider.PollResult{State: provider.PollCompleted, ResultURL: "https://provider/" + externalRef + ".mp4"}, nil
}

func (g *fakeGen) SubmitInterval() time.Duration { return time.Hour }

func (g *fakeGen) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submitCalls
}

type fakeMirror struct {
	mu    sync.Mutex
	snaps map[string]*models.SessionSnapshot
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{snaps: make(map[string]*models.SessionSnapshot)}
}

func (m *fakeMirror) SaveSnapshot(snap *models.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.SessionID] = snap
	return nil
}

func (m *fakeMirror) SaveSnapshotDebounced(snap *models.SessionSnapshot) {
	m.SaveSnapshot(snap)
}

func (m *fakeMirror) GetSnapshot(sessionID string) (*models.SessionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[sessionID]
	if !ok {
		return nil, errors.New("not found")
	}
	return snap, nil
}

func (m *fakeMirror) DeleteSnapshot(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, sessionID)
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEvents) PublishSessionEvent(sessionID string, event string, payload map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *fakeEvents) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	copy(out, e.events)
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
	last  models.SessionSummary
}

func (n *fakeNotifier) HandleBatchComplete(userID uuid.UUID, sessionID, mediaType string, summary models.SessionSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.last = summary
	return nil
}

type fakeRehoster struct {
	hosted string
}

func (f *fakeRehoster) Rehost(ctx context.Context, job *models.GenerationJob, providerURL string) (string, error) {
	return f.hosted, nil
}

type testEnv struct {
	store    *fakeStore
	gen      *fakeGen
	mirror   *fakeMirror
	events   *fakeEvents
	notifier *fakeNotifier
	runner   *orchestrator.Runner
}

func newTestEnv(t *testing.T, rehoster orchestrator.Rehoster) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    &fakeStore{},
		gen:      &fakeGen{},
		mirror:   newFakeMirror(),
		events:   &fakeEvents{},
		notifier: &fakeNotifier{},
	}
	env.runner = orchestrator.NewRunner(orchestrator.RunnerConfig{
		SessionID: "video_gen_1700000000000",
		UserID:    uuid.New(),
		Topic:     "urban gardening",
		Settings:  models.GenerationSettings{MediaType: "video", Provider: "veo"},
		Store:     env.store,
		Generator: env.gen,
		Mirror:    env.mirror,
		Events:    env.events,
		Rehoster:  rehoster,
		Notifier:  env.notifier,

		PollInterval:  time.Hour,
		SubmitTimeout: 50 * time.Millisecond,
		Cooldown:      time.Minute,
	})
	t.Cleanup(env.runner.Stop)
	return env
}

func workItems(n int) []models.WorkItem {
	items := make([]models.WorkItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, models.WorkItem{
			ID:                fmt.Sprintf("item-%d", i),
			Position:          i,
			VisualDescription: fmt.Sprintf("scene %d", i),
		})
	}
	return items
}

func TestRunner_FullBatchCompletes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	created, invalid, err := env.runner.CreateJobs(workItems(5))
	require.NoError(t, err)
	assert.Equal(t, 5, created)
	assert.Empty(t, invalid)

	for i := 1; i <= 5; i++ {
		assert.False(t, env.runner.SubmitTick(ctx), "submit tick %d", i)
		done := env.runner.PollTick(ctx)
		if i < 5 {
			assert.False(t, done, "poll tick %d", i)
		} else {
			assert.True(t, done, "final poll tick stops the loop")
		}
	}

	summary, err := env.store.GetSessionSummary(env.runner.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Completed)
	assert.True(t, summary.AllComplete())

	assert.Equal(t, 1, env.notifier.calls)
	assert.Contains(t, env.events.names(), "segment_submitted")
	assert.Contains(t, env.events.names(), "generation_complete")
}

func TestRunner_SubmitterStopsWhenNothingPending(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.True(t, env.runner.SubmitTick(context.Background()))
	assert.Equal(t, 0, env.gen.calls())
}

func TestRunner_OneSubmissionInFlight(t *testing.T) {
	env := newTestEnv(t, nil)

	env.store.seed(models.GenerationJob{
		SessionID: env.runner.SessionID, UserID: env.runner.UserID,
		ItemID: "a", ItemPosition: 1, Prompt: "scene 1",
		Status:            models.JobProcessing,
		ExternalReference: sql.NullString{String: "gen-1", Valid: true},
	})
	env.store.seed(models.GenerationJob{
		SessionID: env.runner.SessionID, UserID: env.runner.UserID,
		ItemID: "b", ItemPosition: 2, Prompt: "scene 2",
		Status: models.JobPending,
	})

	assert.False(t, env.runner.SubmitTick(context.Background()))
	assert.Equal(t, 0, env.gen.calls(), "no new submission while one is in flight")
}

func TestRunner_RateLimitHaltsBatch(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.gen.submitFn = func(item models.WorkItem) (*provider.Submission, error) {
		if item.Position == 3 {
			return nil, &provider.RateLimitError{Message: "RATE_LIMIT: provider is at capacity"}
		}
		return &provider.Submission{Ref: fmt.Sprintf("gen-%d", item.Position)}, nil
	}

	_, _, err := env.runner.CreateJobs(workItems(5))
	require.NoError(t, err)

	assert.False(t, env.runner.SubmitTick(ctx))
	assert.False(t, env.runner.PollTick(ctx))
	assert.False(t, env.runner.SubmitTick(ctx))
	assert.False(t, env.runner.PollTick(ctx))

	// Third submission trips the sentinel and stops the loop.
	assert.True(t, env.runner.SubmitTick(ctx))

	limited, remaining := env.runner.RateLimitState()
	assert.True(t, limited)
	assert.Greater(t, remaining, time.Duration(0))

	sid := env.runner.SessionID
	assert.Equal(t, models.JobCompleted, env.store.statusAt(sid, 1))
	assert.Equal(t, models.JobCompleted, env.store.statusAt(sid, 2))
	assert.Equal(t, models.JobFailed, env.store.statusAt(sid, 3))
	assert.Equal(t, models.JobPending, env.store.statusAt(sid, 4))
	assert.Equal(t, models.JobPending, env.store.statusAt(sid, 5))
	assert.Contains(t, env.events.names(), "rate_limited")

	// Further ticks are no-ops while the sentinel is tripped.
	assert.True(t, env.runner.SubmitTick(ctx))
	assert.Equal(t, 3, env.gen.calls())
}

func TestRunner_RetryRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.gen.submitFn = func(item models.WorkItem) (*provider.Submission, error) {
		return nil, &provider.RateLimitError{Message: "GEMINI_RATE_LIMIT: high traffic"}
	}
	_, _, err := env.runner.CreateJobs(workItems(2))
	require.NoError(t, err)

	assert.True(t, env.runner.SubmitTick(ctx))
	limited, _ := env.runner.RateLimitState()
	require.True(t, limited)

	// An ordinary failure must stay failed after recovery.
	env.store.seed(models.GenerationJob{
		SessionID: env.runner.SessionID, UserID: env.runner.UserID,
		ItemID: "c", ItemPosition: 3, Prompt: "scene 3",
		Status:       models.JobFailed,
		ErrorMessage: sql.NullString{String: "unsafe content rejected", Valid: true},
	})

	reset, err := env.runner.RetryRateLimited()
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	limited, _ = env.runner.RateLimitState()
	assert.False(t, limited)
	assert.True(t, env.runner.BackgroundActive(), "submitter restarts after recovery")

	sid := env.runner.SessionID
	assert.Equal(t, models.JobPending, env.store.statusAt(sid, 1))
	assert.Equal(t, models.JobPending, env.store.statusAt(sid, 2))
	assert.Equal(t, models.JobFailed, env.store.statusAt(sid, 3))
}

func TestRunner_SynchronousProviderCompletesOnSubmit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.gen.submitFn = func(item models.WorkItem) (*provider.Submission, error) {
		return &provider.Submission{ResultURL: "https://cdn/images/1.png"}, nil
	}
	_, _, err := env.runner.CreateJobs(workItems(1))
	require.NoError(t, err)

	assert.False(t, env.runner.SubmitTick(ctx))
	assert.Equal(t, models.JobCompleted, env.store.statusAt(env.runner.SessionID, 1))
	assert.NotContains(t, env.events.names(), "segment_submitted")
	assert.False(t, env.runner.BackgroundActive(), "synchronous results never start the poller")

	// Nothing left to submit.
	assert.True(t, env.runner.SubmitTick(ctx))
}

func TestRunner_SubmitTimeoutIsTransient(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.gen.submitFn = func(item models.WorkItem) (*provider.Submission, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, context.DeadlineExceeded
	}
	_, _, err := env.runner.CreateJobs(workItems(1))
	require.NoError(t, err)

	assert.False(t, env.runner.SubmitTick(ctx), "timeout does not stop the loop")

	jobs, err := env.store.GetSessionJobs(env.runner.SessionID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].ErrorMessage.String, "submission timed out")

	limited, _ := env.runner.RateLimitState()
	assert.False(t, limited, "a timeout is not a rate limit")
}

func TestRunner_RehostedURLRecorded(t *testing.T) {
	env := newTestEnv(t, &fakeRehoster{hosted: "https://storage/video-segments/sessions/s/1.mp4"})
	ctx := context.Background()

	_, _, err := env.runner.CreateJobs(workItems(1))
	require.NoError(t, err)

	assert.False(t, env.runner.SubmitTick(ctx))
	assert.True(t, env.runner.PollTick(ctx))

	jobs, err := env.store.GetSessionJobs(env.runner.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "https://storage/video-segments/sessions/s/1.mp4", jobs[0].ResultURL.String)
}

func TestRunner_CreateJobsSkipsEmptyPrompts(t *testing.T) {
	env := newTestEnv(t, nil)

	items := []models.WorkItem{
		{ID: "a", Position: 1, VisualDescription: "scene 1"},
		{ID: "b", Position: 2},
		{ID: "c", Position: 3, ScriptText: "narration used as fallback"},
		{ID: "d", Position: 4, VisualDescription: "existing", HasJob: true},
	}

	created, invalid, err := env.runner.CreateJobs(items)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Equal(t, []int{2}, invalid)
}

func TestRunner_CreateJobsTruncatesPromptOnRuneBoundary(t *testing.T) {
	env := newTestEnv(t, nil)

	// 999 ASCII bytes plus one two-byte rune: a byte-level cap at 1000 would
	// split the rune.
	prompt := strings.Repeat("a", 999) + "é"
	created, invalid, err := env.runner.CreateJobs([]models.WorkItem{
		{ID: "a", Position: 1, VisualDescription: prompt},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Empty(t, invalid)

	jobs, err := env.store.GetSessionJobs(env.runner.SessionID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.LessOrEqual(t, len(jobs[0].Prompt), 1000)
	assert.True(t, utf8.ValidString(jobs[0].Prompt))
	assert.Equal(t, strings.Repeat("a", 999), jobs[0].Prompt)
}

func TestTruncatePrompt_ShortPromptUnchanged(t *testing.T) {
	assert.Equal(t, "a castle at dawn", orchestrator.TruncatePrompt("a castle at dawn"))

	long := strings.Repeat("é", 600)
	truncated := orchestrator.TruncatePrompt(long)
	assert.Equal(t, 1000, len(truncated))
	assert.True(t, utf8.ValidString(truncated))
}

func TestRunner_RecordFailureDoesNotResubmit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, _, err := env.runner.CreateJobs(workItems(1))
	require.NoError(t, err)
	env.store.markProcessingErr = errors.New("connection reset")

	assert.False(t, env.runner.SubmitTick(ctx))
	assert.Equal(t, 1, env.gen.calls())

	// The provider holds the submission; the row must not stay pending.
	jobs, err := env.store.GetSessionJobs(env.runner.SessionID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].ErrorMessage.String, "gen-1")

	assert.True(t, env.runner.SubmitTick(ctx), "nothing pending remains")
	assert.Equal(t, 1, env.gen.calls(), "the accepted submission is not repeated")
}

func TestRunner_RetryItem(t *testing.T) {
	env := newTestEnv(t, nil)

	failed := models.GenerationJob{
		ID: uuid.New(), SessionID: env.runner.SessionID, UserID: env.runner.UserID,
		ItemID: "a", ItemPosition: 1, Prompt: "scene 1",
		Status:       models.JobFailed,
		ErrorMessage: sql.NullString{String: "provider error", Valid: true},
	}
	env.store.seed(failed)

	require.NoError(t, env.runner.RetryItem(failed.ID, &failed))
	assert.Equal(t, models.JobPending, env.store.statusAt(env.runner.SessionID, 1))
	assert.True(t, env.runner.BackgroundActive())

	completed := models.GenerationJob{
		ID: uuid.New(), SessionID: env.runner.SessionID, UserID: env.runner.UserID,
		ItemID: "b", ItemPosition: 2, Prompt: "scene 2",
		Status: models.JobCompleted,
	}
	env.store.seed(completed)
	assert.Error(t, env.runner.RetryItem(completed.ID, &completed))
}
