package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"sparkfluence-backend/internal/models"
	"sparkfluence-backend/internal/provider"
)

// Deps are the shared collaborators handed to every runner.
type Deps struct {
	Store          JobStore
	VideoGenerator provider.Generator
	ImageGenerator provider.Generator
	Mirror         Mirror
	Events         EventPublisher
	Rehoster       Rehoster
	Notifier       Notifier

	PollInterval      time.Duration
	SubmitTimeout     time.Duration
	RateLimitCooldown time.Duration
}

// Manager holds one runner per active session. A runner lives until the
// session is regenerated or the process shuts down; this is what enforces
// the single-writer-per-session constraint inside one process.
type Manager struct {
	deps Deps

	mu      sync.Mutex
	runners map[string]*Runner
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:    deps,
		runners: make(map[string]*Runner),
	}
}

// Runner returns the session's runner, creating it on first use.
func (m *Manager) Runner(sessionID string, userID uuid.UUID, topic string, settings models.GenerationSettings) *Runner {
	m.mu.Lock()
	defer m.mu.Unlock()

	if runner, ok := m.runners[sessionID]; ok {
		return runner
	}

	gen := m.deps.VideoGenerator
	rehoster := m.deps.Rehoster
	if settings.MediaType == "image" {
		gen = m.deps.ImageGenerator
		// Synchronous image results are stored as returned; nothing to
		// re-host through the poller.
		rehoster = nil
	}

	runner := NewRunner(RunnerConfig{
		SessionID:     sessionID,
		UserID:        userID,
		Topic:         topic,
		Settings:      settings,
		Store:         m.deps.Store,
		Generator:     gen,
		Mirror:        m.deps.Mirror,
		Events:        m.deps.Events,
		Rehoster:      rehoster,
		Notifier:      m.deps.Notifier,
		PollInterval:  m.deps.PollInterval,
		SubmitTimeout: m.deps.SubmitTimeout,
		Cooldown:      m.deps.RateLimitCooldown,
	})
	m.runners[sessionID] = runner
	return runner
}

// Lookup returns an existing runner without creating one.
func (m *Manager) Lookup(sessionID string) (*Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runner, ok := m.runners[sessionID]
	return runner, ok
}

// Remove stops a session's loops and forgets the runner, used when the
// batch is deleted for full regeneration.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	runner, ok := m.runners[sessionID]
	delete(m.runners, sessionID)
	m.mu.Unlock()

	if ok {
		runner.Stop()
	}
}

// StopAll tears down every runner, used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	runners := make([]*Runner, 0, len(m.runners))
	for _, runner := range m.runners {
		runners = append(runners, runner)
	}
	m.runners = make(map[string]*Runner)
	m.mu.Unlock()

	for _, runner := range runners {
		runner.Stop()
	}
}
