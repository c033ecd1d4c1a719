package mirror

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
	"sparkfluence-backend/internal/models"
)

// ErrNotFound is returned when no snapshot exists for a session.
var ErrNotFound = errors.New("snapshot not found")

func lastActiveKey(userID string) string {
	return "last_active:" + normalizeKey(userID)
}

// Store is the local mirror: an embedded cache of session snapshots served
// instantly at session activation, always secondary to the job store.
type Store struct {
	store    *badgerhold.Store
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	queued map[string]*models.SessionSnapshot
	closed bool
}

type lastActivePointer struct {
	SessionID string
	UpdatedAt time.Time
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Options = badger.DefaultOptions(path).WithLogger(nil)

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror store: %w", err)
	}

	return &Store{
		store:    store,
		debounce: time.Second,
		timers:   make(map[string]*time.Timer),
		queued:   make(map[string]*models.SessionSnapshot),
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	for sessionID, timer := range s.timers {
		timer.Stop()
		if snap, ok := s.queued[sessionID]; ok {
			s.writeSnapshot(snap)
		}
	}
	s.timers = map[string]*time.Timer{}
	s.queued = map[string]*models.SessionSnapshot{}
	s.mu.Unlock()

	return s.store.Close()
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// SaveSnapshot writes immediately and moves the owner's last-active pointer
// to this session.
func (s *Store) SaveSnapshot(snap *models.SessionSnapshot) error {
	if err := s.writeSnapshot(snap); err != nil {
		return err
	}
	return s.SetLastActive(snap.UserID, snap.SessionID)
}

// SaveSnapshotDebounced coalesces bursts of item-list mutations into one
// write per debounce window. The latest snapshot wins.
func (s *Store) SaveSnapshotDebounced(snap *models.SessionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	key := normalizeKey(snap.SessionID)
	s.queued[key] = snap

	if _, ok := s.timers[key]; ok {
		return
	}
	s.timers[key] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		queued := s.queued[key]
		delete(s.queued, key)
		delete(s.timers, key)
		s.mu.Unlock()

		if queued != nil {
			s.SaveSnapshot(queued)
		}
	})
}

func (s *Store) writeSnapshot(snap *models.SessionSnapshot) error {
	snap.UpdatedAt = time.Now()
	key := normalizeKey(snap.SessionID)
	if err := s.store.Upsert(key, snap); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(sessionID string) (*models.SessionSnapshot, error) {
	var snap models.SessionSnapshot
	err := s.store.Get(normalizeKey(sessionID), &snap)
	if err == badgerhold.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &snap, nil
}

func (s *Store) DeleteSnapshot(sessionID string) error {
	err := s.store.Delete(normalizeKey(sessionID), models.SessionSnapshot{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// SetLastActive records the session a user touched last. Pointers are kept
// per user so one user's activity never surfaces in another's resume.
func (s *Store) SetLastActive(userID, sessionID string) error {
	pointer := lastActivePointer{
		SessionID: sessionID,
		UpdatedAt: time.Now(),
	}
	if err := s.store.Upsert(lastActiveKey(userID), &pointer); err != nil {
		return fmt.Errorf("failed to set last active session: %w", err)
	}
	return nil
}

// LastActive returns the session id to resume when none was supplied
// explicitly.
func (s *Store) LastActive(userID string) (string, time.Time, error) {
	var pointer lastActivePointer
	err := s.store.Get(lastActiveKey(userID), &pointer)
	if err == badgerhold.ErrNotFound {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to get last active session: %w", err)
	}
	return pointer.SessionID, pointer.UpdatedAt, nil
}
