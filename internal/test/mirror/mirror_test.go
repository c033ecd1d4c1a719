package mirror_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sparkfluence-backend/internal/mirror"
	"sparkfluence-backend/internal/models"
)

func openStore(t *testing.T) *mirror.Store {
	t.Helper()
	store, err := mirror.Open(filepath.Join(t.TempDir(), "mirror"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleSnapshot(sessionID string) *models.SessionSnapshot {
	return &models.SessionSnapshot{
		SessionID: sessionID,
		UserID:    "3c5f1f6a-47cf-4f0e-9b2e-5a51e3fa6a3c",
		Topic:     "urban gardening",
		Settings:  models.GenerationSettings{MediaType: "video", Provider: "veo"},
		Items: []models.WorkItem{
			{ID: "a", Position: 1, VisualDescription: "rooftop garden", Status: "pending", HasJob: true},
			{ID: "b", Position: 2, VisualDescription: "balcony herbs", Status: "not_created"},
		},
	}
}

func TestSaveAndGetSnapshot(t *testing.T) {
	store := openStore(t)

	snap := sampleSnapshot("video_gen_1700000000000")
	require.NoError(t, store.SaveSnapshot(snap))

	got, err := store.GetSnapshot("video_gen_1700000000000")
	require.NoError(t, err)
	assert.Equal(t, snap.SessionID, got.SessionID)
	assert.Equal(t, snap.Topic, got.Topic)
	require.Len(t, got.Items, 2)
	assert.Equal(t, 1, got.Items[0].Position)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestGetSnapshot_NotFound(t *testing.T) {
	store := openStore(t)

	_, err := store.GetSnapshot("missing")
	assert.ErrorIs(t, err, mirror.ErrNotFound)
}

func TestSaveSnapshot_UpdatesLastActive(t *testing.T) {
	store := openStore(t)

	require.NoError(t, store.SaveSnapshot(sampleSnapshot("video_gen_1")))
	require.NoError(t, store.SaveSnapshot(sampleSnapshot("video_gen_2")))

	sessionID, updatedAt, err := store.LastActive("3c5f1f6a-47cf-4f0e-9b2e-5a51e3fa6a3c")
	require.NoError(t, err)
	assert.Equal(t, "video_gen_2", sessionID)
	assert.False(t, updatedAt.IsZero())
}

func TestLastActive_Empty(t *testing.T) {
	store := openStore(t)

	_, _, err := store.LastActive("3c5f1f6a-47cf-4f0e-9b2e-5a51e3fa6a3c")
	assert.ErrorIs(t, err, mirror.ErrNotFound)
}

func TestLastActive_IsolatedPerUser(t *testing.T) {
	store := openStore(t)

	mine := sampleSnapshot("video_gen_1")
	require.NoError(t, store.SaveSnapshot(mine))

	theirs := sampleSnapshot("video_gen_2")
	theirs.UserID = "9f0d12aa-1111-4222-8333-444455556666"
	require.NoError(t, store.SaveSnapshot(theirs))

	sessionID, _, err := store.LastActive(mine.UserID)
	require.NoError(t, err)
	assert.Equal(t, "video_gen_1", sessionID, "another user's activity must not move my pointer")

	sessionID, _, err = store.LastActive(theirs.UserID)
	require.NoError(t, err)
	assert.Equal(t, "video_gen_2", sessionID)
}

func TestSaveSnapshotDebounced_LatestWins(t *testing.T) {
	store := openStore(t)

	first := sampleSnapshot("video_gen_1")
	first.Topic = "draft one"
	second := sampleSnapshot("video_gen_1")
	second.Topic = "draft two"

	store.SaveSnapshotDebounced(first)
	store.SaveSnapshotDebounced(second)

	// Nothing is written until the debounce window elapses.
	_, err := store.GetSnapshot("video_gen_1")
	assert.ErrorIs(t, err, mirror.ErrNotFound)

	assert.Eventually(t, func() bool {
		got, err := store.GetSnapshot("video_gen_1")
		return err == nil && got.Topic == "draft two"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestDeleteSnapshot(t *testing.T) {
	store := openStore(t)

	require.NoError(t, store.SaveSnapshot(sampleSnapshot("video_gen_1")))
	require.NoError(t, store.DeleteSnapshot("video_gen_1"))

	_, err := store.GetSnapshot("video_gen_1")
	assert.ErrorIs(t, err, mirror.ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, store.DeleteSnapshot("video_gen_1"))
}

func TestSnapshotKeysAreCaseInsensitive(t *testing.T) {
	store := openStore(t)

	require.NoError(t, store.SaveSnapshot(sampleSnapshot("Video_Gen_1")))

	got, err := store.GetSnapshot("VIDEO_GEN_1")
	require.NoError(t, err)
	assert.Equal(t, "urban gardening", got.Topic)
}
