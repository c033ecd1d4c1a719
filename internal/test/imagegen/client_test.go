package imagegen_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sparkfluence-backend/internal/models"
	"sparkfluence-backend/internal/provider"
	"sparkfluence-backend/internal/provider/imagegen"
)

func TestSubmit_ReturnsFinishedImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/image-gen", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a castle at dawn", req["prompt"])
		assert.Equal(t, "gpt-image-1", req["model"])
		assert.Equal(t, "cinematic", req["style"])

		w.Write([]byte(`{"images": [{"url": "https://cdn/images/abc.png"}]}`))
	}))
	defer server.Close()

	client := imagegen.NewClient(server.URL, "test-key")
	sub, err := client.Submit(context.Background(),
		models.WorkItem{Position: 1, VisualDescription: "a castle at dawn"},
		models.GenerationSettings{MediaType: "image"})

	require.NoError(t, err)
	assert.True(t, sub.Synchronous())
	assert.Equal(t, "https://cdn/images/abc.png", sub.ResultURL)
}

func TestSubmit_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"detail": "quota exceeded"}`))
	}))
	defer server.Close()

	client := imagegen.NewClient(server.URL, "test-key")
	_, err := client.Submit(context.Background(),
		models.WorkItem{Position: 1, VisualDescription: "prompt"},
		models.GenerationSettings{MediaType: "image"})

	require.Error(t, err)
	assert.True(t, provider.IsRateLimit(err))
}

func TestSubmit_EmptyImageList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"images": []}`))
	}))
	defer server.Close()

	client := imagegen.NewClient(server.URL, "test-key")
	_, err := client.Submit(context.Background(),
		models.WorkItem{Position: 1, VisualDescription: "prompt"},
		models.GenerationSettings{MediaType: "image"})

	assert.Error(t, err)
}

func TestPoll_Unsupported(t *testing.T) {
	client := imagegen.NewClient("http://localhost", "test-key")
	_, err := client.Poll(context.Background(), "anything")
	assert.Error(t, err)
}
