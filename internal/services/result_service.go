package services

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"sparkfluence-backend/internal/models"
	"sparkfluence-backend/internal/provider"
	"sparkfluence-backend/internal/supabase"
)

// ResultService re-hosts finished provider assets: download from the
// provider's expiring link, upload to our storage bucket, hand back a stable
// public URL.
type ResultService struct {
	downloader provider.Downloader
	storage    *supabase.StorageClient
}

func NewResultService(downloader provider.Downloader, storage *supabase.StorageClient) *ResultService {
	return &ResultService{
		downloader: downloader,
		storage:    storage,
	}
}

func (s *ResultService) Rehost(ctx context.Context, job *models.GenerationJob, providerURL string) (string, error) {
	data, err := s.downloader.DownloadResult(ctx, providerURL)
	if err != nil {
		return "", fmt.Errorf("failed to download result: %w", err)
	}

	ref := job.ExternalReference.String
	if len(ref) > 8 {
		ref = ref[:8]
	}

	ext, contentType := ".mp4", "video/mp4"
	if job.MediaType == "image" {
		ext, contentType = ".png", "image/png"
	}
	filename := fmt.Sprintf("%d_segment_%d_%s%s", time.Now().Unix(), job.ItemPosition, ref, ext)

	var publicURL string
	err = RetryWithBackoff(func() error {
		_, url, err := s.storage.UploadSegment(job.SessionID, filename, contentType, data)
		if err != nil {
			return err
		}
		publicURL = url
		return nil
	}, 2)
	if err != nil {
		log.Warn().Err(err).Str("session_id", job.SessionID).Int("position", job.ItemPosition).
			Msg("failed to re-host result, keeping provider url")
		return "", fmt.Errorf("failed to upload result: %w", err)
	}

	return publicURL, nil
}

// RetryWithBackoff executes a function with exponential backoff retry logic
func RetryWithBackoff(fn func() error, maxRetries int) error {
	backoffs := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		if i < len(backoffs) {
			time.Sleep(backoffs[i])
		}
	}

	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}
