package supabase

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"sparkfluence-backend/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(connectionString string) (*DatabaseClient, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// NewDatabaseClientFromDB wraps an existing connection, used by tests.
func NewDatabaseClientFromDB(db *sql.DB) *DatabaseClient {
	return &DatabaseClient{db: db}
}

const jobColumns = `id, user_id, session_id, item_id, item_position, media_type, provider, prompt, status, external_reference, result_url, error_message, created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*models.GenerationJob, error) {
	var job models.GenerationJob
	err := row.Scan(
		&job.ID, &job.UserID, &job.SessionID, &job.ItemID, &job.ItemPosition,
		&job.MediaType, &job.Provider, &job.Prompt, &job.Status,
		&job.ExternalReference, &job.ResultURL, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobs inserts one pending row per job. Rows that already exist for the
// same (session_id, item_position) are left untouched. On a partial failure
// the rows created so far stay pending; no rollback is attempted.
func (d *DatabaseClient) CreateJobs(jobs []models.GenerationJob) (int, error) {
	created := 0
	for _, job := range jobs {
		res, err := d.db.Exec(`
			INSERT INTO generation_jobs (id, user_id, session_id, item_id, item_position, media_type, provider, prompt, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (session_id, item_position) DO NOTHING
		`, job.ID, job.UserID, job.SessionID, job.ItemID, job.ItemPosition,
			job.MediaType, job.Provider, job.Prompt, models.JobPending)
		if err != nil {
			return created, fmt.Errorf("failed to create job at position %d: %w", job.ItemPosition, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			created += int(n)
		}
	}
	return created, nil
}

func (d *DatabaseClient) GetSessionJobs(sessionID string) ([]models.GenerationJob, error) {
	rows, err := d.db.Query(`
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE session_id = $1
		ORDER BY item_position ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

func (d *DatabaseClient) GetJob(jobID uuid.UUID) (*models.GenerationJob, error) {
	job, err := scanJob(d.db.QueryRow(`
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE id = $1
	`, jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (d *DatabaseClient) GetJobByExternalReference(ref string) (*models.GenerationJob, error) {
	job, err := scanJob(d.db.QueryRow(`
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE external_reference = $1
	`, ref))
	if err != nil {
		return nil, fmt.Errorf("failed to get job by external reference: %w", err)
	}
	return job, nil
}

// GetOldestPending returns the next submission candidate, or nil when the
// session has no pending rows left.
func (d *DatabaseClient) GetOldestPending(sessionID string) (*models.GenerationJob, error) {
	job, err := scanJob(d.db.QueryRow(`
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE session_id = $1 AND status = $2
		ORDER BY item_position ASC
		LIMIT 1
	`, sessionID, models.JobPending))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oldest pending job: %w", err)
	}
	return job, nil
}

func (d *DatabaseClient) CountProcessing(sessionID string) (int, error) {
	var count int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM generation_jobs
		WHERE session_id = $1 AND status = $2
	`, sessionID, models.JobProcessing).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count processing jobs: %w", err)
	}
	return count, nil
}

func (d *DatabaseClient) GetProcessingJobs(sessionID string) ([]models.GenerationJob, error) {
	rows, err := d.db.Query(`
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE session_id = $1 AND status = $2 AND external_reference IS NOT NULL
		ORDER BY item_position ASC
	`, sessionID, models.JobProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

func (d *DatabaseClient) MarkProcessing(jobID uuid.UUID, externalRef string) error {
	_, err := d.db.Exec(`
		UPDATE generation_jobs
		SET status = $1, external_reference = $2, updated_at = NOW()
		WHERE id = $3
	`, models.JobProcessing, externalRef, jobID)
	return err
}

func (d *DatabaseClient) MarkCompleted(jobID uuid.UUID, resultURL string) error {
	_, err := d.db.Exec(`
		UPDATE generation_jobs
		SET status = $1, result_url = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $3
	`, models.JobCompleted, resultURL, jobID)
	return err
}

func (d *DatabaseClient) MarkFailed(jobID uuid.UUID, errorMsg string) error {
	_, err := d.db.Exec(`
		UPDATE generation_jobs
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`, models.JobFailed, errorMsg, jobID)
	return err
}

// ResetToPending is the explicit retry reset: only it may move a terminal row
// back to pending, clearing the error and the provider handle.
func (d *DatabaseClient) ResetToPending(jobID uuid.UUID) error {
	_, err := d.db.Exec(`
		UPDATE generation_jobs
		SET status = $1, error_message = NULL, external_reference = NULL, updated_at = NOW()
		WHERE id = $2
	`, models.JobPending, jobID)
	return err
}

func (d *DatabaseClient) DeleteSessionJobs(sessionID string) error {
	_, err := d.db.Exec(`
		DELETE FROM generation_jobs
		WHERE session_id = $1
	`, sessionID)
	return err
}

func (d *DatabaseClient) GetSessionSummary(sessionID string) (models.SessionSummary, error) {
	var s models.SessionSummary
	err := d.db.QueryRow(`
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 0),
		       COUNT(*) FILTER (WHERE status = 1),
		       COUNT(*) FILTER (WHERE status = 2),
		       COUNT(*) FILTER (WHERE status = 3)
		FROM generation_jobs
		WHERE session_id = $1
	`, sessionID).Scan(&s.Total, &s.Pending, &s.Processing, &s.Completed, &s.Failed)
	if err != nil {
		return s, fmt.Errorf("failed to get session summary: %w", err)
	}
	return s, nil
}

func (d *DatabaseClient) CreateNotification(userID uuid.UUID, ntype, title, message string, data map[string]interface{}) error {
	dataJSON, _ := json.Marshal(data)
	_, err := d.db.Exec(`
		INSERT INTO notifications (id, user_id, type, title, message, data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), userID, ntype, title, message, dataJSON)
	return err
}

// HasSessionNotification reports whether a notification of the given type has
// already been written for the session, so completion is announced once.
func (d *DatabaseClient) HasSessionNotification(userID uuid.UUID, ntype, sessionID string) (bool, error) {
	var count int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND type = $2 AND data->>'session_id' = $3
	`, userID, ntype, sessionID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check notification: %w", err)
	}
	return count > 0, nil
}

func (d *DatabaseClient) ListNotifications(userID uuid.UUID, limit int) ([]models.Notification, error) {
	rows, err := d.db.Query(`
		SELECT id, user_id, type, title, message, data, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Data, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

func (d *DatabaseClient) MarkNotificationRead(notificationID, userID uuid.UUID) error {
	_, err := d.db.Exec(`
		UPDATE notifications
		SET read = TRUE
		WHERE id = $1 AND user_id = $2
	`, notificationID, userID)
	return err
}

func (d *DatabaseClient) Close() error {
	return d.db.Close()
}
