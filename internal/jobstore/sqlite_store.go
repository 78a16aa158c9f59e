// Package jobstore persists heatmap job state using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/slidemap/server/internal/heatmap"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a heatmap job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Mode selects how in-region tiles are labeled.
type Mode string

const (
	ModeTruth   Mode = "truth"
	ModePredict Mode = "predict"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTruth, ModePredict:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (want truth or predict)", s)
}

// JobParams contains the parameters of a heatmap job.
type JobParams struct {
	SlideID string `json:"slide_id"`
	Mode    Mode   `json:"mode"`
	Level   int    `json:"level"`
}

// JobProgress counts completed rows.
type JobProgress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Job represents one heatmap run.
type Job struct {
	ID         string         `json:"job_id"`
	SlideID    string         `json:"slide_id"`
	Status     JobStatus      `json:"status"`
	Params     JobParams      `json:"params"`
	Progress   JobProgress    `json:"progress"`
	Stats      *heatmap.Stats `json:"stats,omitempty"`
	ResultPath string         `json:"result_path,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Store provides persistent storage for heatmap jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based job store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS heatmap_jobs (
		job_id TEXT PRIMARY KEY,
		slide_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		rows_done INTEGER DEFAULT 0,
		rows_total INTEGER DEFAULT 0,
		stats_json TEXT DEFAULT '',
		result_path TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_heatmap_jobs_slide ON heatmap_jobs(slide_id);
	CREATE INDEX IF NOT EXISTS idx_heatmap_jobs_status ON heatmap_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_heatmap_jobs_finished ON heatmap_jobs(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, slide_id, status, params_json, rows_done, rows_total, stats_json, result_path, error, created_at, started_at, finished_at`

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO heatmap_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.SlideID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Done,
		job.Progress.Total,
		"",
		job.ResultPath,
		job.Error,
		job.CreatedAt.UTC().Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. It returns nil, nil for unknown IDs.
func (s *Store) GetJob(jobID string) (*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM heatmap_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := s.scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE heatmap_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the completed row count. Rows finish out of
// order across workers, so the stored count never decreases.
func (s *Store) UpdateJobProgress(jobID string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE heatmap_jobs SET rows_done = MAX(rows_done, ?), rows_total = ?
		WHERE job_id = ?
	`, done, total, jobID)
	return err
}

// UpdateJobResult stores the statistics and result location of a run.
func (s *Store) UpdateJobResult(jobID string, stats *heatmap.Stats, resultPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	statsJSON := ""
	if stats != nil {
		b, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("failed to marshal stats: %w", err)
		}
		statsJSON = string(b)
	}
	_, err := s.db.Exec(`
		UPDATE heatmap_jobs SET stats_json = ?, result_path = ?
		WHERE job_id = ?
	`, statsJSON, resultPath, jobID)
	return err
}

// UpdateJobStatus updates the job status and error message. Terminal
// statuses also set finished_at.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Finished() {
		t := time.Now().UTC().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE heatmap_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// ListJobs returns the jobs of a slide, newest first. An empty slideID
// lists every job.
func (s *Store) ListJobs(slideID string) ([]*Job, error) {
	var rows *sql.Rows
	var err error
	if slideID == "" {
		rows, err = s.db.Query(`SELECT ` + jobColumns + ` FROM heatmap_jobs ORDER BY created_at DESC, rowid DESC`)
	} else {
		rows, err = s.db.Query(`SELECT `+jobColumns+` FROM heatmap_jobs WHERE slide_id = ? ORDER BY created_at DESC, rowid DESC`, slideID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM heatmap_jobs WHERE status = ?
		ORDER BY created_at ASC, rowid ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE heatmap_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays and
// returns their result paths so the caller can remove the files.
func (s *Store) DeleteExpiredJobs(retentionDays int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	rows, err := s.db.Query(`
		SELECT result_path FROM heatmap_jobs
		WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		if p != "" {
			paths = append(paths, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		DELETE FROM heatmap_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// DeleteJob deletes a job record.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM heatmap_jobs WHERE job_id = ?", jobID)
	return err
}

func (s *Store) scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var paramsJSON, statsJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.SlideID,
			&job.Status,
			&paramsJSON,
			&job.Progress.Done,
			&job.Progress.Total,
			&statsJSON,
			&job.ResultPath,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
		if statsJSON != "" {
			job.Stats = &heatmap.Stats{}
			if err := json.Unmarshal([]byte(statsJSON), job.Stats); err != nil {
				return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
			}
		}

		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			job.FinishedAt = &t
		}

		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
