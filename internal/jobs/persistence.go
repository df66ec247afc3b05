package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brainless/datastorer/internal/catalog"
)

// JobPersistence handles job data persistence to SQLite. Several processes
// may share the database: the queue command writes jobs that a running
// worker picks up.
type JobPersistence struct {
	db   *sql.DB
	path string
}

// NewJobPersistence opens jobs.db under storagePath.
func NewJobPersistence(storagePath string) (*JobPersistence, error) {
	if err := os.MkdirAll(storagePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	dbPath := filepath.Join(storagePath, "jobs.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("failed to open jobs database: %w", err)
	}

	persistence := &JobPersistence{
		db:   db,
		path: dbPath,
	}

	if err := persistence.initializeTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize job tables: %w", err)
	}

	return persistence, nil
}

// initializeTables creates the necessary database tables
func (jp *JobPersistence) initializeTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			start_time DATETIME,
			end_time DATETIME,
			next_run_at DATETIME,
			error_message TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			context TEXT NOT NULL DEFAULT '{}',
			payload TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS job_progress (
			job_id TEXT PRIMARY KEY,
			current_value INTEGER NOT NULL DEFAULT 0,
			total_value INTEGER NOT NULL DEFAULT 0,
			message TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			message TEXT,
			data TEXT DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS task_status (
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			task_type TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			last_updated TEXT NOT NULL,
			PRIMARY KEY (entity_id, task_type, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs (type)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_entity_id ON jobs (entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events (job_id)`,
	}

	for _, query := range queries {
		if _, err := jp.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}

func utc(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// SaveJob saves a job status to the database
func (jp *JobPersistence) SaveJob(status *JobStatus) error {
	query := `INSERT OR REPLACE INTO jobs
		(id, type, state, entity_id, description, created_at, start_time, end_time, next_run_at,
		 error_message, retry_count, max_retries, context, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`

	_, err := jp.db.Exec(query,
		status.ID,
		status.Type,
		string(status.State),
		status.EntityID,
		status.Description,
		status.CreatedAt.UTC(),
		utc(status.StartTime),
		utc(status.EndTime),
		utc(status.NextRunAt),
		status.ErrorMessage,
		status.RetryCount,
		status.MaxRetries,
		rawOrEmpty(status.Context),
		rawOrEmpty(status.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	// Save progress separately
	return jp.SaveProgress(status.ID, status.Progress)
}

// SaveProgress saves job progress information
func (jp *JobPersistence) SaveProgress(jobID string, progress JobProgress) error {
	query := `INSERT OR REPLACE INTO job_progress
		(job_id, current_value, total_value, message, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`

	if _, err := jp.db.Exec(query, jobID, progress.Current, progress.Total, progress.Message); err != nil {
		return fmt.Errorf("failed to save job progress: %w", err)
	}
	return nil
}

const selectJobs = `SELECT j.id, j.type, j.state, j.entity_id, j.description, j.created_at,
		j.start_time, j.end_time, j.next_run_at, j.error_message, j.retry_count, j.max_retries,
		j.context, j.payload,
		COALESCE(p.current_value, 0), COALESCE(p.total_value, 0), COALESCE(p.message, '')
		FROM jobs j
		LEFT JOIN job_progress p ON j.id = p.job_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobStatus, error) {
	var status JobStatus
	var state, contextJSON, payloadJSON string
	var start, end, next sql.NullTime

	err := row.Scan(
		&status.ID,
		&status.Type,
		&state,
		&status.EntityID,
		&status.Description,
		&status.CreatedAt,
		&start,
		&end,
		&next,
		&status.ErrorMessage,
		&status.RetryCount,
		&status.MaxRetries,
		&contextJSON,
		&payloadJSON,
		&status.Progress.Current,
		&status.Progress.Total,
		&status.Progress.Message,
	)
	if err != nil {
		return nil, err
	}

	status.State = JobState(state)
	status.Context = json.RawMessage(contextJSON)
	status.Payload = json.RawMessage(payloadJSON)
	if start.Valid {
		status.StartTime = &start.Time
	}
	if end.Valid {
		status.EndTime = &end.Time
	}
	if next.Valid {
		status.NextRunAt = &next.Time
	}
	return &status, nil
}

// LoadJob loads a job status from the database. A missing job returns nil.
func (jp *JobPersistence) LoadJob(jobID string) (*JobStatus, error) {
	status, err := scanJob(jp.db.QueryRow(selectJobs+" WHERE j.id = ?", jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return status, nil
}

// ListJobs loads jobs matching the given filter, newest first
func (jp *JobPersistence) ListJobs(filter JobFilter) ([]*JobStatus, error) {
	query := selectJobs

	var conditions []string
	var args []any

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, state := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(state))
		}
		conditions = append(conditions, fmt.Sprintf("j.state IN (%s)", strings.Join(placeholders, ", ")))
	}

	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, jobType := range filter.Types {
			placeholders[i] = "?"
			args = append(args, jobType)
		}
		conditions = append(conditions, fmt.Sprintf("j.type IN (%s)", strings.Join(placeholders, ", ")))
	}

	if filter.EntityID != "" {
		conditions = append(conditions, "j.entity_id = ?")
		args = append(args, filter.EntityID)
	}

	if filter.CreatedAfter != nil {
		conditions = append(conditions, "j.created_at >= ?")
		args = append(args, filter.CreatedAfter.UTC())
	}

	if filter.CreatedBefore != nil {
		conditions = append(conditions, "j.created_at <= ?")
		args = append(args, filter.CreatedBefore.UTC())
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY j.created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := jp.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*JobStatus
	for rows.Next() {
		status, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, status)
	}

	return jobs, rows.Err()
}

// DeleteJob removes a job and its associated data
func (jp *JobPersistence) DeleteJob(jobID string) error {
	for _, query := range []string{
		"DELETE FROM job_events WHERE job_id = ?",
		"DELETE FROM job_progress WHERE job_id = ?",
		"DELETE FROM jobs WHERE id = ?",
	} {
		if _, err := jp.db.Exec(query, jobID); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
	}
	return nil
}

// SaveEvent saves a job event to the database
func (jp *JobPersistence) SaveEvent(event JobEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	query := `INSERT INTO job_events (job_id, event_type, timestamp, message, data)
		VALUES (?, ?, ?, ?, ?)`

	if _, err := jp.db.Exec(query, event.JobID, event.EventType, event.Timestamp.UTC(), event.Message, string(dataJSON)); err != nil {
		return fmt.Errorf("failed to save job event: %w", err)
	}
	return nil
}

// LoadEvents loads events for a specific job
func (jp *JobPersistence) LoadEvents(jobID string) ([]JobEvent, error) {
	query := `SELECT job_id, event_type, timestamp, message, data
		FROM job_events
		WHERE job_id = ?
		ORDER BY id ASC`

	rows, err := jp.db.Query(query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query job events: %w", err)
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var event JobEvent
		var dataJSON string

		if err := rows.Scan(&event.JobID, &event.EventType, &event.Timestamp, &event.Message, &dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if err := json.Unmarshal([]byte(dataJSON), &event.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// SaveTaskStatus writes the local copy of a task status record.
func (jp *JobPersistence) SaveTaskStatus(status catalog.TaskStatus) error {
	query := `INSERT OR REPLACE INTO task_status
		(entity_id, entity_type, task_type, key, value, state, error, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := jp.db.Exec(query,
		status.EntityID,
		status.EntityType,
		status.TaskType,
		status.Key,
		status.Value,
		status.State,
		status.Error,
		status.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to save task status: %w", err)
	}
	return nil
}

// LoadTaskStatus reads a task status record; missing returns nil.
func (jp *JobPersistence) LoadTaskStatus(entityID, taskType, key string) (*catalog.TaskStatus, error) {
	query := `SELECT entity_id, entity_type, task_type, key, value, state, error, last_updated
		FROM task_status WHERE entity_id = ? AND task_type = ? AND key = ?`

	var status catalog.TaskStatus
	err := jp.db.QueryRow(query, entityID, taskType, key).Scan(
		&status.EntityID,
		&status.EntityType,
		&status.TaskType,
		&status.Key,
		&status.Value,
		&status.State,
		&status.Error,
		&status.LastUpdated,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load task status: %w", err)
	}
	return &status, nil
}

// GetStats returns job counts from the database
func (jp *JobPersistence) GetStats() (ManagerStats, error) {
	var stats ManagerStats
	stats.JobsByType = make(map[string]int)
	stats.JobsByState = make(map[JobState]int)

	rows, err := jp.db.Query("SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return stats, fmt.Errorf("failed to get state statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, fmt.Errorf("failed to scan state stats: %w", err)
		}
		stats.JobsByState[JobState(state)] = count
		stats.TotalJobs += count

		switch JobState(state) {
		case JobStateQueued:
			stats.QueuedJobs = count
		case JobStateRunning:
			stats.RunningJobs = count
		case JobStateCompleted:
			stats.CompletedJobs = count
		case JobStateFailed:
			stats.FailedJobs = count
		}
	}
	stats.ActiveJobs = stats.QueuedJobs + stats.RunningJobs

	typeRows, err := jp.db.Query("SELECT type, COUNT(*) FROM jobs GROUP BY type")
	if err != nil {
		return stats, fmt.Errorf("failed to get type statistics: %w", err)
	}
	defer typeRows.Close()

	for typeRows.Next() {
		var jobType string
		var count int
		if err := typeRows.Scan(&jobType, &count); err != nil {
			return stats, fmt.Errorf("failed to scan type stats: %w", err)
		}
		stats.JobsByType[jobType] = count
	}

	return stats, nil
}

// Close closes the database connection
func (jp *JobPersistence) Close() error {
	return jp.db.Close()
}
