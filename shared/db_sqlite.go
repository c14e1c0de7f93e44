package shared

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLiteDB implements DatabaseClient on a local SQLite file.
// Timestamps are stored as RFC3339 text, overlays as a JSON column.
type SQLiteDB struct {
	db  *sql.DB
	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS transcode_jobs (
	job_id            TEXT PRIMARY KEY,
	video_id          TEXT NOT NULL DEFAULT '',
	source_path       TEXT NOT NULL,
	overlays          TEXT NOT NULL DEFAULT '[]',
	status            TEXT NOT NULL,
	progress          INTEGER NOT NULL DEFAULT 0,
	output_path       TEXT NOT NULL DEFAULT '',
	download_endpoint TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	started_at        TEXT,
	completed_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_transcode_jobs_created ON transcode_jobs(created_at);
CREATE TABLE IF NOT EXISTS videos (
	video_id      TEXT PRIMARY KEY,
	filename      TEXT NOT NULL,
	original_name TEXT NOT NULL,
	path          TEXT NOT NULL,
	size          INTEGER NOT NULL,
	mime_type     TEXT NOT NULL,
	duration      REAL,
	width         INTEGER,
	height        INTEGER,
	created_at    TEXT NOT NULL
);
`

// NewSQLiteDB opens (or creates) the database file and ensures the schema exists
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single connection serializes writers; SQLite allows one at a time anyway
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	log.Printf("INFO: SQLite job store ready at %s", path)
	return &SQLiteDB{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func (s *SQLiteDB) CreateJob(job *Job) error {
	overlays, err := json.Marshal(job.Overlays)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
	INSERT INTO transcode_jobs
	(job_id, video_id, source_path, overlays, status, progress, output_path, download_endpoint, error,
	 created_at, updated_at, started_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.VideoID, job.SourcePath, string(overlays), string(job.Status), job.Progress,
		job.OutputPath, job.DownloadEndpoint, job.Error,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt), nullTime(job.StartedAt), nullTime(job.CompletedAt),
	)
	if isConstraintErr(err) {
		return jobExists(job.ID)
	}
	return err
}

const jobColumns = `job_id, video_id, source_path, overlays, status, progress, output_path, download_endpoint,
	error, created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                    Job
		overlays, status     string
		createdAt, updatedAt string
		startedAt, doneAt    sql.NullString
	)
	err := row.Scan(&j.ID, &j.VideoID, &j.SourcePath, &overlays, &status, &j.Progress, &j.OutputPath,
		&j.DownloadEndpoint, &j.Error, &createdAt, &updatedAt, &startedAt, &doneAt)
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	if err := json.Unmarshal([]byte(overlays), &j.Overlays); err != nil {
		return nil, fmt.Errorf("decode overlays of job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			j.StartedAt = &t
		}
	}
	if doneAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, doneAt.String); err == nil {
			j.CompletedAt = &t
		}
	}
	return &j, nil
}

func (s *SQLiteDB) GetJob(jobID string) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM transcode_jobs WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound(jobID)
	}
	return j, err
}

// UpdateJob runs one conditional UPDATE so the status guard and the write are a single statement
func (s *SQLiteDB) UpdateJob(jobID string, patch JobPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.Progress != nil {
		set("progress", ClampProgress(*patch.Progress))
	}
	if patch.OutputPath != nil {
		set("output_path", *patch.OutputPath)
	}
	if patch.DownloadEndpoint != nil {
		set("download_endpoint", *patch.DownloadEndpoint)
	}
	if patch.Error != nil {
		set("error", *patch.Error)
	}
	if patch.StartedAt != nil {
		set("started_at", formatTime(*patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		set("completed_at", formatTime(*patch.CompletedAt))
	}
	set("updated_at", formatTime(s.now()))

	allowed := patch.AllowedFrom()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(allowed)), ",")
	args = append(args, jobID)
	for _, st := range allowed {
		args = append(args, string(st))
	}
	query := fmt.Sprintf(`UPDATE transcode_jobs SET %s WHERE job_id = ? AND status IN (%s)`,
		strings.Join(sets, ", "), placeholders)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	var from string
	err = s.db.QueryRow(`SELECT status FROM transcode_jobs WHERE job_id = ?`, jobID).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return jobNotFound(jobID)
	}
	if err != nil {
		return err
	}
	return rejectedPatch(jobID, JobStatus(from), patch.CheckTransition(JobStatus(from)))
}

func (s *SQLiteDB) DeleteJob(jobID string) error {
	res, err := s.db.Exec(`DELETE FROM transcode_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobNotFound(jobID)
	}
	return nil
}

func (s *SQLiteDB) GetAllJobs() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM transcode_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			log.Printf("WARN: skipping unreadable job row: %v", err)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteDB) CreateVideo(v *Video) error {
	_, err := s.db.Exec(`
	INSERT INTO videos (video_id, filename, original_name, path, size, mime_type, duration, width, height, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Filename, v.OriginalName, v.Path, v.Size, v.MimeType, v.Duration, v.Width, v.Height, formatTime(v.CreatedAt))
	if isConstraintErr(err) {
		return videoExists(v.ID)
	}
	return err
}

func (s *SQLiteDB) GetVideo(videoID string) (*Video, error) {
	var (
		v         Video
		duration  sql.NullFloat64
		w, h      sql.NullInt64
		createdAt string
	)
	err := s.db.QueryRow(`
	SELECT video_id, filename, original_name, path, size, mime_type, duration, width, height, created_at
	FROM videos WHERE video_id = ?`, videoID).
		Scan(&v.ID, &v.Filename, &v.OriginalName, &v.Path, &v.Size, &v.MimeType, &duration, &w, &h, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, videoNotFound(videoID)
	}
	if err != nil {
		return nil, err
	}
	if duration.Valid {
		v.Duration = &duration.Float64
	}
	if w.Valid {
		v.Width = Ptr(int(w.Int64))
	}
	if h.Valid {
		v.Height = Ptr(int(h.Int64))
	}
	v.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	return &v, err
}

func (s *SQLiteDB) Close() error { return s.db.Close() }
