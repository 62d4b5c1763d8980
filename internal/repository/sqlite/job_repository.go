package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediadl/internal/domain"
	"mediadl/internal/repository"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS download_jobs (
	id TEXT PRIMARY KEY,
	media_id TEXT NOT NULL,
	media_type TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	quality TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'normal',
	source_url TEXT NOT NULL,
	file_size INTEGER NOT NULL DEFAULT 0,
	downloaded_size INTEGER NOT NULL DEFAULT 0,
	speed INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	download_path TEXT NOT NULL DEFAULT '',
	archive_location TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	started_at DATETIME NULL,
	completed_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_download_jobs_status ON download_jobs(status);
`

const jobColumns = `id, media_id, media_type, title, quality, priority, source_url, file_size, downloaded_size, speed, status, download_path, archive_location, error_message, created_at, updated_at, started_at, completed_at`

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) repository.JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createJobsTable); err != nil {
		return fmt.Errorf("create download_jobs table: %w", err)
	}
	return r.ensureJobColumns(ctx)
}

func (r *JobRepository) ensureJobColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(download_jobs)`)
	if err != nil {
		return fmt.Errorf("describe download_jobs table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	if _, exists := columns["archive_location"]; !exists {
		if _, err := r.db.ExecContext(ctx, `ALTER TABLE download_jobs ADD COLUMN archive_location TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add column archive_location: %w", err)
		}
	}
	return nil
}

func (r *JobRepository) Create(ctx context.Context, job *domain.DownloadJob) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO download_jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.MediaID,
		string(job.MediaType),
		job.Title,
		job.Quality,
		string(job.Priority),
		job.SourceURL,
		job.FileSize,
		job.DownloadedSize,
		job.Speed,
		string(job.Status),
		job.DownloadPath,
		job.ArchiveLocation,
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*domain.DownloadJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM download_jobs
WHERE id=?`, id)
	return scanJob(row)
}

func (r *JobRepository) List(ctx context.Context, filter repository.JobFilter) ([]domain.DownloadJob, error) {
	query := `SELECT ` + jobColumns + ` FROM download_jobs`
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(filter.Status))
	}
	if filter.MediaType != "" {
		clauses = append(clauses, "media_type=?")
		args = append(args, string(filter.MediaType))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.DownloadJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) NextPending(ctx context.Context) (*domain.DownloadJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM download_jobs
WHERE status=?
ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END ASC, created_at ASC, id ASC
LIMIT 1`, string(domain.JobStatusPending))
	return scanJob(row)
}

func (r *JobRepository) TransitionStatus(ctx context.Context, id string, to domain.JobStatus, from ...domain.JobStatus) (bool, error) {
	placeholders, args := statusArgs(from)
	args = append([]any{string(to), time.Now().UTC(), id}, args...)

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE download_jobs
SET status=?, error_message='', updated_at=?
WHERE id=? AND status IN (%s)`, placeholders), args...)
	if err != nil {
		return false, fmt.Errorf("transition job status: %w", err)
	}
	return oneRow(res)
}

func (r *JobRepository) MarkDownloading(ctx context.Context, id string, resetCounters bool, from ...domain.JobStatus) (bool, error) {
	placeholders, statusIn := statusArgs(from)
	now := time.Now().UTC()

	reset := ""
	if resetCounters {
		reset = ", downloaded_size=0, file_size=0, speed=0"
	}
	args := append([]any{now, now, id}, statusIn...)

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE download_jobs
SET status='downloading', error_message='', speed=0, updated_at=?,
	started_at=COALESCE(started_at, ?)%s
WHERE id=? AND status IN (%s)`, reset, placeholders), args...)
	if err != nil {
		return false, fmt.Errorf("mark job downloading: %w", err)
	}
	return oneRow(res)
}

func (r *JobRepository) UpdateProgress(ctx context.Context, id string, downloaded, fileSize, speed int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE download_jobs
SET downloaded_size=?, file_size=?, speed=?, updated_at=?
WHERE id=? AND status=?`,
		downloaded,
		fileSize,
		speed,
		time.Now().UTC(),
		id,
		string(domain.JobStatusDownloading),
	)
	if err != nil {
		return false, fmt.Errorf("update job progress: %w", err)
	}
	return oneRow(res)
}

func (r *JobRepository) UpdateDownloadPath(ctx context.Context, id string, path string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE download_jobs
SET download_path=?, updated_at=?
WHERE id=? AND status=?`,
		path,
		time.Now().UTC(),
		id,
		string(domain.JobStatusDownloading),
	)
	if err != nil {
		return false, fmt.Errorf("update job download path: %w", err)
	}
	return oneRow(res)
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id string, finalPath string, completedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE download_jobs
SET status=?, download_path=?,
	file_size=MAX(file_size, downloaded_size),
	downloaded_size=MAX(file_size, downloaded_size),
	speed=0, error_message='', completed_at=?, updated_at=?
WHERE id=? AND status=?`,
		string(domain.JobStatusCompleted),
		finalPath,
		completedAt.UTC(),
		time.Now().UTC(),
		id,
		string(domain.JobStatusDownloading),
	)
	if err != nil {
		return false, fmt.Errorf("mark job completed: %w", err)
	}
	return oneRow(res)
}

func (r *JobRepository) MarkFailed(ctx context.Context, id string, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE download_jobs
SET status=?, error_message=?, speed=0, updated_at=?
WHERE id=? AND status IN (?, ?)`,
		string(domain.JobStatusFailed),
		reason,
		time.Now().UTC(),
		id,
		string(domain.JobStatusDownloading),
		string(domain.JobStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark job failed: %w", err)
	}
	return oneRow(res)
}

func (r *JobRepository) UpdatePriority(ctx context.Context, id string, priority domain.Priority) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE download_jobs
SET priority=?, updated_at=?
WHERE id=? AND status=?`,
		string(priority),
		time.Now().UTC(),
		id,
		string(domain.JobStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("update job priority: %w", err)
	}
	return oneRow(res)
}

func (r *JobRepository) UpdateArchiveLocation(ctx context.Context, id string, location string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE download_jobs
SET archive_location=?, updated_at=?
WHERE id=?`,
		location,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update archive location: %w", err)
	}
	return nil
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM download_jobs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job delete rows affected: %w", err)
	}
	if aff == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func statusArgs(statuses []domain.JobStatus) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	return strings.Join(placeholders, ","), args
}

func oneRow(res sql.Result) (bool, error) {
	aff, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return aff > 0, nil
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*domain.DownloadJob, error) {
	var (
		job         domain.DownloadJob
		mediaType   string
		priority    string
		status      string
		createdAt   time.Time
		updatedAt   time.Time
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&job.ID,
		&job.MediaID,
		&mediaType,
		&job.Title,
		&job.Quality,
		&priority,
		&job.SourceURL,
		&job.FileSize,
		&job.DownloadedSize,
		&job.Speed,
		&status,
		&job.DownloadPath,
		&job.ArchiveLocation,
		&job.ErrorMessage,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.MediaType = domain.MediaType(mediaType)
	job.Priority = domain.Priority(priority)
	job.Status = domain.JobStatus(status)
	job.CreatedAt = createdAt.Local()
	job.UpdatedAt = updatedAt.Local()
	if startedAt.Valid {
		t := startedAt.Time.Local()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.Local()
		job.CompletedAt = &t
	}
	return &job, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
