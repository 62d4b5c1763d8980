package repository

import (
	"context"
	"time"

	"mediadl/internal/domain"
)

// JobFilter narrows List results. Zero values match everything.
type JobFilter struct {
	Status    domain.JobStatus
	MediaType domain.MediaType
}

// JobRepository exposes persistence operations for DownloadJob records.
//
// Every status-changing method takes the set of statuses the job must
// currently be in; implementations apply the change only when the precondition
// holds and report whether a row was touched. This conditional write is the
// concurrency boundary between user commands and worker progress reports.
type JobRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, job *domain.DownloadJob) error
	Get(ctx context.Context, id string) (*domain.DownloadJob, error)
	List(ctx context.Context, filter JobFilter) ([]domain.DownloadJob, error)

	// NextPending returns the pending job first in dispatch order
	// (priority band descending, then creation time ascending), or
	// ErrJobNotFound when nothing is pending.
	NextPending(ctx context.Context) (*domain.DownloadJob, error)

	// TransitionStatus moves the job to a new status when its current
	// status is one of from. Clears the error message on every successful
	// transition. Returns (false, nil) when the precondition did not hold.
	TransitionStatus(ctx context.Context, id string, to domain.JobStatus, from ...domain.JobStatus) (bool, error)

	// MarkDownloading flips the job to downloading, stamping StartedAt the
	// first time it happens. resetCounters additionally zeroes the byte
	// counters (retry after cancel).
	MarkDownloading(ctx context.Context, id string, resetCounters bool, from ...domain.JobStatus) (bool, error)

	// UpdateProgress applies a worker progress report. Only jobs currently
	// downloading are touched; a stale report affects zero rows.
	UpdateProgress(ctx context.Context, id string, downloaded, fileSize, speed int64) (bool, error)

	// UpdateDownloadPath records where a worker resolved the local data to.
	// Same staleness rule as UpdateProgress.
	UpdateDownloadPath(ctx context.Context, id string, path string) (bool, error)

	// MarkCompleted finalizes a downloading job.
	MarkCompleted(ctx context.Context, id string, finalPath string, completedAt time.Time) (bool, error)

	// MarkFailed records a worker failure for a downloading or pending job.
	MarkFailed(ctx context.Context, id string, reason string) (bool, error)

	UpdatePriority(ctx context.Context, id string, priority domain.Priority) (bool, error)
	UpdateArchiveLocation(ctx context.Context, id string, location string) error
	Delete(ctx context.Context, id string) error
}
