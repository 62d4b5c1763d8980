package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediadl/internal/domain"
	"mediadl/internal/repository"
)

// EnqueueRequest carries the caller-supplied fields for a new download job.
type EnqueueRequest struct {
	MediaID      string
	MediaType    domain.MediaType
	Title        string
	Quality      string
	Priority     domain.Priority
	SourceURL    string
	DownloadPath string
}

// JobService owns the download job state machine. All writes to a job funnel
// through here; transfer workers report back via the Report* methods and user
// commands arrive via the rest. Transitions are compare-and-set against the
// persisted status, so a command racing a worker report can never produce a
// lost update.
type JobService interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*domain.DownloadJob, error)
	Get(ctx context.Context, id string) (*domain.DownloadJob, error)
	List(ctx context.Context, filter repository.JobFilter) ([]domain.DownloadJob, error)
	Stats(ctx context.Context) (domain.Stats, error)

	Pause(ctx context.Context, id string) (*domain.DownloadJob, error)
	// Resume returns the refreshed job plus whether the transfer must start
	// from scratch (retry after cancel discards partial data).
	Resume(ctx context.Context, id string) (*domain.DownloadJob, bool, error)
	Cancel(ctx context.Context, id string) (*domain.DownloadJob, error)
	Delete(ctx context.Context, id string) error
	UpdatePriority(ctx context.Context, id string, priority domain.Priority) (*domain.DownloadJob, error)

	// ClaimNextPending atomically picks the pending job first in dispatch
	// order and flips it to downloading. Returns (nil, nil) when nothing is
	// pending.
	ClaimNextPending(ctx context.Context) (*domain.DownloadJob, error)

	ReportProgress(ctx context.Context, id string, downloaded, fileSize, speed int64) error
	RecordDownloadPath(ctx context.Context, id string, path string) error
	ReportCompletion(ctx context.Context, id string, finalPath string) error
	ReportFailure(ctx context.Context, id string, reason string) error
	RecordArchiveLocation(ctx context.Context, id string, location string) error
}

type jobService struct {
	jobs     repository.JobRepository
	dataRoot string
}

func NewJobService(jobs repository.JobRepository, dataRoot string) JobService {
	return &jobService{
		jobs:     jobs,
		dataRoot: dataRoot,
	}
}

func (s *jobService) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.DownloadJob, error) {
	if strings.TrimSpace(req.MediaID) == "" {
		return nil, &domain.ValidationError{Field: "media_id", Reason: "required"}
	}
	if req.MediaType == "" {
		return nil, &domain.ValidationError{Field: "media_type", Reason: "required"}
	}
	if !domain.ValidMediaType(req.MediaType) {
		return nil, &domain.ValidationError{Field: "media_type", Reason: fmt.Sprintf("unknown value %q", req.MediaType)}
	}
	if strings.TrimSpace(req.SourceURL) == "" {
		return nil, &domain.ValidationError{Field: "source_url", Reason: "required"}
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	if !domain.ValidPriority(req.Priority) {
		return nil, &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown value %q", req.Priority)}
	}

	job := &domain.DownloadJob{
		ID:           uuid.NewString(),
		MediaID:      req.MediaID,
		MediaType:    req.MediaType,
		Title:        req.Title,
		Quality:      req.Quality,
		Priority:     req.Priority,
		SourceURL:    req.SourceURL,
		Status:       domain.JobStatusPending,
		DownloadPath: req.DownloadPath,
	}
	if job.DownloadPath == "" {
		job.DownloadPath = filepath.Join(s.dataRoot, fmt.Sprintf("job-%s", job.ID))
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *jobService) Get(ctx context.Context, id string) (*domain.DownloadJob, error) {
	return s.jobs.Get(ctx, id)
}

func (s *jobService) List(ctx context.Context, filter repository.JobFilter) ([]domain.DownloadJob, error) {
	return s.jobs.List(ctx, filter)
}

func (s *jobService) Stats(ctx context.Context) (domain.Stats, error) {
	jobs, err := s.jobs.List(ctx, repository.JobFilter{})
	if err != nil {
		return domain.Stats{}, err
	}
	return ComputeStats(jobs), nil
}

func (s *jobService) Pause(ctx context.Context, id string) (*domain.DownloadJob, error) {
	ok, err := s.jobs.TransitionStatus(ctx, id, domain.JobStatusPaused, domain.JobStatusDownloading)
	if err != nil {
		return nil, err
	}
	if !ok {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &domain.InvalidTransitionError{JobID: id, Status: job.Status, Op: "pause"}
	}
	return s.jobs.Get(ctx, id)
}

func (s *jobService) Resume(ctx context.Context, id string) (*domain.DownloadJob, bool, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	switch job.Status {
	case domain.JobStatusPaused, domain.JobStatusFailed, domain.JobStatusCancelled:
	default:
		return nil, false, &domain.InvalidTransitionError{JobID: id, Status: job.Status, Op: "resume"}
	}

	// Cancel discarded the partial data, so a retry starts over.
	restart := job.Status == domain.JobStatusCancelled

	ok, err := s.jobs.MarkDownloading(ctx, id, restart, job.Status)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// Lost a race with another command; report against what is there now.
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return nil, false, &domain.InvalidTransitionError{JobID: id, Status: job.Status, Op: "resume"}
	}

	job, err = s.jobs.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return job, restart, nil
}

func (s *jobService) Cancel(ctx context.Context, id string) (*domain.DownloadJob, error) {
	ok, err := s.jobs.TransitionStatus(ctx, id, domain.JobStatusCancelled,
		domain.JobStatusPending, domain.JobStatusDownloading, domain.JobStatusPaused)
	if err != nil {
		return nil, err
	}
	if !ok {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status == domain.JobStatusCancelled {
			// Repeated cancel is a no-op success.
			return job, nil
		}
		return nil, &domain.InvalidTransitionError{JobID: id, Status: job.Status, Op: "cancel"}
	}
	return s.jobs.Get(ctx, id)
}

func (s *jobService) Delete(ctx context.Context, id string) error {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return &domain.InvalidTransitionError{JobID: id, Status: job.Status, Op: "delete"}
	}
	return s.jobs.Delete(ctx, id)
}

func (s *jobService) UpdatePriority(ctx context.Context, id string, priority domain.Priority) (*domain.DownloadJob, error) {
	if !domain.ValidPriority(priority) {
		return nil, &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown value %q", priority)}
	}
	ok, err := s.jobs.UpdatePriority(ctx, id, priority)
	if err != nil {
		return nil, err
	}
	if !ok {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &domain.InvalidTransitionError{JobID: id, Status: job.Status, Op: "change priority of"}
	}
	return s.jobs.Get(ctx, id)
}

func (s *jobService) ClaimNextPending(ctx context.Context) (*domain.DownloadJob, error) {
	for {
		job, err := s.jobs.NextPending(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				return nil, nil
			}
			return nil, err
		}

		ok, err := s.jobs.MarkDownloading(ctx, job.ID, false, domain.JobStatusPending)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Someone moved the job between the read and the claim; pick
			// the next candidate.
			continue
		}
		return s.jobs.Get(ctx, job.ID)
	}
}

func (s *jobService) ReportProgress(ctx context.Context, id string, downloaded, fileSize, speed int64) error {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusDownloading {
		// Stale report from a worker that has since been paused or
		// cancelled; dropping it keeps the frozen counters intact.
		return nil
	}

	if fileSize <= 0 {
		fileSize = job.FileSize
	}
	if downloaded < 0 {
		downloaded = 0
	}
	if fileSize > 0 && downloaded > fileSize {
		downloaded = fileSize
	}

	if _, err := s.jobs.UpdateProgress(ctx, id, downloaded, fileSize, speed); err != nil {
		return err
	}
	return nil
}

// RecordDownloadPath pins the job to the local path a worker resolved the
// data to, so cancel and delete can reclaim it. Stale calls against a job no
// longer downloading are dropped.
func (s *jobService) RecordDownloadPath(ctx context.Context, id string, path string) error {
	if _, err := s.jobs.UpdateDownloadPath(ctx, id, path); err != nil {
		return err
	}
	return nil
}

func (s *jobService) ReportCompletion(ctx context.Context, id string, finalPath string) error {
	ok, err := s.jobs.MarkCompleted(ctx, id, finalPath, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			return err
		}
		return &domain.InvalidTransitionError{JobID: id, Status: job.Status, Op: "complete"}
	}
	return nil
}

func (s *jobService) ReportFailure(ctx context.Context, id string, reason string) error {
	ok, err := s.jobs.MarkFailed(ctx, id, reason)
	if err != nil {
		return err
	}
	if !ok {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			return err
		}
		return &domain.InvalidTransitionError{JobID: id, Status: job.Status, Op: "fail"}
	}
	return nil
}

func (s *jobService) RecordArchiveLocation(ctx context.Context, id string, location string) error {
	return s.jobs.UpdateArchiveLocation(ctx, id, location)
}
