package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mediadl/internal/domain"
	"mediadl/internal/repository"
	"mediadl/internal/service"
	"mediadl/internal/storage"
)

// Manager dispatches pending jobs to transfer workers and relays user
// commands to the running fetch. State transitions themselves live in the job
// service; the manager only decides when a worker runs and when it is told to
// stop.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Notify()
	Pause(ctx context.Context, id string) (*domain.DownloadJob, error)
	Resume(ctx context.Context, id string) (*domain.DownloadJob, error)
	Cancel(ctx context.Context, id string) (*domain.DownloadJob, error)
	Discard(job domain.DownloadJob) error
}

type Config struct {
	DataRoot         string
	MaxConcurrent    int
	DispatchInterval time.Duration
	ArchiveBucket    string
	ArchivePrefix    string
	Logger           *logrus.Logger
}

type manager struct {
	cfg      Config
	jobs     service.JobService
	fetchers map[string]Fetcher
	storage  storage.Service

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	mu     sync.Mutex
	active map[string]*jobHandle
}

type jobHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, jobs service.JobService, fetchers map[string]Fetcher, store storage.Service) Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &manager{
		cfg:      cfg,
		jobs:     jobs,
		fetchers: fetchers,
		storage:  store,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		wake:     make(chan struct{}, 1),
		active:   make(map[string]*jobHandle),
	}
}

func (m *manager) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.DataRoot, 0o755); err != nil {
		return fmt.Errorf("create data root: %w", err)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.recover(); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.dispatchLoop()

	m.cfg.Logger.Infof("download manager started, data root: %s", m.cfg.DataRoot)
	return nil
}

// recover re-spawns jobs that were mid-transfer when the previous process
// stopped. They are still marked downloading, so they bypass the pending
// queue the same way a resume does.
func (m *manager) recover() error {
	jobs, err := m.jobs.List(m.ctx, repository.JobFilter{Status: domain.JobStatusDownloading})
	if err != nil {
		return fmt.Errorf("list interrupted jobs: %w", err)
	}
	for i := range jobs {
		m.cfg.Logger.WithField("job_id", jobs[i].ID).Info("recovering interrupted download")
		m.spawn(jobs[i], false, false)
	}
	return nil
}

func (m *manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	for _, f := range m.fetchers {
		if closer, ok := f.(io.Closer); ok {
			_ = closer.Close()
		}
	}
	m.cfg.Logger.Info("download manager stopped")
}

// Notify pokes the dispatcher after new pending work was enqueued.
func (m *manager) Notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *manager) dispatchLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		m.dispatchPending()
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		case <-ticker.C:
		}
	}
}

// dispatchPending fills free worker slots with pending jobs in dispatch
// order. Claiming flips a job to downloading before its goroutine starts, so
// two loops can never pick the same job.
func (m *manager) dispatchPending() {
	for {
		select {
		case m.sem <- struct{}{}:
		default:
			return
		}

		job, err := m.jobs.ClaimNextPending(m.ctx)
		if err != nil {
			<-m.sem
			if m.ctx.Err() == nil {
				m.cfg.Logger.Errorf("claim pending job: %v", err)
			}
			return
		}
		if job == nil {
			<-m.sem
			return
		}
		m.spawn(*job, false, true)
	}
}

func (m *manager) Pause(ctx context.Context, id string) (*domain.DownloadJob, error) {
	job, err := m.jobs.Pause(ctx, id)
	if err != nil {
		return nil, err
	}
	m.stopHandle(id)
	return job, nil
}

func (m *manager) Resume(ctx context.Context, id string) (*domain.DownloadJob, error) {
	job, restart, err := m.jobs.Resume(ctx, id)
	if err != nil {
		return nil, err
	}
	m.spawn(*job, restart, false)
	return job, nil
}

func (m *manager) Cancel(ctx context.Context, id string) (*domain.DownloadJob, error) {
	job, err := m.jobs.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}

	if handle, ok := m.stopHandle(id); ok {
		select {
		case <-handle.done:
		case <-ctx.Done():
			return job, ctx.Err()
		}
	}

	// Cancel discards partial data; a later resume starts from scratch.
	if err := m.discardLocal(*job); err != nil {
		m.cfg.Logger.WithField("job_id", id).Warnf("discard partial data: %v", err)
	}
	return job, nil
}

// Discard removes any local data left for the job, used when a terminal job
// is deleted. The caller passes the job by value because the record may
// already be gone.
func (m *manager) Discard(job domain.DownloadJob) error {
	return m.discardLocal(job)
}

func (m *manager) discardLocal(job domain.DownloadJob) error {
	fetcher, err := m.fetcherFor(job.SourceURL)
	if err != nil {
		return err
	}
	return fetcher.Discard(fetchJob(job, false))
}

func (m *manager) stopHandle(id string) (*jobHandle, bool) {
	m.mu.Lock()
	handle, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		handle.cancel()
	}
	return handle, ok
}

func (m *manager) fetcherFor(sourceURL string) (Fetcher, error) {
	scheme, err := schemeOf(sourceURL)
	if err != nil {
		return nil, err
	}
	fetcher, ok := m.fetchers[scheme]
	if ok {
		return fetcher, nil
	}
	return nil, fmt.Errorf("no fetcher for scheme %q", scheme)
}

// spawn runs the transfer for a job that is already marked downloading.
// slotHeld means the caller has already taken a semaphore slot.
func (m *manager) spawn(job domain.DownloadJob, restart, slotHeld bool) {
	jobCtx, cancel := context.WithCancel(m.ctx)
	handle := &jobHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.active[job.ID] = handle
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			// A resume may have installed a fresh handle while this worker
			// was winding down; only remove our own.
			if m.active[job.ID] == handle {
				delete(m.active, job.ID)
			}
			m.mu.Unlock()
			close(handle.done)
		}()

		if !slotHeld {
			select {
			case <-jobCtx.Done():
				return
			case m.sem <- struct{}{}:
			}
		}
		defer func() { <-m.sem }()

		m.runTransfer(jobCtx, job, restart)
	}()
}

func (m *manager) runTransfer(ctx context.Context, job domain.DownloadJob, restart bool) {
	logger := m.cfg.Logger.WithField("job_id", job.ID)

	fetcher, err := m.fetcherFor(job.SourceURL)
	if err != nil {
		m.reportFailure(job.ID, err)
		return
	}

	fj := fetchJob(job, restart)
	if restart {
		if err := fetcher.Discard(fj); err != nil {
			logger.Warnf("discard stale partial data: %v", err)
		}
		fj.DownloadedSize = 0
	}

	logger.Infof("transfer started (%s, %s)", job.MediaType, job.Quality)

	finalPath, err := fetcher.Fetch(ctx, fj, m.jobs)
	if err != nil {
		if ctx.Err() != nil {
			// Paused, cancelled, or shutting down. The command that
			// stopped us already persisted the new status.
			logger.Info("transfer interrupted")
			return
		}
		m.reportFailure(job.ID, err)
		return
	}

	if err := m.jobs.ReportCompletion(m.ctx, job.ID, finalPath); err != nil {
		logger.Errorf("record completion: %v", err)
		return
	}
	logger.Infof("transfer completed: %s", finalPath)

	m.archive(job.ID, finalPath, logger)
}

// archive uploads finished data to object storage when a bucket is
// configured. The job is already terminal; an archive failure is logged, not
// recorded as a job failure.
func (m *manager) archive(jobID, localPath string, logger *logrus.Entry) {
	if m.storage == nil || m.cfg.ArchiveBucket == "" {
		return
	}

	opts := storage.UploadOptions{
		Bucket:    m.cfg.ArchiveBucket,
		KeyPrefix: archiveKeyPrefix(m.cfg.ArchivePrefix, jobID),
	}

	logger.Infof("archive started from %s", localPath)
	location, err := m.storage.UploadPath(m.ctx, localPath, opts)
	if err != nil {
		logger.Errorf("archive upload: %v", err)
		return
	}
	if err := m.jobs.RecordArchiveLocation(m.ctx, jobID, location); err != nil {
		logger.Errorf("record archive location: %v", err)
		return
	}
	logger.Infof("archived to %s", location)
}

func (m *manager) reportFailure(jobID string, failErr error) {
	logger := m.cfg.Logger.WithField("job_id", jobID)
	if err := m.jobs.ReportFailure(m.ctx, jobID, failErr.Error()); err != nil {
		logger.Errorf("persist failure: %v", err)
	}
	logger.Errorf("transfer failed: %v", failErr)
}

func fetchJob(job domain.DownloadJob, restart bool) FetchJob {
	return FetchJob{
		ID:             job.ID,
		SourceURL:      job.SourceURL,
		DownloadPath:   job.DownloadPath,
		DownloadedSize: job.DownloadedSize,
		Restart:        restart,
	}
}

func archiveKeyPrefix(prefix, jobID string) string {
	if prefix == "" {
		return fmt.Sprintf("jobs/%s", jobID)
	}
	return fmt.Sprintf("%s/jobs/%s", prefix, jobID)
}

var _ Manager = (*manager)(nil)
