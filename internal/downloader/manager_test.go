package downloader

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediadl/internal/domain"
	"mediadl/internal/repository/sqlite"
	"mediadl/internal/service"
)

// fakeFetcher records the order jobs reach it and finishes, blocks, or fails
// on demand.
type fakeFetcher struct {
	mu        sync.Mutex
	order     []string
	discarded []string

	block   bool
	failErr error
}

func (f *fakeFetcher) Fetch(ctx context.Context, job FetchJob, sink ProgressSink) (string, error) {
	f.mu.Lock()
	f.order = append(f.order, job.ID)
	block := f.block
	failErr := f.failErr
	f.mu.Unlock()

	if failErr != nil {
		return "", failErr
	}
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}

	_ = sink.ReportProgress(ctx, job.ID, 100, 100, 50)
	return filepath.Join("/data", job.ID), nil
}

func (f *fakeFetcher) Discard(job FetchJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, job.ID)
	return nil
}

func (f *fakeFetcher) fetchOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeFetcher) discardedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.discarded...)
}

func newTestManager(t *testing.T, fetcher Fetcher, maxConcurrent int) (Manager, service.JobService) {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewJobRepository(db)
	require.NoError(t, repo.Init(context.Background()))
	svc := service.NewJobService(repo, t.TempDir())

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	mgr := NewManager(Config{
		MaxConcurrent:    maxConcurrent,
		DispatchInterval: 20 * time.Millisecond,
		DataRoot:         t.TempDir(),
		Logger:           logger,
	}, svc, map[string]Fetcher{"https": fetcher}, nil)

	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Shutdown)
	return mgr, svc
}

func enqueue(t *testing.T, svc service.JobService, priority domain.Priority) *domain.DownloadJob {
	t.Helper()
	job, err := svc.Enqueue(context.Background(), service.EnqueueRequest{
		MediaID:   "media-1",
		MediaType: domain.MediaTypeEpisode,
		Priority:  priority,
		SourceURL: "https://cdn.example.com/file.mkv",
	})
	require.NoError(t, err)
	return job
}

func waitForStatus(t *testing.T, svc service.JobService, id string, status domain.JobStatus) *domain.DownloadJob {
	t.Helper()
	var job *domain.DownloadJob
	require.Eventually(t, func() bool {
		var err error
		job, err = svc.Get(context.Background(), id)
		return err == nil && job.Status == status
	}, 3*time.Second, 10*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

func TestDispatchOrderAndCompletion(t *testing.T) {
	fetcher := &fakeFetcher{}
	mgr, svc := newTestManager(t, fetcher, 1)

	normal := enqueue(t, svc, domain.PriorityNormal)
	high := enqueue(t, svc, domain.PriorityHigh)
	mgr.Notify()

	waitForStatus(t, svc, normal.ID, domain.JobStatusCompleted)
	waitForStatus(t, svc, high.ID, domain.JobStatusCompleted)

	order := fetcher.fetchOrder()
	require.Len(t, order, 2)
	assert.Equal(t, high.ID, order[0], "high priority dispatches before an older normal job")
	assert.Equal(t, normal.ID, order[1])

	done, err := svc.Get(context.Background(), high.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", high.ID), done.DownloadPath)
	assert.EqualValues(t, 100, done.DownloadedSize)
}

func TestPauseStopsRunningTransfer(t *testing.T) {
	fetcher := &fakeFetcher{block: true}
	mgr, svc := newTestManager(t, fetcher, 1)

	job := enqueue(t, svc, domain.PriorityNormal)
	mgr.Notify()
	waitForStatus(t, svc, job.ID, domain.JobStatusDownloading)

	paused, err := mgr.Pause(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaused, paused.Status)

	// The interrupted worker must not flip the job back.
	time.Sleep(50 * time.Millisecond)
	got, err := svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaused, got.Status)
}

func TestCancelDiscardsPartialData(t *testing.T) {
	fetcher := &fakeFetcher{block: true}
	mgr, svc := newTestManager(t, fetcher, 1)

	job := enqueue(t, svc, domain.PriorityNormal)
	mgr.Notify()
	waitForStatus(t, svc, job.ID, domain.JobStatusDownloading)

	cancelled, err := mgr.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)
	assert.Contains(t, fetcher.discardedJobs(), job.ID)
}

func TestWorkerFailureMarksJobFailed(t *testing.T) {
	fetcher := &fakeFetcher{failErr: errors.New("connection reset")}
	mgr, svc := newTestManager(t, fetcher, 1)

	job := enqueue(t, svc, domain.PriorityNormal)
	mgr.Notify()

	failed := waitForStatus(t, svc, job.ID, domain.JobStatusFailed)
	assert.Equal(t, "connection reset", failed.ErrorMessage)
}

func TestResumeRerunsTransfer(t *testing.T) {
	fetcher := &fakeFetcher{block: true}
	mgr, svc := newTestManager(t, fetcher, 1)

	job := enqueue(t, svc, domain.PriorityNormal)
	mgr.Notify()
	waitForStatus(t, svc, job.ID, domain.JobStatusDownloading)

	_, err := mgr.Pause(context.Background(), job.ID)
	require.NoError(t, err)
	waitForStatus(t, svc, job.ID, domain.JobStatusPaused)

	fetcher.mu.Lock()
	fetcher.block = false
	fetcher.mu.Unlock()

	resumed, err := mgr.Resume(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDownloading, resumed.Status)

	waitForStatus(t, svc, job.ID, domain.JobStatusCompleted)
	assert.Len(t, fetcher.fetchOrder(), 2, "resume runs the fetcher again")
}

// stubbornFetcher never reacts to cancellation on its own; each transfer
// blocks until the test releases it, so worker teardown order is under test
// control.
type stubbornFetcher struct {
	mu    sync.Mutex
	calls []stubbornCall
}

type stubbornCall struct {
	ctx     context.Context
	release chan struct{}
	exited  chan struct{}
}

func (f *stubbornFetcher) Fetch(ctx context.Context, job FetchJob, sink ProgressSink) (string, error) {
	call := stubbornCall{ctx: ctx, release: make(chan struct{}), exited: make(chan struct{})}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	defer close(call.exited)
	<-call.release
	return "", ctx.Err()
}

func (f *stubbornFetcher) Discard(job FetchJob) error { return nil }

func (f *stubbornFetcher) call(t *testing.T, i int) stubbornCall {
	t.Helper()
	var call stubbornCall
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.calls) <= i {
			return false
		}
		call = f.calls[i]
		return true
	}, 3*time.Second, 10*time.Millisecond, "transfer %d never started", i)
	return call
}

func TestPauseAfterQuickResume(t *testing.T) {
	fetcher := &stubbornFetcher{}
	mgr, svc := newTestManager(t, fetcher, 2)

	job := enqueue(t, svc, domain.PriorityNormal)
	mgr.Notify()
	waitForStatus(t, svc, job.ID, domain.JobStatusDownloading)
	first := fetcher.call(t, 0)

	_, err := mgr.Pause(context.Background(), job.ID)
	require.NoError(t, err)
	require.Error(t, first.ctx.Err(), "pause cancels the running transfer")

	// Resume before the paused worker has finished winding down.
	_, err = mgr.Resume(context.Background(), job.ID)
	require.NoError(t, err)
	second := fetcher.call(t, 1)

	// Now let the old worker exit and run its cleanup.
	close(first.release)
	<-first.exited
	time.Sleep(50 * time.Millisecond)

	// The old worker's teardown must not strand the new one.
	paused, err := mgr.Pause(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaused, paused.Status)
	assert.Error(t, second.ctx.Err(), "second pause reaches the replacement worker")

	close(second.release)
}

func TestUnknownSchemeFailsJob(t *testing.T) {
	fetcher := &fakeFetcher{}
	mgr, svc := newTestManager(t, fetcher, 1)

	job, err := svc.Enqueue(context.Background(), service.EnqueueRequest{
		MediaID:   "media-1",
		MediaType: domain.MediaTypeEpisode,
		SourceURL: "ftp://legacy.example.com/file",
	})
	require.NoError(t, err)
	mgr.Notify()

	failed := waitForStatus(t, svc, job.ID, domain.JobStatusFailed)
	assert.Contains(t, failed.ErrorMessage, "no fetcher for scheme")
}
