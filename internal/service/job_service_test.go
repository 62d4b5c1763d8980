package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediadl/internal/domain"
	"mediadl/internal/repository"
	"mediadl/internal/repository/sqlite"
)

func newTestJobService(t *testing.T) JobService {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewJobRepository(db)
	require.NoError(t, repo.Init(context.Background()))

	return NewJobService(repo, t.TempDir())
}

func enqueueTestJob(t *testing.T, svc JobService, priority domain.Priority) *domain.DownloadJob {
	t.Helper()
	job, err := svc.Enqueue(context.Background(), EnqueueRequest{
		MediaID:   "media-1",
		MediaType: domain.MediaTypeEpisode,
		Title:     "Episode 1",
		Quality:   "1080p",
		Priority:  priority,
		SourceURL: "https://cdn.example.com/ep1.mkv",
	})
	require.NoError(t, err)
	return job
}

// claimed moves a fresh job into downloading the way the dispatcher would.
func claimed(t *testing.T, svc JobService) *domain.DownloadJob {
	t.Helper()
	job, err := svc.ClaimNextPending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestEnqueueValidation(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"missing media id", EnqueueRequest{MediaType: domain.MediaTypeAnime, SourceURL: "https://x"}},
		{"missing media type", EnqueueRequest{MediaID: "m", SourceURL: "https://x"}},
		{"unknown media type", EnqueueRequest{MediaID: "m", MediaType: "movie", SourceURL: "https://x"}},
		{"missing source url", EnqueueRequest{MediaID: "m", MediaType: domain.MediaTypeManga}},
		{"unknown priority", EnqueueRequest{MediaID: "m", MediaType: domain.MediaTypeManga, SourceURL: "https://x", Priority: "urgent"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(ctx, tt.req)
			assert.True(t, domain.IsValidationError(err), "expected validation error, got %v", err)
		})
	}

	jobs, err := svc.List(ctx, repository.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected requests must not create records")
}

func TestEnqueueDefaults(t *testing.T) {
	svc := newTestJobService(t)

	job := enqueueTestJob(t, svc, "")
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, domain.PriorityNormal, job.Priority)
	assert.NotEmpty(t, job.ID)
	assert.NotEmpty(t, job.DownloadPath)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
}

func TestClaimNextPendingOrder(t *testing.T) {
	svc := newTestJobService(t)

	normal := enqueueTestJob(t, svc, domain.PriorityNormal)
	low := enqueueTestJob(t, svc, domain.PriorityLow)
	high := enqueueTestJob(t, svc, domain.PriorityHigh)

	first := claimed(t, svc)
	second := claimed(t, svc)
	third := claimed(t, svc)

	assert.Equal(t, high.ID, first.ID, "high priority dispatches first")
	assert.Equal(t, normal.ID, second.ID)
	assert.Equal(t, low.ID, third.ID)

	// FIFO within a band: the earlier of two normals wins.
	a := enqueueTestJob(t, svc, domain.PriorityNormal)
	enqueueTestJob(t, svc, domain.PriorityNormal)
	assert.Equal(t, a.ID, claimed(t, svc).ID)
}

func TestClaimSetsStartedAtOnce(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	enqueueTestJob(t, svc, domain.PriorityNormal)
	job := claimed(t, svc)
	require.NotNil(t, job.StartedAt)
	started := *job.StartedAt

	_, err := svc.Pause(ctx, job.ID)
	require.NoError(t, err)
	job, _, err = svc.Resume(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, started.Unix(), job.StartedAt.Unix(), "StartedAt is stamped exactly once")
}

func TestReportProgressClampsOvershoot(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	enqueueTestJob(t, svc, domain.PriorityNormal)
	job := claimed(t, svc)

	require.NoError(t, svc.ReportProgress(ctx, job.ID, 50, 100, 10))
	job, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 50, job.DownloadedSize)
	assert.EqualValues(t, 100, job.FileSize)
	assert.InDelta(t, 50, job.Progress(), 0.001)

	require.NoError(t, svc.ReportProgress(ctx, job.ID, 120, 100, 10))
	job, err = svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, job.DownloadedSize, "overshoot must clamp to file size")
	assert.InDelta(t, 100, job.Progress(), 0.001)
}

func TestReportProgressKeepsKnownFileSize(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	enqueueTestJob(t, svc, domain.PriorityNormal)
	job := claimed(t, svc)

	require.NoError(t, svc.ReportProgress(ctx, job.ID, 10, 200, 5))
	require.NoError(t, svc.ReportProgress(ctx, job.ID, 20, 0, 5))

	job, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 200, job.FileSize, "a report without a total keeps the known one")
	assert.EqualValues(t, 20, job.DownloadedSize)
}

func TestPauseThenResumeKeepsCounters(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	enqueueTestJob(t, svc, domain.PriorityNormal)
	job := claimed(t, svc)
	require.NoError(t, svc.ReportProgress(ctx, job.ID, 50, 100, 10))

	paused, err := svc.Pause(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaused, paused.Status)
	assert.EqualValues(t, 50, paused.DownloadedSize)

	resumed, restart, err := svc.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, restart)
	assert.Equal(t, domain.JobStatusDownloading, resumed.Status)
	assert.EqualValues(t, 50, resumed.DownloadedSize, "pause/resume must not disturb counters")
}

func TestPauseOnlyLegalFromDownloading(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	job := enqueueTestJob(t, svc, domain.PriorityNormal)

	_, err := svc.Pause(ctx, job.ID)
	assert.True(t, domain.IsInvalidTransition(err))

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, got.Status, "failed command leaves state untouched")
}

func TestStaleProgressReportIsNoOp(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	enqueueTestJob(t, svc, domain.PriorityNormal)
	job := claimed(t, svc)
	require.NoError(t, svc.ReportProgress(ctx, job.ID, 40, 100, 10))

	_, err := svc.Pause(ctx, job.ID)
	require.NoError(t, err)

	// The worker's in-flight report lands after the pause.
	require.NoError(t, svc.ReportProgress(ctx, job.ID, 90, 100, 10))

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaused, got.Status)
	assert.EqualValues(t, 40, got.DownloadedSize, "stale report must not resurrect counters")
}

func TestRecordDownloadPath(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	enqueueTestJob(t, svc, domain.PriorityNormal)
	job := claimed(t, svc)

	require.NoError(t, svc.RecordDownloadPath(ctx, job.ID, "/data/resolved-name"))
	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "/data/resolved-name", got.DownloadPath)

	_, err = svc.Pause(ctx, job.ID)
	require.NoError(t, err)

	// A worker winding down must not move the path anymore.
	require.NoError(t, svc.RecordDownloadPath(ctx, job.ID, "/data/other"))
	got, err = svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "/data/resolved-name", got.DownloadPath)
}

func TestCancelIsIdempotent(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	job := enqueueTestJob(t, svc, domain.PriorityNormal)

	first, err := svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, first.Status)

	second, err := svc.Cancel(ctx, job.ID)
	require.NoError(t, err, "repeated cancel is a no-op success")
	assert.Equal(t, domain.JobStatusCancelled, second.Status)
}

func TestCancelNotLegalFromCompleted(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	enqueueTestJob(t, svc, domain.PriorityNormal)
	job := claimed(t, svc)
	require.NoError(t, svc.ReportCompletion(ctx, job.ID, "/data/ep1.mkv"))

	_, err := svc.Cancel(ctx, job.ID)
	assert.True(t, domain.IsInvalidTransition(err))
}

func TestResumeAfterFailureClearsError(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	enqueueTestJob(t, svc, domain.PriorityNormal)
	job := claimed(t, svc)
	require.NoError(t, svc.ReportProgress(ctx, job.ID, 30, 100, 10))
	require.NoError(t, svc.ReportFailure(ctx, job.ID, "network timeout"))

	failed, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, "network timeout", failed.ErrorMessage)

	resumed, restart, err := svc.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, restart, "failed transfers continue from the last byte")
	assert.Equal(t, domain.JobStatusDownloading, resumed.Status)
	assert.Empty(t, resumed.ErrorMessage)
	assert.EqualValues(t, 30, resumed.DownloadedSize)
}

func TestResumeAfterCancelRestarts(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	enqueueTestJob(t, svc, domain.PriorityNormal)
	job := claimed(t, svc)
	require.NoError(t, svc.ReportProgress(ctx, job.ID, 70, 100, 10))

	_, err := svc.Cancel(ctx, job.ID)
	require.NoError(t, err)

	resumed, restart, err := svc.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, restart, "cancel discarded partial data")
	assert.Equal(t, domain.JobStatusDownloading, resumed.Status)
	assert.EqualValues(t, 0, resumed.DownloadedSize)
	assert.EqualValues(t, 0, resumed.FileSize)
}

func TestResumeOnlyLegalFromPausedFailedCancelled(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	pending := enqueueTestJob(t, svc, domain.PriorityNormal)
	_, _, err := svc.Resume(ctx, pending.ID)
	assert.True(t, domain.IsInvalidTransition(err))

	downloading := claimed(t, svc)
	_, _, err = svc.Resume(ctx, downloading.ID)
	assert.True(t, domain.IsInvalidTransition(err))
}

func TestReportCompletion(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	enqueueTestJob(t, svc, domain.PriorityNormal)
	job := claimed(t, svc)
	require.NoError(t, svc.ReportProgress(ctx, job.ID, 90, 100, 10))
	require.NoError(t, svc.ReportCompletion(ctx, job.ID, "/data/final/ep1.mkv"))

	done, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, "/data/final/ep1.mkv", done.DownloadPath)
	assert.EqualValues(t, done.FileSize, done.DownloadedSize)
	assert.NotNil(t, done.CompletedAt)
}

func TestReportCompletionOnlyWhileDownloading(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	job := enqueueTestJob(t, svc, domain.PriorityNormal)
	err := svc.ReportCompletion(ctx, job.ID, "/data/x")
	assert.True(t, domain.IsInvalidTransition(err))
}

func TestDeleteRequiresTerminalState(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	enqueueTestJob(t, svc, domain.PriorityNormal)
	job := claimed(t, svc)

	err := svc.Delete(ctx, job.ID)
	assert.True(t, domain.IsInvalidTransition(err), "delete while downloading must fail")

	_, err = svc.Pause(ctx, job.ID)
	require.NoError(t, err)
	err = svc.Delete(ctx, job.ID)
	assert.True(t, domain.IsInvalidTransition(err), "delete while paused must fail")

	_, err = svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, job.ID))

	_, err = svc.Get(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestUpdatePriorityOnlyWhilePending(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	job := enqueueTestJob(t, svc, domain.PriorityNormal)
	updated, err := svc.UpdatePriority(ctx, job.ID, domain.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, updated.Priority)

	downloading := claimed(t, svc)
	_, err = svc.UpdatePriority(ctx, downloading.ID, domain.PriorityLow)
	assert.True(t, domain.IsInvalidTransition(err))
}

func TestListFilters(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	enqueueTestJob(t, svc, domain.PriorityNormal)
	manga, err := svc.Enqueue(ctx, EnqueueRequest{
		MediaID:   "media-2",
		MediaType: domain.MediaTypeChapter,
		SourceURL: "https://cdn.example.com/ch1.cbz",
	})
	require.NoError(t, err)
	claimed(t, svc)

	byStatus, err := svc.List(ctx, repository.JobFilter{Status: domain.JobStatusPending})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)

	byType, err := svc.List(ctx, repository.JobFilter{MediaType: domain.MediaTypeChapter})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, manga.ID, byType[0].ID)
}

func TestOperationsOnUnknownJob(t *testing.T) {
	svc := newTestJobService(t)
	ctx := context.Background()

	_, err := svc.Get(ctx, "no-such-id")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = svc.Pause(ctx, "no-such-id")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, _, err = svc.Resume(ctx, "no-such-id")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = svc.Cancel(ctx, "no-such-id")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	err = svc.Delete(ctx, "no-such-id")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
