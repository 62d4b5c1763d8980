package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mediadl/internal/domain"
)

func TestComputeStatsEmpty(t *testing.T) {
	stats := ComputeStats(nil)
	assert.Equal(t, domain.Stats{}, stats, "empty input must yield all zeros, no division by zero")
}

func TestComputeStats(t *testing.T) {
	jobs := []domain.DownloadJob{
		{Status: domain.JobStatusPending, FileSize: 100},
		{Status: domain.JobStatusDownloading, FileSize: 200, DownloadedSize: 50, Speed: 30},
		{Status: domain.JobStatusDownloading, DownloadedSize: 10, Speed: 10},
		{Status: domain.JobStatusPaused, FileSize: 400, DownloadedSize: 100, Speed: 99},
		{Status: domain.JobStatusCompleted, FileSize: 300, DownloadedSize: 300},
		{Status: domain.JobStatusFailed, FileSize: 50, DownloadedSize: 20},
		{Status: domain.JobStatusCancelled},
	}

	stats := ComputeStats(jobs)

	assert.Equal(t, 7, stats.TotalDownloads)
	assert.Equal(t, 3, stats.ActiveDownloads, "pending and downloading count as active")
	assert.Equal(t, 1, stats.CompletedDownloads)
	assert.Equal(t, 2, stats.FailedDownloads, "failed and cancelled are grouped")
	assert.EqualValues(t, 1050, stats.TotalSize, "unknown sizes contribute zero")
	assert.EqualValues(t, 480, stats.DownloadedSize)
	assert.EqualValues(t, 20, stats.AvgSpeed, "mean speed over downloading jobs only")
}

func TestComputeStatsNoDownloading(t *testing.T) {
	jobs := []domain.DownloadJob{
		{Status: domain.JobStatusPaused, Speed: 50},
		{Status: domain.JobStatusCompleted},
	}
	assert.EqualValues(t, 0, ComputeStats(jobs).AvgSpeed)
}
