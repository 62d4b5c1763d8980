package service

import "mediadl/internal/domain"

// ComputeStats derives fleet-wide statistics from the current job list with a
// single pass. Callers get a fresh computation every time; nothing is cached.
func ComputeStats(jobs []domain.DownloadJob) domain.Stats {
	stats := domain.Stats{TotalDownloads: len(jobs)}

	var (
		speedSum    int64
		downloading int64
	)
	for i := range jobs {
		job := &jobs[i]
		switch job.Status {
		case domain.JobStatusPending, domain.JobStatusDownloading:
			stats.ActiveDownloads++
		case domain.JobStatusCompleted:
			stats.CompletedDownloads++
		case domain.JobStatusFailed, domain.JobStatusCancelled:
			stats.FailedDownloads++
		}

		if job.FileSize > 0 {
			stats.TotalSize += job.FileSize
		}
		stats.DownloadedSize += job.DownloadedSize

		if job.Status == domain.JobStatusDownloading {
			speedSum += job.Speed
			downloading++
		}
	}

	if downloading > 0 {
		stats.AvgSpeed = speedSum / downloading
	}
	return stats
}
