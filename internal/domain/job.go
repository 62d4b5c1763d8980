package domain

import "time"

type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusPaused      JobStatus = "paused"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// Terminal reports whether no further transfer activity can happen without an
// explicit resume or delete.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

type MediaType string

const (
	MediaTypeAnime   MediaType = "anime"
	MediaTypeManga   MediaType = "manga"
	MediaTypeEpisode MediaType = "episode"
	MediaTypeChapter MediaType = "chapter"
)

func ValidMediaType(t MediaType) bool {
	switch t {
	case MediaTypeAnime, MediaTypeManga, MediaTypeEpisode, MediaTypeChapter:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Rank orders priorities for dispatch, higher first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// DownloadJob is one requested download of a specific media item and quality.
// FileSize is 0 until the transfer worker has reported the real total.
type DownloadJob struct {
	ID              string
	MediaID         string
	MediaType       MediaType
	Title           string
	Quality         string
	Priority        Priority
	SourceURL       string
	FileSize        int64
	DownloadedSize  int64
	Speed           int64
	Status          JobStatus
	DownloadPath    string
	ArchiveLocation string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Progress derives the completion percentage from the byte counters. It is
// never stored; readers recompute it from the authoritative counters.
func (j DownloadJob) Progress() float64 {
	if j.FileSize <= 0 {
		return 0
	}
	p := float64(j.DownloadedSize) / float64(j.FileSize) * 100
	if p > 100 {
		return 100
	}
	return p
}

// Stats is a point-in-time aggregate over the whole job list.
type Stats struct {
	TotalDownloads     int
	ActiveDownloads    int
	CompletedDownloads int
	FailedDownloads    int
	TotalSize          int64
	DownloadedSize     int64
	AvgSpeed           int64
}
