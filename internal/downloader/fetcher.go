package downloader

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// ProgressSink receives transfer reports while a fetch is running. The job
// service implements it; stale reports against a job that is no longer
// downloading are dropped there, not here.
type ProgressSink interface {
	ReportProgress(ctx context.Context, id string, downloaded, fileSize, speed int64) error
	// RecordDownloadPath tells the sink where the data actually lives, for
	// fetchers that only learn the path mid-transfer.
	RecordDownloadPath(ctx context.Context, id string, path string) error
}

// Fetcher moves the bytes for a single job. Fetch blocks until the transfer
// finishes, fails, or ctx is cancelled (pause and cancel both arrive as
// context cancellation). It returns the final local path of the data.
type Fetcher interface {
	Fetch(ctx context.Context, job FetchJob, sink ProgressSink) (string, error)
	// Discard removes any partial local data left behind for the job.
	Discard(job FetchJob) error
}

// FetchJob is the slice of a download job a fetcher needs. Fetchers never see
// or touch the persisted record.
type FetchJob struct {
	ID             string
	SourceURL      string
	DownloadPath   string
	DownloadedSize int64
	Restart        bool
}

func schemeOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return "", fmt.Errorf("source url %q has no scheme", rawURL)
	}
	return scheme, nil
}
