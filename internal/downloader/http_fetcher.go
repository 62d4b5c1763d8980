package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPFetcher pulls a single file over plain HTTP(S). Interrupted transfers
// continue from the bytes already on disk with a Range request when the
// server supports it.
type HTTPFetcher struct {
	client   *http.Client
	interval time.Duration
	logger   *logrus.Logger
}

func NewHTTPFetcher(client *http.Client, progressInterval time.Duration, logger *logrus.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if progressInterval == 0 {
		progressInterval = 2 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &HTTPFetcher{
		client:   client,
		interval: progressInterval,
		logger:   logger,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, job FetchJob, sink ProgressSink) (string, error) {
	dest := job.DownloadPath
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create destination dir: %w", err)
	}

	var offset int64
	if !job.Restart {
		if info, err := os.Stat(dest); err == nil && !info.IsDir() {
			offset = info.Size()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.SourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", job.SourceURL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the range; start over.
		offset = 0
	case http.StatusPartialContent:
	default:
		return "", fmt.Errorf("fetch %s: unexpected status %s", job.SourceURL, resp.Status)
	}

	total := totalSize(resp, offset)

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("open destination: %w", err)
	}
	defer out.Close()

	if err := f.copyWithProgress(ctx, job.ID, out, resp.Body, offset, total, sink); err != nil {
		return "", err
	}

	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("sync destination: %w", err)
	}
	return dest, nil
}

func (f *HTTPFetcher) copyWithProgress(ctx context.Context, jobID string, dst io.Writer, src io.Reader, offset, total int64, sink ProgressSink) error {
	var (
		downloaded = offset
		lastBytes  = offset
		lastReport = time.Now()
		buf        = make([]byte, 128<<10)
	)

	report := func() {
		elapsed := time.Since(lastReport).Seconds()
		speed := int64(0)
		if elapsed > 0 {
			speed = int64(float64(downloaded-lastBytes) / elapsed)
		}
		lastBytes = downloaded
		lastReport = time.Now()
		if err := sink.ReportProgress(ctx, jobID, downloaded, total, speed); err != nil && ctx.Err() == nil {
			f.logger.WithField("job_id", jobID).Warnf("report progress: %v", err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write destination: %w", werr)
			}
			downloaded += int64(n)
			if time.Since(lastReport) >= f.interval {
				report()
			}
		}
		if err == io.EOF {
			report()
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read body: %w", err)
		}
	}
}

func (f *HTTPFetcher) Discard(job FetchJob) error {
	if err := os.Remove(job.DownloadPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove partial file: %w", err)
	}
	return nil
}

// totalSize derives the full object size from the response, preferring the
// Content-Range total on a ranged response. 0 means unknown.
func totalSize(resp *http.Response, offset int64) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx >= 0 {
			if v, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				return v
			}
		}
	}
	if resp.ContentLength > 0 {
		return offset + resp.ContentLength
	}
	return 0
}
