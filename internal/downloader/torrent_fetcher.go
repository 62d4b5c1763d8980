package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/sirupsen/logrus"
)

// TorrentFetcher resolves magnet links and downloads their pieces into the
// shared data root. One torrent client is shared by every job.
type TorrentFetcher struct {
	client   *torrent.Client
	dataRoot string
	interval time.Duration
	logger   *logrus.Logger
	trackers []string
}

func NewTorrentFetcher(dataRoot string, progressInterval time.Duration, trackers []string, logger *logrus.Logger) (*TorrentFetcher, error) {
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create torrent data root: %w", err)
	}
	if progressInterval == 0 {
		progressInterval = 2 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	if len(trackers) == 0 {
		trackers = defaultTrackers()
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = dataRoot
	clientConfig.NoUpload = false
	clientConfig.Seed = false

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	return &TorrentFetcher{
		client:   client,
		dataRoot: dataRoot,
		interval: progressInterval,
		logger:   logger,
		trackers: trackers,
	}, nil
}

func (f *TorrentFetcher) Close() error {
	errs := f.client.Close()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (f *TorrentFetcher) Fetch(ctx context.Context, job FetchJob, sink ProgressSink) (string, error) {
	logger := f.logger.WithField("job_id", job.ID)

	t, err := f.client.AddMagnet(job.SourceURL)
	if err != nil {
		return "", fmt.Errorf("add magnet: %w", err)
	}
	defer t.Drop()

	for _, tracker := range f.trackers {
		t.AddTrackers([][]string{{tracker}})
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.GotInfo():
	}

	info := t.Info()
	if info == nil {
		return "", fmt.Errorf("missing torrent info")
	}

	total := info.TotalLength()
	finalPath := filepath.Join(f.dataRoot, info.BestName())

	// Piece data lands under the torrent's own name, not the path picked at
	// enqueue time. Record it so cancel and delete can find the data.
	if err := sink.RecordDownloadPath(ctx, job.ID, finalPath); err != nil && ctx.Err() == nil {
		logger.Warnf("record download path: %v", err)
	}

	t.DownloadAll()

	lastBytes := t.BytesCompleted()
	lastTime := time.Now()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			bytesCompleted := t.BytesCompleted()
			elapsed := time.Since(lastTime).Seconds()
			speed := int64(0)
			if elapsed > 0 {
				speed = int64(float64(bytesCompleted-lastBytes) / elapsed)
			}
			lastBytes = bytesCompleted
			lastTime = time.Now()

			if err := sink.ReportProgress(ctx, job.ID, bytesCompleted, total, speed); err != nil && ctx.Err() == nil {
				logger.Warnf("report progress: %v", err)
			}

			if t.BytesMissing() == 0 {
				return finalPath, nil
			}
		}
	}
}

func (f *TorrentFetcher) Discard(job FetchJob) error {
	// Fetch records the resolved piece-data path as soon as metadata
	// arrives, so DownloadPath points at the torrent's directory under the
	// data root. Before metadata it is still the enqueue-time path, where
	// there is nothing to remove yet.
	path := filepath.Clean(job.DownloadPath)
	root := filepath.Clean(f.dataRoot)
	if path == "" || path == "." || path == root {
		return nil
	}
	if rel, err := filepath.Rel(root, path); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove torrent data: %w", err)
		}
	}
	return nil
}

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"http://tracker.openbittorrent.com:80/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"udp://tracker.moeking.me:6969/announce",
	}
}
