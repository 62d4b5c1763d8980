package storage

import (
	"context"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// UploadOptions conveys the archive destination for a finished download.
type UploadOptions struct {
	Bucket           string
	KeyPrefix        string
	ProgressCallback func(done, total int64)
}

// Service archives finished downloads to remote object storage and serves
// read access to what is already archived.
type Service interface {
	// UploadPath uploads a file or a whole directory tree under the key
	// prefix and returns the s3:// location of the archive.
	UploadPath(ctx context.Context, localPath string, opts UploadOptions) (string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	// PresignObjectURL returns a time-limited direct URL for streaming an
	// archived object.
	PresignObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}
