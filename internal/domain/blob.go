package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter writes objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PutMultipart(ctx context.Context, key string, data []byte, contentType string) error
}

// BlobInfo describes one object in blob storage.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobReader reads and lists objects in blob storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves aged rows out of hot storage into blob archives.
type Archiver interface {
	// ArchiveTrades writes all trades closed before the cutoff as JSONL,
	// one object per close month, and returns the newest object key and the
	// total row count.
	ArchiveTrades(ctx context.Context, before time.Time) (string, int, error)
}
