package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo is the metadata of one stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobStater looks up object metadata. A missing object is ErrNotFound.
type BlobStater interface {
	Stat(ctx context.Context, path string) (BlobInfo, error)
}

// Archiver copies ledger data to cold storage. Local files are never removed.
type Archiver interface {
	ArchiveTrades(ctx context.Context, trades []Trade) (int64, error)
	ArchivePlans(ctx context.Context, plans []TransferPlan) (int64, error)
}
