package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo is one archived object as reported by a bucket listing.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter stores archive objects. Put overwrites an existing key.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader is the read side the archiver needs to resume after a restart
// and to avoid rewriting a range it already uploaded.
type BlobReader interface {
	// List returns every object under prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}
