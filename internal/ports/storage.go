package ports

import (
	"context"
	"io"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// ObjectKey is the key to read the object back with. For localfs and s3 it
	// is the input key; for gdrive it is the Drive file ID.
	ObjectKey string
	Size      int64
}

type ObjectInfo struct {
	ContentType string
	Size        int64
}

// StorageProvider is implemented by localfs (primary) and the s3 and gdrive
// mirrors. Keys are slash-separated paths relative to the provider root.
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (io.ReadCloser, ObjectInfo, error)
	// DeletePrefix removes every object under prefix. A prefix with nothing
	// under it is not an error.
	DeletePrefix(ctx context.Context, prefix string) error
}
