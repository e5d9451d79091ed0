package provider

import (
	"context"
	"io"
)

// ObjectGetter can download files as a stream.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// ObjectPutter can create or overwrite files.
//
// Implementations must make the new content visible atomically: readers see
// either the old file or the complete new one.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectDeleter can delete files. Deleting a missing file is not an error.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// Store is the full capability set the control protocol needs from a backend.
type Store interface {
	Provider
	ObjectGetter
	ObjectPutter
	ObjectDeleter
}
