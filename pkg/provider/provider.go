// Package provider defines the storage abstraction behind the SDFS file store.
//
// Files are addressed by flat name strings ("keys"). A key may contain '/',
// in which case the backend maps it onto whatever hierarchy it has, but the
// store itself attaches no directory semantics to it.
package provider

import (
	"context"
	"time"
)

// Provider lists and describes stored files.
//
// Implementations should:
//   - Support pagination via continuation tokens
//   - Be safe for concurrent use
type Provider interface {
	// List returns a page of files with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for a single file.
	// Returns ErrNotFound if the file does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	// Empty string lists everything.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of keys returned per page.
	// Zero uses the provider default (typically 1000).
	MaxKeys int
}

// ListResult contains a page of files from a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single file.
type ObjectMeta struct {
	ObjectSummary

	ContentType string
	Metadata    map[string]string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderFile stores files on the local filesystem.
	ProviderFile ProviderType = "file"

	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// ListAll walks every page of a listing and returns all keys with the prefix.
func ListAll(ctx context.Context, p Provider, prefix string) ([]string, error) {
	var (
		keys  []string
		token string
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := p.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		for _, obj := range res.Objects {
			keys = append(keys, obj.Key)
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			return keys, nil
		}
		token = res.ContinuationToken
	}
}
