// Package storage persists buckets and objects. Object metadata and
// content blobs are stored as two linked records; the engine keeps
// their per-object write/delete ordering so readers never observe
// metadata for a blob that was never written, and minimizes (but does
// not prevent) the window in which metadata outlives its blob.
package storage

import (
	"context"
	"errors"

	"github.com/yadazula/s3emulator/internal/types"
)

// ErrIntegrity reports object metadata whose content blob is missing.
var ErrIntegrity = errors.New("storage: object content blob missing")

// Storage defines the persistence operations for buckets and objects.
// Absent buckets and objects are reported as nil, not as errors;
// deletes are idempotent. Every call runs in its own transaction, so
// concurrent operations on the same key are not isolated from one
// another.
type Storage interface {
	// Bucket operations
	AddBucket(ctx context.Context, bucket *types.Bucket) error
	GetBucket(ctx context.Context, name string) (*types.Bucket, error)
	DeleteBucket(ctx context.Context, name string) error
	ListBuckets(ctx context.Context) ([]types.Bucket, error)

	// Object operations
	AddObject(ctx context.Context, obj *types.Object) error
	GetObject(ctx context.Context, bucket, key string) (*types.Object, error)
	DeleteObject(ctx context.Context, bucket, key string) error

	// QueryObjects streams metadata-only objects in bucket whose key
	// starts with prefix and sorts strictly after marker, in ascending
	// key order. fn returning false stops the scan.
	QueryObjects(ctx context.Context, bucket, prefix, marker string, fn func(*types.Object) bool) error

	// Search runs a paginated, delimiter-grouped listing.
	Search(ctx context.Context, req *types.SearchRequest) (*types.SearchResponse, error)

	// Health check
	Ping(ctx context.Context) error

	Close() error
}
