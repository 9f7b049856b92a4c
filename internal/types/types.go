package types

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"
	"time"
)

// DefaultMaxKeys is the listing page size used when a request does not
// specify a positive max-keys value.
const DefaultMaxKeys = 1000

// Bucket represents a container for objects
type Bucket struct {
	Name         string
	CreationDate time.Time
}

// BlobFunc resolves an object's content to a fresh readable stream. The
// blob is looked up only when the function is called, so metadata-only
// operations never touch blob storage. A missing blob is reported as an
// error by the storage engine, not as empty content.
type BlobFunc func() (io.ReadCloser, error)

// Object represents a stored object: metadata plus a handle to its
// content blob. Identity is derived from Bucket and Key, never stored.
type Object struct {
	Bucket       string
	Key          string
	ContentType  string
	Checksum     string
	CreationDate time.Time
	Size         int64
	Content      BlobFunc
}

// ID returns the object's storage identity.
func (o *Object) ID() string {
	return ObjectID(o.Bucket, o.Key)
}

// ObjectID builds the storage identity for a bucket/key pair.
func ObjectID(bucket, key string) string {
	return bucket + "/" + key
}

// BlobBytes builds a BlobFunc over content already held in memory,
// yielding a fresh reader on every call.
func BlobBytes(data []byte) BlobFunc {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

// Checksum computes the content checksum of p: MD5, hex encoded,
// uppercase, no separators.
func Checksum(p []byte) string {
	return fmt.Sprintf("%X", md5.Sum(p))
}

// SearchRequest describes one page of a bucket listing.
type SearchRequest struct {
	BucketName string
	Prefix     string
	Delimiter  string
	Marker     string
	MaxKeys    int
}

// SearchResponse is the result of a bucket listing. Objects are in
// ascending key order; CommonPrefixes are deduplicated in first-seen
// order. NextMarker is set only when the result is truncated.
type SearchResponse struct {
	BucketName     string
	Prefix         string
	Delimiter      string
	Marker         string
	MaxKeys        int
	IsTruncated    bool
	NextMarker     string
	Objects        []Object
	CommonPrefixes []string
}

// BucketNotFound is the domain response for a request against a bucket
// that does not exist.
type BucketNotFound struct {
	BucketName string
}

// DeleteResult reports the keys removed by a batch delete.
type DeleteResult struct {
	Keys []string
}

// ACLPolicy marks a response that should render the static access
// control policy document. ACLs are not modeled beyond the placeholder.
type ACLPolicy struct{}
