// Package blobstore defines the contract every backend object store adapter
// implements. Adapters only offer whole-object semantics: an upload consumes a
// complete io.Reader and a download drains into a complete io.Writer.
package blobstore

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrExists is returned by Upload with IfNotExist when the object is already there.
	ErrExists = errors.New("object already exists")
	// ErrBucketExists is returned by Create when the container already exists.
	ErrBucketExists = errors.New("bucket already exists")
	// ErrBucketNotFound is returned by Open when the container does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrBucketNotEmpty is returned by Destroy while the backend still lists objects.
	ErrBucketNotEmpty = errors.New("bucket not empty")
	// ErrInvalidKey is returned when a key cannot name an object on the backend.
	ErrInvalidKey = errors.New("invalid object key")
)

// ObjectInfo is the minimal metadata a listing or attribute probe returns.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// UploadOptions controls create-vs-overwrite behaviour of Upload.
type UploadOptions struct {
	// IfNotExist makes the upload fail with ErrExists when the key is taken.
	// Providers without conditional writes emulate it with a probe.
	IfNotExist bool
	// ContentType defaults to application/octet-stream.
	ContentType string
}

//go:generate mockgen -destination=mock/mock_bucket.go -package=mock github.com/Duke-GCB/toil/blobstore Bucket

// Bucket is one container on a backend object store.
type Bucket interface {
	// Name returns the container name.
	Name() string

	// Create creates the container. It returns ErrBucketExists if it is already there.
	Create(ctx context.Context) error
	// Open checks that the container exists. It returns ErrBucketNotFound otherwise.
	Open(ctx context.Context) error
	// Destroy deletes the container. It fails, typically with ErrBucketNotEmpty,
	// while the backend still believes objects remain.
	Destroy(ctx context.Context) error

	// List enumerates the objects whose key starts with prefix. The sequence is a
	// single forward pass; iteration stops at the first error. Listing a
	// container that is gone yields ErrBucketNotFound or nothing.
	List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error]
	// Attributes returns metadata for key, or ErrNotFound.
	Attributes(ctx context.Context, key string) (ObjectInfo, error)

	// Upload stores everything read from r under key. If r returns an error the
	// upload is discarded and the error is returned.
	Upload(ctx context.Context, key string, r io.Reader, opts *UploadOptions) error
	// Download writes the object's content to w. A missing object yields
	// ErrNotFound before anything is written.
	Download(ctx context.Context, key string, w io.Writer) error
	// Delete removes key. Deleting a missing key returns ErrNotFound or nil,
	// depending on what the provider can detect.
	Delete(ctx context.Context, key string) error

	// URL returns an address for key. Only HTTP providers return fetchable URLs.
	URL(key string) string

	Close() error
}

// KeyValidator is implemented by buckets that restrict object names beyond the
// generic checks done by callers.
type KeyValidator interface {
	ValidateKey(key string) error
}

// Presigner is implemented by buckets that can hand out time-limited,
// credential-free download URLs.
type Presigner interface {
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// ContentTypeOf returns the content type requested by opts.
func ContentTypeOf(opts *UploadOptions) string {
	if opts == nil || opts.ContentType == "" {
		return "application/octet-stream"
	}
	return opts.ContentType
}

// IfNotExist reports whether opts request create-only semantics.
func IfNotExist(opts *UploadOptions) bool {
	return opts != nil && opts.IfNotExist
}
