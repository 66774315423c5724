// Package gocloud adapts a gocloud.dev/blob bucket (mem://, file://, gs://,
// s3:// ...) to blobstore.Bucket. Providers reachable through gocloud cannot
// create or delete real buckets, so a container is a key prefix inside the
// opened bucket, marked by a sentinel object.
package gocloud

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/Duke-GCB/toil/blobstore"
)

// markerKey is the sentinel object that makes a prefix a container.
const markerKey = ".jobstore-container"

var _ blobstore.Bucket = (*Bucket)(nil)

// Bucket implements blobstore.Bucket on top of a prefixed gocloud bucket.
type Bucket struct {
	bucket *blob.Bucket
	name   string
	base   string
}

// OpenBucket opens the gocloud bucket at urlstr and scopes it to the container name.
func OpenBucket(ctx context.Context, urlstr, name string) (*Bucket, error) {
	if name == "" {
		return nil, fmt.Errorf("container name is required")
	}

	root, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %q: %w", urlstr, err)
	}

	base := urlstr
	if u, err := url.Parse(urlstr); err == nil {
		u.RawQuery = ""
		base = strings.TrimSuffix(u.String(), "/")
	}

	b := NewBucket(root, name)
	b.base = base
	return b, nil
}

// NewBucket scopes root to the container name. root is consumed: it is closed
// by gocloud and must not be used afterwards.
func NewBucket(root *blob.Bucket, name string) *Bucket {
	return &Bucket{
		bucket: blob.PrefixedBucket(root, name+"/"),
		name:   name,
		base:   "blob:/",
	}
}

// Name returns the container name.
func (b *Bucket) Name() string {
	return b.name
}

// Create writes the container marker unless it already exists.
func (b *Bucket) Create(ctx context.Context) error {
	ok, err := b.bucket.Exists(ctx, markerKey)
	if err != nil {
		return fmt.Errorf("failed to probe container %s: %w", b.name, err)
	}
	if ok {
		return blobstore.ErrBucketExists
	}

	err = b.bucket.WriteAll(ctx, markerKey, []byte(b.name), &blob.WriterOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", b.name, err)
	}
	return nil
}

// Open checks for the container marker.
func (b *Bucket) Open(ctx context.Context) error {
	ok, err := b.bucket.Exists(ctx, markerKey)
	if err != nil {
		return fmt.Errorf("failed to probe container %s: %w", b.name, err)
	}
	if !ok {
		return blobstore.ErrBucketNotFound
	}
	return nil
}

// Destroy removes the container marker once no other object is listed.
func (b *Bucket) Destroy(ctx context.Context) error {
	for _, err := range b.List(ctx, "") {
		if err != nil {
			return err
		}
		return blobstore.ErrBucketNotEmpty
	}

	if err := b.bucket.Delete(ctx, markerKey); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return blobstore.ErrBucketNotFound
		}
		return mapError(err)
	}
	return nil
}

// List enumerates objects under prefix, hiding the container marker.
func (b *Bucket) List(ctx context.Context, prefix string) iter.Seq2[blobstore.ObjectInfo, error] {
	return func(yield func(blobstore.ObjectInfo, error) bool) {
		it := b.bucket.List(&blob.ListOptions{Prefix: prefix})
		for {
			obj, err := it.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(blobstore.ObjectInfo{}, fmt.Errorf("failed to list container %s: %w", b.name, err))
				return
			}
			if obj.IsDir || obj.Key == markerKey {
				continue
			}
			info := blobstore.ObjectInfo{Key: obj.Key, Size: obj.Size, ModTime: obj.ModTime}
			if !yield(info, nil) {
				return
			}
		}
	}
}

// Attributes returns size and modification time of key.
func (b *Bucket) Attributes(ctx context.Context, key string) (blobstore.ObjectInfo, error) {
	attrs, err := b.bucket.Attributes(ctx, key)
	if err != nil {
		return blobstore.ObjectInfo{}, mapError(err)
	}
	return blobstore.ObjectInfo{Key: key, Size: attrs.Size, ModTime: attrs.ModTime}, nil
}

// Upload streams r into key. Cancelling the writer's context before Close
// discards a failed upload instead of committing a truncated object.
func (b *Bucket) Upload(ctx context.Context, key string, r io.Reader, opts *blobstore.UploadOptions) error {
	if blobstore.IfNotExist(opts) {
		ok, err := b.bucket.Exists(ctx, key)
		if err != nil {
			return mapError(err)
		}
		if ok {
			return blobstore.ErrExists
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := b.bucket.NewWriter(wctx, key, &blob.WriterOptions{
		ContentType: blobstore.ContentTypeOf(opts),
	})
	if err != nil {
		return mapError(err)
	}
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return mapError(err)
	}
	return nil
}

// Download copies key into w.
func (b *Bucket) Download(ctx context.Context, key string, w io.Writer) error {
	r, err := b.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return mapError(err)
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return err
	}
	return nil
}

// Delete removes key.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := b.bucket.Delete(ctx, key); err != nil {
		return mapError(err)
	}
	return nil
}

// URL returns the gocloud address of key.
func (b *Bucket) URL(key string) string {
	return fmt.Sprintf("%s/%s/%s", b.base, b.name, url.PathEscape(key))
}

// ValidateKey rejects the reserved container marker.
func (b *Bucket) ValidateKey(key string) error {
	if key == markerKey {
		return fmt.Errorf("%w: %q is reserved", blobstore.ErrInvalidKey, key)
	}
	return nil
}

// Close releases the underlying bucket.
func (b *Bucket) Close() error {
	return b.bucket.Close()
}

// mapError translates gocloud error codes into blobstore sentinels.
func mapError(err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("%w: %w", blobstore.ErrNotFound, err)
	case gcerrors.AlreadyExists:
		return fmt.Errorf("%w: %w", blobstore.ErrExists, err)
	case gcerrors.InvalidArgument:
		return fmt.Errorf("%w: %w", blobstore.ErrInvalidKey, err)
	}
	return err
}
