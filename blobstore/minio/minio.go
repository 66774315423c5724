// Package minio implements blobstore.Bucket on any S3-compatible endpoint
// through minio-go.
package minio

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/s3utils"

	"github.com/Duke-GCB/toil/blobstore"
)

// partSize bounds the memory a streaming upload of unknown size buffers.
const partSize = 16 << 20

var (
	_ blobstore.Bucket       = (*Bucket)(nil)
	_ blobstore.KeyValidator = (*Bucket)(nil)
	_ blobstore.Presigner    = (*Bucket)(nil)
)

type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Bucket is one bucket on an S3-compatible server.
type Bucket struct {
	client     *minio.Client
	bucketName string
	region     string
}

func NewBucket(cfg Config, bucketName string) (*Bucket, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	if err := s3utils.CheckValidBucketName(bucketName); err != nil {
		return nil, fmt.Errorf("invalid bucket name %q: %w", bucketName, err)
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &Bucket{
		client:     client,
		bucketName: bucketName,
		region:     region,
	}, nil
}

func (b *Bucket) Name() string {
	return b.bucketName
}

func (b *Bucket) Create(ctx context.Context) error {
	err := b.client.MakeBucket(ctx, b.bucketName, minio.MakeBucketOptions{Region: b.region})
	if err != nil {
		switch minio.ToErrorResponse(err).Code {
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return blobstore.ErrBucketExists
		}
		return fmt.Errorf("make bucket %s: %w", b.bucketName, err)
	}
	return nil
}

func (b *Bucket) Open(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucketName)
	if err != nil {
		return fmt.Errorf("probe bucket %s: %w", b.bucketName, err)
	}
	if !exists {
		return blobstore.ErrBucketNotFound
	}
	return nil
}

func (b *Bucket) Destroy(ctx context.Context) error {
	err := b.client.RemoveBucket(ctx, b.bucketName)
	if err != nil {
		switch minio.ToErrorResponse(err).Code {
		case "BucketNotEmpty":
			return fmt.Errorf("%w: %w", blobstore.ErrBucketNotEmpty, err)
		case "NoSuchBucket":
			return blobstore.ErrBucketNotFound
		}
		return fmt.Errorf("remove bucket %s: %w", b.bucketName, err)
	}
	return nil
}

// List stops the listing goroutine as soon as the caller stops iterating.
func (b *Bucket) List(ctx context.Context, prefix string) iter.Seq2[blobstore.ObjectInfo, error] {
	return func(yield func(blobstore.ObjectInfo, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for obj := range b.client.ListObjects(ctx, b.bucketName, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				yield(blobstore.ObjectInfo{}, fmt.Errorf("list objects: %w", mapError(obj.Err)))
				return
			}
			if obj.Key == "" {
				continue
			}
			if !yield(blobstore.ObjectInfo{Key: obj.Key, Size: obj.Size, ModTime: obj.LastModified}, nil) {
				return
			}
		}
	}
}

func (b *Bucket) Attributes(ctx context.Context, key string) (blobstore.ObjectInfo, error) {
	info, err := b.client.StatObject(ctx, b.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		return blobstore.ObjectInfo{}, mapError(err)
	}
	return blobstore.ObjectInfo{Key: key, Size: info.Size, ModTime: info.LastModified}, nil
}

// Upload streams r with an unknown size. Create-only uploads use an
// If-None-Match precondition so the check is atomic on the server.
func (b *Bucket) Upload(ctx context.Context, key string, r io.Reader, opts *blobstore.UploadOptions) error {
	putOpts := minio.PutObjectOptions{
		ContentType: blobstore.ContentTypeOf(opts),
		PartSize:    partSize,
	}
	if blobstore.IfNotExist(opts) {
		putOpts.SetMatchETagExcept("*")
	}

	_, err := b.client.PutObject(ctx, b.bucketName, key, r, -1, putOpts)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "PreconditionFailed" {
			return blobstore.ErrExists
		}
		return fmt.Errorf("put object %s: %w", key, mapError(err))
	}
	return nil
}

// Download stats the object first so a missing key fails before w is touched.
func (b *Bucket) Download(ctx context.Context, key string, w io.Writer) error {
	obj, err := b.client.GetObject(ctx, b.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return mapError(err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		return mapError(err)
	}
	if _, err := io.Copy(w, obj); err != nil {
		return fmt.Errorf("read object %s: %w", key, err)
	}
	return nil
}

// Delete succeeds for missing keys, as S3 does.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return mapError(err)
	}
	return nil
}

func (b *Bucket) URL(key string) string {
	return fmt.Sprintf("%s/%s/%s", b.client.EndpointURL(), b.bucketName, url.PathEscape(key))
}

func (b *Bucket) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if _, err := b.Attributes(ctx, key); err != nil {
		return "", err
	}
	u, err := b.client.PresignedGetObject(ctx, b.bucketName, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (b *Bucket) ValidateKey(key string) error {
	if err := s3utils.CheckValidObjectName(key); err != nil {
		return fmt.Errorf("%w: %w", blobstore.ErrInvalidKey, err)
	}
	return nil
}

func (b *Bucket) Close() error {
	return nil
}

func mapError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		return fmt.Errorf("%w: %w", blobstore.ErrNotFound, err)
	case "NoSuchBucket":
		return fmt.Errorf("%w: %w", blobstore.ErrBucketNotFound, err)
	}
	return err
}

