// Package s3 implements blobstore.Bucket on AWS S3.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/Duke-GCB/toil/blobstore"
)

// errCodeNotFound is what HEAD requests report for missing keys and buckets.
const errCodeNotFound = "NotFound"

var (
	_ blobstore.Bucket    = (*Bucket)(nil)
	_ blobstore.Presigner = (*Bucket)(nil)
)

// Config holds the S3 connection settings.
type Config struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

// Bucket implements blobstore.Bucket using AWS S3
type Bucket struct {
	client     s3iface.S3API
	uploader   *s3manager.Uploader
	bucketName string
	region     string
	endpoint   string
}

// NewBucket creates a new S3 backed container
func NewBucket(cfg Config, bucketName string) (*Bucket, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	// Check if the bucket name contains placeholders
	if strings.Contains(bucketName, "[") || strings.Contains(bucketName, "]") {
		return nil, fmt.Errorf("S3 bucket name contains placeholders: %s", bucketName)
	}

	awsConfig := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return newBucket(s3.New(sess), cfg, bucketName), nil
}

func newBucket(client s3iface.S3API, cfg Config, bucketName string) *Bucket {
	return &Bucket{
		client:     client,
		uploader:   s3manager.NewUploaderWithClient(client),
		bucketName: bucketName,
		region:     cfg.Region,
		endpoint:   strings.TrimSuffix(cfg.Endpoint, "/"),
	}
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.bucketName
}

// Create creates the S3 bucket
func (b *Bucket) Create(ctx context.Context) error {
	input := &s3.CreateBucketInput{
		Bucket: aws.String(b.bucketName),
	}
	// us-east-1 rejects an explicit location constraint
	if b.region != "" && b.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
			LocationConstraint: aws.String(b.region),
		}
	}

	_, err := b.client.CreateBucketWithContext(ctx, input)
	if err != nil {
		if hasCode(err, s3.ErrCodeBucketAlreadyOwnedByYou, s3.ErrCodeBucketAlreadyExists) {
			return blobstore.ErrBucketExists
		}
		return fmt.Errorf("failed to create bucket %s: %w", b.bucketName, err)
	}
	return nil
}

// Open checks that the bucket exists
func (b *Bucket) Open(ctx context.Context) error {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		if hasCode(err, errCodeNotFound, s3.ErrCodeNoSuchBucket) {
			return blobstore.ErrBucketNotFound
		}
		return fmt.Errorf("failed to open bucket %s: %w", b.bucketName, err)
	}
	return nil
}

// Destroy deletes the bucket
func (b *Bucket) Destroy(ctx context.Context) error {
	_, err := b.client.DeleteBucketWithContext(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		switch {
		case hasCode(err, "BucketNotEmpty"):
			return fmt.Errorf("%w: %w", blobstore.ErrBucketNotEmpty, err)
		case hasCode(err, s3.ErrCodeNoSuchBucket):
			return blobstore.ErrBucketNotFound
		}
		return fmt.Errorf("failed to delete bucket %s: %w", b.bucketName, err)
	}
	return nil
}

// List returns all objects under prefix, one page at a time
func (b *Bucket) List(ctx context.Context, prefix string) iter.Seq2[blobstore.ObjectInfo, error] {
	return func(yield func(blobstore.ObjectInfo, error) bool) {
		stopped := false
		err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucketName),
			Prefix: aws.String(prefix),
		}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				info := blobstore.ObjectInfo{
					Key:     aws.StringValue(obj.Key),
					Size:    aws.Int64Value(obj.Size),
					ModTime: aws.TimeValue(obj.LastModified),
				}
				if !yield(info, nil) {
					stopped = true
					return false
				}
			}
			return true
		})
		if err != nil && !stopped {
			if hasCode(err, s3.ErrCodeNoSuchBucket) {
				err = fmt.Errorf("%w: %w", blobstore.ErrBucketNotFound, err)
			}
			yield(blobstore.ObjectInfo{}, fmt.Errorf("failed to list objects: %w", err))
		}
	}
}

// Attributes gets the object metadata
func (b *Bucket) Attributes(ctx context.Context, key string) (blobstore.ObjectInfo, error) {
	out, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return blobstore.ObjectInfo{}, mapObjectError(err, "failed to get object metadata")
	}
	return blobstore.ObjectInfo{
		Key:     key,
		Size:    aws.Int64Value(out.ContentLength),
		ModTime: aws.TimeValue(out.LastModified),
	}, nil
}

// Upload streams r to S3. The s3manager uploader switches to multipart for
// large bodies and aborts the multipart upload if r fails.
func (b *Bucket) Upload(ctx context.Context, key string, r io.Reader, opts *blobstore.UploadOptions) error {
	// S3 has no conditional put in this SDK, so create-only is a probe first
	if blobstore.IfNotExist(opts) {
		_, err := b.Attributes(ctx, key)
		if err == nil {
			return blobstore.ErrExists
		}
		if !errors.Is(err, blobstore.ErrNotFound) {
			return err
		}
	}

	_, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(b.bucketName),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(blobstore.ContentTypeOf(opts)),
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob: %w", err)
	}
	return nil
}

// Download copies the object into w
func (b *Bucket) Download(ctx context.Context, key string, w io.Writer) error {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapObjectError(err, "failed to get blob")
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	return nil
}

// Delete removes a blob from S3. S3 reports success for missing keys.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapObjectError(err, "failed to delete blob")
	}
	return nil
}

// URL returns the virtual-hosted or endpoint address of key.
func (b *Bucket) URL(key string) string {
	escaped := url.PathEscape(key)
	if b.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", b.endpoint, b.bucketName, escaped)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", b.bucketName, b.region, escaped)
}

// PresignedURL signs a GET request for key that is valid for expiry.
func (b *Bucket) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if _, err := b.Attributes(ctx, key); err != nil {
		return "", err
	}
	req, _ := b.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	signed, err := req.Presign(expiry)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return signed, nil
}

// Close is a no-op; the SDK holds no per-bucket resources.
func (b *Bucket) Close() error {
	return nil
}

func mapObjectError(err error, msg string) error {
	if hasCode(err, s3.ErrCodeNoSuchKey, errCodeNotFound) {
		return fmt.Errorf("%w: %w", blobstore.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// hasCode reports whether err is an AWS error with one of codes.
func hasCode(err error, codes ...string) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	for _, code := range codes {
		if aerr.Code() == code {
			return true
		}
	}
	return false
}
