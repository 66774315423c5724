// Package redis implements blobstore.Bucket on Redis strings. A container is
// a key namespace with a marker key and a SET indexing the object keys.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Duke-GCB/toil/blobstore"
)

const (
	// chunkSize is the APPEND unit for streamed uploads.
	chunkSize = 1 << 20
	// pendingTTL expires staging keys left behind by a crashed uploader.
	pendingTTL = time.Hour
	scanCount  = 256
)

var _ blobstore.Bucket = (*Bucket)(nil)

// Config holds the Redis connection settings.
type Config struct {
	Address     string
	Password    string
	DB          int
	DialTimeout time.Duration
	ReadTimeout time.Duration

	// TracerProvider and MeterProvider enable redisotel instrumentation when set.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Bucket implements blobstore.Bucket using Redis
type Bucket struct {
	client    redis.UniversalClient
	name      string
	namespace string
	address   string
	owned     bool
}

// NewBucket connects to Redis and scopes the bucket to the container name
func NewBucket(ctx context.Context, cfg Config, name string) (*Bucket, error) {
	if name == "" {
		return nil, fmt.Errorf("container name is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 2 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	})

	if cfg.TracerProvider != nil {
		if err := redisotel.InstrumentTracing(client, redisotel.WithTracerProvider(cfg.TracerProvider)); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to instrument Redis tracing: %w", err)
		}
	}
	if cfg.MeterProvider != nil {
		if err := redisotel.InstrumentMetrics(client, redisotel.WithMeterProvider(cfg.MeterProvider)); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to instrument Redis metrics: %w", err)
		}
	}

	// Test connection with the provided context
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	b := NewBucketWithClient(client, name)
	b.address = cfg.Address
	b.owned = true
	return b, nil
}

// NewBucketWithClient scopes an existing client to the container name. The
// client is not closed by Close.
func NewBucketWithClient(client redis.UniversalClient, name string) *Bucket {
	return &Bucket{
		client:    client,
		name:      name,
		namespace: fmt.Sprintf("jobstore:%s:", name),
	}
}

func (b *Bucket) markerKey() string { return b.namespace + "container" }

func (b *Bucket) indexKey() string { return b.namespace + "index" }

func (b *Bucket) objectKey(k string) string { return b.namespace + "obj:" + k }

// Name returns the container name
func (b *Bucket) Name() string {
	return b.name
}

// Create sets the container marker
func (b *Bucket) Create(ctx context.Context) error {
	ok, err := b.client.SetNX(ctx, b.markerKey(), time.Now().Unix(), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", b.name, err)
	}
	if !ok {
		return blobstore.ErrBucketExists
	}
	return nil
}

// Open checks the container marker
func (b *Bucket) Open(ctx context.Context) error {
	n, err := b.client.Exists(ctx, b.markerKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to open container %s: %w", b.name, err)
	}
	if n == 0 {
		return blobstore.ErrBucketNotFound
	}
	return nil
}

// Destroy deletes the container marker once the index is empty
func (b *Bucket) Destroy(ctx context.Context) error {
	count, err := b.client.SCard(ctx, b.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to count container %s: %w", b.name, err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %d objects in %s", blobstore.ErrBucketNotEmpty, count, b.name)
	}

	n, err := b.client.Del(ctx, b.markerKey(), b.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to delete container %s: %w", b.name, err)
	}
	if n == 0 {
		return blobstore.ErrBucketNotFound
	}
	return nil
}

// List scans the index; sizes are fetched in one pipeline per scan batch
func (b *Bucket) List(ctx context.Context, prefix string) iter.Seq2[blobstore.ObjectInfo, error] {
	return func(yield func(blobstore.ObjectInfo, error) bool) {
		var cursor uint64
		for {
			keys, next, err := b.client.SScan(ctx, b.indexKey(), cursor, "", scanCount).Result()
			if err != nil {
				yield(blobstore.ObjectInfo{}, fmt.Errorf("failed to scan container %s: %w", b.name, err))
				return
			}

			var matched []string
			for _, k := range keys {
				if strings.HasPrefix(k, prefix) {
					matched = append(matched, k)
				}
			}

			if len(matched) > 0 {
				cmds, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
					for _, k := range matched {
						pipe.StrLen(ctx, b.objectKey(k))
					}
					return nil
				})
				if err != nil {
					yield(blobstore.ObjectInfo{}, fmt.Errorf("failed to size objects: %w", err))
					return
				}
				for i, k := range matched {
					size := cmds[i].(*redis.IntCmd).Val()
					if !yield(blobstore.ObjectInfo{Key: k, Size: size}, nil) {
						return
					}
				}
			}

			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

// Attributes returns the object size; Redis keeps no modification time
func (b *Bucket) Attributes(ctx context.Context, key string) (blobstore.ObjectInfo, error) {
	var exists *redis.IntCmd
	var size *redis.IntCmd
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, b.objectKey(key))
		size = pipe.StrLen(ctx, b.objectKey(key))
		return nil
	})
	if err != nil {
		return blobstore.ObjectInfo{}, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	if exists.Val() == 0 {
		return blobstore.ObjectInfo{}, blobstore.ErrNotFound
	}
	return blobstore.ObjectInfo{Key: key, Size: size.Val()}, nil
}

// Upload appends r into a staging key and renames it into place in one
// transaction, so readers never observe a partial object.
func (b *Bucket) Upload(ctx context.Context, key string, r io.Reader, opts *blobstore.UploadOptions) error {
	staging := b.namespace + "pending:" + uuid.NewString()
	if err := b.client.Set(ctx, staging, "", pendingTTL).Err(); err != nil {
		return fmt.Errorf("failed to stage %s: %w", key, err)
	}

	committed := false
	defer func() {
		if !committed {
			b.client.Del(context.WithoutCancel(ctx), staging)
		}
	}()

	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if aerr := b.client.Append(ctx, staging, string(buf[:n])).Err(); aerr != nil {
				return fmt.Errorf("failed to append to %s: %w", key, aerr)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
	}

	target := b.objectKey(key)
	var renamed *redis.BoolCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if blobstore.IfNotExist(opts) {
			renamed = pipe.RenameNX(ctx, staging, target)
		} else {
			pipe.Rename(ctx, staging, target)
		}
		pipe.Persist(ctx, target)
		pipe.SAdd(ctx, b.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	if renamed != nil && !renamed.Val() {
		return blobstore.ErrExists
	}
	committed = true
	return nil
}

// Download fetches the whole value and writes it to w
func (b *Bucket) Download(ctx context.Context, key string, w io.Writer) error {
	data, err := b.client.Get(ctx, b.objectKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return blobstore.ErrNotFound
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return nil
}

// Delete removes the object and its index entry
func (b *Bucket) Delete(ctx context.Context, key string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.objectKey(key))
		pipe.SRem(ctx, b.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// URL returns a redis:// reference to the object key
func (b *Bucket) URL(key string) string {
	return fmt.Sprintf("redis://%s/%s", b.address, url.PathEscape(b.objectKey(key)))
}

// Close closes the Redis client if the bucket opened it
func (b *Bucket) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}
