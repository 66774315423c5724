// Package provider opens the blobstore adapter a configuration points at.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Duke-GCB/toil/blobstore"
	"github.com/Duke-GCB/toil/blobstore/gocloud"
	"github.com/Duke-GCB/toil/blobstore/gridfs"
	"github.com/Duke-GCB/toil/blobstore/minio"
	"github.com/Duke-GCB/toil/blobstore/redis"
	"github.com/Duke-GCB/toil/blobstore/s3"
	"github.com/Duke-GCB/toil/config"
)

// Deps are the shared clients adapters may instrument themselves with.
type Deps struct {
	Logger         logrus.FieldLogger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Open returns an unopened bucket for the container named by loc. The caller
// closes it.
func Open(ctx context.Context, cfg *config.Config, loc config.Locator, deps Deps) (blobstore.Bucket, error) {
	name := loc.Container()
	log := deps.Logger
	if log == nil {
		log = logrus.New()
	}
	log.WithField("provider", loc.Provider).WithField("container", name).Debug("Opening bucket")

	switch loc.Provider {
	case config.ProviderAWS:
		return bucket(s3.NewBucket(s3.Config{
			Region:         cfg.AWS.Region,
			Endpoint:       cfg.AWS.S3.Endpoint,
			ForcePathStyle: cfg.AWS.S3.ForcePathStyle,
		}, name))

	case config.ProviderMinio:
		return bucket(minio.NewBucket(minio.Config{
			Endpoint:  cfg.Minio.Endpoint,
			Region:    cfg.Minio.Region,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			UseSSL:    cfg.Minio.UseSSL,
		}, name))

	case config.ProviderGoCloud:
		u, err := gocloudURL(cfg, loc)
		if err != nil {
			return nil, err
		}
		return bucket(gocloud.OpenBucket(ctx, u, name))

	case config.ProviderRedis:
		return bucket(redis.NewBucket(ctx, redis.Config{
			Address:        cfg.Redis.Address,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			DialTimeout:    cfg.Redis.DialTimeout,
			ReadTimeout:    cfg.Redis.ReadTimeout,
			TracerProvider: deps.TracerProvider,
			MeterProvider:  deps.MeterProvider,
		}, name))

	case config.ProviderMongoDB:
		return bucket(gridfs.NewBucket(ctx, gridfs.Config{
			URI:               cfg.MongoDB.URI,
			Database:          cfg.MongoDB.Database,
			PasswordSecretArn: cfg.MongoDB.PasswordSecretArn,
			Region:            cfg.AWS.Region,
			CAFile:            cfg.MongoDB.CAFile,
			SkipTLSVerify:     cfg.MongoDB.SkipTLSVerify,
			Logger:            log,
		}, name))
	}
	return nil, fmt.Errorf("unsupported provider %q", loc.Provider)
}

// bucket keeps a failed constructor from returning a typed nil Bucket.
func bucket[T blobstore.Bucket](b T, err error) (blobstore.Bucket, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// gocloudURL picks the gocloud bucket URL. A "mem" locator always uses a
// private in-memory bucket; a "file" locator needs a configured file:// URL.
func gocloudURL(cfg *config.Config, loc config.Locator) (string, error) {
	u := cfg.GoCloud.URL
	switch loc.Scheme {
	case "mem":
		return "mem://", nil
	case "file":
		if !strings.HasPrefix(u, "file://") {
			return "", fmt.Errorf("a file locator needs gocloud.url to be a file:// URL, got %q", u)
		}
	}
	if u == "" {
		return "", fmt.Errorf("gocloud.url is required")
	}
	return u, nil
}
