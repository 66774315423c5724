package minio

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"github.com/Duke-GCB/toil/blobstore"
	"github.com/Duke-GCB/toil/blobstore/blobstoretest"
)

func testConfig() Config {
	return Config{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	}
}

func TestNewBucket(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		bucket  string
		wantErr bool
	}{
		{"valid", testConfig(), "demo--toil", false},
		{"no endpoint", Config{AccessKey: "a", SecretKey: "b"}, "demo--toil", true},
		{"no credentials", Config{Endpoint: "localhost:9000"}, "demo--toil", true},
		{"short name", testConfig(), "ab", true},
		{"bad characters", testConfig(), "demo toil", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBucket(tt.cfg, tt.bucket)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewBucket() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBucket_URLAndKeys(t *testing.T) {
	b, err := NewBucket(testConfig(), "demo--toil")
	if err != nil {
		t.Fatalf("NewBucket() error = %v", err)
	}

	if got, want := b.URL("job 1"), "http://localhost:9000/demo--toil/job%201"; got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
	if err := b.ValidateKey("job1"); err != nil {
		t.Errorf("ValidateKey() error = %v", err)
	}
	if err := b.ValidateKey(strings.Repeat("x", 1025)); !errors.Is(err, blobstore.ErrInvalidKey) {
		t.Errorf("ValidateKey() long key error = %v", err)
	}
}

func TestMapError(t *testing.T) {
	if err := mapError(minio.ErrorResponse{Code: "NoSuchKey"}); !errors.Is(err, blobstore.ErrNotFound) {
		t.Errorf("mapError(NoSuchKey) = %v", err)
	}
	if err := mapError(minio.ErrorResponse{Code: "NoSuchBucket"}); !errors.Is(err, blobstore.ErrBucketNotFound) {
		t.Errorf("mapError(NoSuchBucket) = %v", err)
	}
	if err := mapError(minio.ErrorResponse{Code: "SlowDown"}); errors.Is(err, blobstore.ErrNotFound) {
		t.Errorf("mapError(SlowDown) = %v", err)
	}
}

// TestBucket_Conformance needs a reachable server, e.g.
// JOBSTORE_MINIO_ENDPOINT=localhost:9000 with the default minioadmin account.
func TestBucket_Conformance(t *testing.T) {
	endpoint := os.Getenv("JOBSTORE_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("Skipping MinIO test: JOBSTORE_MINIO_ENDPOINT not set")
	}
	cfg := Config{
		Endpoint:  endpoint,
		AccessKey: envOr("JOBSTORE_MINIO_ACCESS_KEY", "minioadmin"),
		SecretKey: envOr("JOBSTORE_MINIO_SECRET_KEY", "minioadmin"),
	}

	blobstoretest.Run(t, func(t *testing.T) blobstore.Bucket {
		b, err := NewBucket(cfg, "toil-"+uuid.NewString()[:8]+"--toil")
		if err != nil {
			t.Fatalf("NewBucket() error = %v", err)
		}
		t.Cleanup(func() {
			ctx := context.Background()
			for info, err := range b.List(ctx, "") {
				if err != nil {
					break
				}
				_ = b.Delete(ctx, info.Key)
			}
			_ = b.Destroy(ctx)
		})
		return b
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
