package redis

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"testing/iotest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Duke-GCB/toil/blobstore"
	"github.com/Duke-GCB/toil/blobstore/blobstoretest"
)

func newTestBucket(t *testing.T, name string) (*Bucket, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	b, err := NewBucket(context.Background(), Config{Address: s.Addr()}, name)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, s
}

func TestBucket_Conformance(t *testing.T) {
	blobstoretest.Run(t, func(t *testing.T) blobstore.Bucket {
		b, _ := newTestBucket(t, "conformance--toil")
		return b
	})
}

func TestNewBucket_ConnectionFailure(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	_, err := NewBucket(context.Background(), Config{Address: addr}, "x--toil")
	if err == nil {
		t.Error("NewBucket() expected error for unreachable server")
	}
}

func TestBucket_Namespaces(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	a := NewBucketWithClient(client, "a--toil")
	b := NewBucketWithClient(client, "b--toil")
	require.NoError(t, a.Create(ctx))
	require.NoError(t, b.Create(ctx))

	require.NoError(t, blobstoretest.Put(ctx, a, "job1", []byte("from a")))

	_, err := b.Attributes(ctx, "job1")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	assert.True(t, s.Exists("jobstore:a--toil:obj:job1"))

	// Closing a bucket built on a shared client leaves the client usable.
	require.NoError(t, a.Close())
	assert.NoError(t, client.Ping(ctx).Err())
}

func TestBucket_FailedUploadLeavesNoStagingKey(t *testing.T) {
	ctx := context.Background()
	b, s := newTestBucket(t, "staging--toil")
	require.NoError(t, b.Create(ctx))

	r := iotest.ErrReader(errors.New("producer died"))
	require.Error(t, b.Upload(ctx, "job1", r, nil))

	for _, k := range s.Keys() {
		assert.NotContains(t, k, "pending:", "staging key %s left behind", k)
	}
}

func TestBucket_CommittedObjectHasNoTTL(t *testing.T) {
	ctx := context.Background()
	b, s := newTestBucket(t, "ttl--toil")
	require.NoError(t, b.Create(ctx))

	require.NoError(t, b.Upload(ctx, "job1", bytes.NewReader([]byte("payload")), nil))
	assert.Zero(t, s.TTL("jobstore:ttl--toil:obj:job1"))
}

func TestBucket_BackendError(t *testing.T) {
	ctx := context.Background()
	b, s := newTestBucket(t, "broken--toil")
	require.NoError(t, b.Create(ctx))

	s.SetError("ERR backend unavailable")
	defer s.SetError("")

	var buf bytes.Buffer
	err := b.Download(ctx, "job1", &buf)
	require.Error(t, err)
	assert.False(t, errors.Is(err, blobstore.ErrNotFound), "transport errors must not look like a missing object")

	assert.Error(t, b.Open(ctx))
}

func TestBucket_URL(t *testing.T) {
	b, s := newTestBucket(t, "url--toil")
	assert.Equal(t, "redis://"+s.Addr()+"/jobstore:url--toil:obj:job1", b.URL("job1"))
}
