package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/Duke-GCB/toil/blobstore"
	"github.com/Duke-GCB/toil/blobstore/gocloud"
)

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
	}
}

func TestCreateAndOpenStore(t *testing.T) {
	ctx := context.Background()
	root := memblob.OpenBucket(nil)
	defer root.Close()

	b := gocloud.NewBucket(root, "lifecycle--toil")
	s, err := Create(ctx, b, WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = s.Create(ctx, JobDescriptor{Command: "x"})
	require.NoError(t, err)

	again, err := Create(ctx, b, WithLogger(quietLogger()))
	require.NoError(t, err, "creating an existing store opens it")
	n := 0
	for _, err := range again.Jobs(ctx) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestOpenCreatesMissingContainer(t *testing.T) {
	ctx := context.Background()
	b := gocloud.NewBucket(memblob.OpenBucket(nil), "fresh--toil")
	defer b.Close()

	_, err := Open(ctx, b, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.NoError(t, b.Open(ctx))
}

func TestCreateStoreBackendFailure(t *testing.T) {
	_, b := newMockStore(t)
	b.EXPECT().Create(gomock.Any()).Return(assert.AnError)

	_, err := Create(context.Background(), b, WithLogger(quietLogger()))
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestDestroyThenOpenIsEmpty(t *testing.T) {
	ctx := context.Background()
	root := memblob.OpenBucket(nil)
	defer root.Close()

	b := gocloud.NewBucket(root, "destroy--toil")
	n := &recordingNotifier{}
	s, err := Create(ctx, b, WithLogger(quietLogger()), WithNotifier(n), WithDeleteConcurrency(2))
	require.NoError(t, err)
	for range 10 {
		_, err := s.Create(ctx, JobDescriptor{Command: "x"})
		require.NoError(t, err)
		_, err = s.GetEmptyFileStoreID(ctx, "")
		require.NoError(t, err)
	}

	require.NoError(t, s.Destroy(ctx))
	assert.ErrorIs(t, b.Open(ctx), blobstore.ErrBucketNotFound)
	assert.Contains(t, n.names(), EventStoreDestroyed)
	require.NoError(t, s.Destroy(ctx), "destroying a missing store succeeds")

	reopened, err := Open(ctx, b, WithLogger(quietLogger()))
	require.NoError(t, err)
	for _, err := range reopened.Jobs(ctx) {
		require.NoError(t, err)
		t.Fatal("reopened store still has jobs")
	}
}

func TestDestroyRetriesUntilEmpty(t *testing.T) {
	var retries []int
	policy := fastRetry(0)
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		retries = append(retries, attempt)
	}
	s, b := newMockStore(t, WithRetryPolicy(policy))

	// the listing lags: the first pass misses "late", the second sees it
	gomock.InOrder(
		b.EXPECT().List(gomock.Any(), "").Return(listing("a")),
		b.EXPECT().Delete(gomock.Any(), "a").Return(nil),
		b.EXPECT().Destroy(gomock.Any()).Return(blobstore.ErrBucketNotEmpty),
		b.EXPECT().List(gomock.Any(), "").Return(listing("late")),
		b.EXPECT().Delete(gomock.Any(), "late").Return(blobstore.ErrNotFound),
		b.EXPECT().Destroy(gomock.Any()).Return(nil),
	)

	require.NoError(t, s.Destroy(context.Background()))
	assert.Equal(t, []int{1}, retries)
}

func TestDestroyGivesUp(t *testing.T) {
	s, b := newMockStore(t, WithRetryPolicy(fastRetry(3)))
	b.EXPECT().List(gomock.Any(), "").Return(listing()).Times(3)
	b.EXPECT().Destroy(gomock.Any()).Return(blobstore.ErrBucketNotEmpty).Times(3)

	err := s.Destroy(context.Background())
	assert.ErrorIs(t, err, blobstore.ErrBucketNotEmpty)
}

func TestDestroyDeleteFailureRetries(t *testing.T) {
	s, b := newMockStore(t, WithRetryPolicy(fastRetry(2)))
	b.EXPECT().List(gomock.Any(), "").Return(listing("a", "b")).Times(2)
	b.EXPECT().Delete(gomock.Any(), "a").Return(nil).Times(2)
	b.EXPECT().Delete(gomock.Any(), "b").Return(assert.AnError).Times(2)

	err := s.Destroy(context.Background())
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestDestroyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := fastRetry(0)
	policy.OnRetry = func(int, error, time.Duration) { cancel() }

	s, b := newMockStore(t, WithRetryPolicy(policy))
	b.EXPECT().List(gomock.Any(), "").Return(listing()).MinTimes(1)
	b.EXPECT().Destroy(gomock.Any()).Return(blobstore.ErrBucketNotEmpty).MinTimes(1)

	assert.ErrorIs(t, s.Destroy(ctx), context.Canceled)
}
