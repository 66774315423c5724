// Package blobstoretest holds the conformance suite every blobstore.Bucket
// adapter runs in its own tests.
package blobstoretest

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sort"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Duke-GCB/toil/blobstore"
)

// Factory returns a fresh container that has not been created yet. The
// factory is responsible for registering cleanup.
type Factory func(t *testing.T) blobstore.Bucket

// Run exercises b against the blobstore.Bucket contract.
func Run(t *testing.T, newBucket Factory) {
	t.Run("Lifecycle", func(t *testing.T) {
		testLifecycle(t, newBucket(t))
	})
	t.Run("UploadDownload", func(t *testing.T) {
		testUploadDownload(t, created(t, newBucket))
	})
	t.Run("IfNotExist", func(t *testing.T) {
		testIfNotExist(t, created(t, newBucket))
	})
	t.Run("Missing", func(t *testing.T) {
		testMissing(t, created(t, newBucket))
	})
	t.Run("List", func(t *testing.T) {
		testList(t, created(t, newBucket))
	})
	t.Run("FailedUploadDiscarded", func(t *testing.T) {
		testFailedUpload(t, created(t, newBucket))
	})
}

func created(t *testing.T, newBucket Factory) blobstore.Bucket {
	t.Helper()
	b := newBucket(t)
	require.NoError(t, b.Create(context.Background()))
	return b
}

func testLifecycle(t *testing.T, b blobstore.Bucket) {
	ctx := context.Background()

	assert.ErrorIs(t, b.Open(ctx), blobstore.ErrBucketNotFound)
	require.NoError(t, b.Create(ctx))
	assert.ErrorIs(t, b.Create(ctx), blobstore.ErrBucketExists)
	require.NoError(t, b.Open(ctx))

	require.NoError(t, b.Upload(ctx, "leftover", bytes.NewReader([]byte("x")), nil))
	assert.Error(t, b.Destroy(ctx), "destroying a non-empty container must fail")

	require.NoError(t, b.Delete(ctx, "leftover"))
	require.NoError(t, b.Destroy(ctx))
	assert.ErrorIs(t, b.Open(ctx), blobstore.ErrBucketNotFound)
}

func testUploadDownload(t *testing.T, b blobstore.Bucket) {
	ctx := context.Background()

	sizes := map[string]int{
		"empty":  0,
		"small":  17,
		"medium": 300 << 10,
	}
	for name, size := range sizes {
		t.Run(name, func(t *testing.T) {
			data := make([]byte, size)
			_, err := rand.Read(data)
			require.NoError(t, err)

			require.NoError(t, b.Upload(ctx, name, bytes.NewReader(data), nil))

			var got bytes.Buffer
			require.NoError(t, b.Download(ctx, name, &got))
			assert.Equal(t, data, got.Bytes())

			info, err := b.Attributes(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, int64(size), info.Size)
		})
	}

	// Overwrite replaces the whole object.
	require.NoError(t, b.Upload(ctx, "small", bytes.NewReader([]byte("replaced")), nil))
	var got bytes.Buffer
	require.NoError(t, b.Download(ctx, "small", &got))
	assert.Equal(t, "replaced", got.String())
}

func testIfNotExist(t *testing.T, b blobstore.Bucket) {
	ctx := context.Background()
	opts := &blobstore.UploadOptions{IfNotExist: true}

	require.NoError(t, b.Upload(ctx, "once", bytes.NewReader([]byte("first")), opts))
	err := b.Upload(ctx, "once", bytes.NewReader([]byte("second")), opts)
	assert.ErrorIs(t, err, blobstore.ErrExists)

	var got bytes.Buffer
	require.NoError(t, b.Download(ctx, "once", &got))
	assert.Equal(t, "first", got.String())
}

func testMissing(t *testing.T, b blobstore.Bucket) {
	ctx := context.Background()

	var got bytes.Buffer
	err := b.Download(ctx, "nope", &got)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	assert.Zero(t, got.Len())

	_, err = b.Attributes(ctx, "nope")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	err = b.Delete(ctx, "nope")
	if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		t.Errorf("Delete() of missing key error = %v", err)
	}
}

func testList(t *testing.T, b blobstore.Bucket) {
	ctx := context.Background()

	keys := []string{"job-a", "job-b", "file-1", "file-2", "file-3"}
	for _, k := range keys {
		require.NoError(t, b.Upload(ctx, k, bytes.NewReader([]byte(k)), nil))
	}

	list := func(prefix string) []string {
		var out []string
		for info, err := range b.List(ctx, prefix) {
			require.NoError(t, err)
			out = append(out, info.Key)
		}
		sort.Strings(out)
		return out
	}

	assert.Equal(t, []string{"job-a", "job-b"}, list("job"))
	assert.Len(t, list(""), len(keys))

	// Breaking out of the sequence early must not leak or panic.
	for range b.List(ctx, "") {
		break
	}
}

func testFailedUpload(t *testing.T, b blobstore.Bucket) {
	ctx := context.Background()

	broken := io.MultiReader(
		bytes.NewReader([]byte("partial content")),
		iotest.ErrReader(errors.New("producer died")),
	)
	err := b.Upload(ctx, "broken", broken, nil)
	require.Error(t, err)

	_, err = b.Attributes(ctx, "broken")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

// Put uploads data under key, overwriting any existing object.
func Put(ctx context.Context, b blobstore.Bucket, key string, data []byte) error {
	return b.Upload(ctx, key, bytes.NewReader(data), nil)
}
