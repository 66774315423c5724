package jobstore

import (
	"context"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Duke-GCB/toil/blobstore"
)

func TestResolve(t *testing.T) {
	s := newTestStore(t)

	valid := []string{
		NewJobID(),
		NewFileID(""),
		SharedFileID("x"),
		"stats-1",
		"a/b",
		"ünïcode",
	}
	for _, id := range valid {
		ref, err := s.engine.Resolve(id)
		require.NoError(t, err, id)
		assert.Equal(t, id, ref.Key)
		assert.Equal(t, "test--toil", ref.Container)
	}

	invalid := map[string]string{
		"empty":        "",
		"too long":     strings.Repeat("a", maxIDLength+1),
		"not utf8":     "a\xffb",
		"dot":          ".",
		"dotdot":       "..",
		"leading /":    "/abs",
		"control char": "a\nb",
		"marker":       ".jobstore-container",
	}
	for name, id := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := s.engine.Resolve(id)
			assert.ErrorIs(t, err, ErrNoSuchFile)
			assert.ErrorIs(t, err, blobstore.ErrInvalidKey)
		})
	}
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := NewFileID("")
	ok, err := s.engine.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.engine.WriteWhole(ctx, id, nil, false))
	ok, err = s.engine.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok, "an empty object still exists")

	ok, err = s.engine.Exists(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExistsBackendFailure(t *testing.T) {
	s, b := newMockStore(t)
	b.EXPECT().Attributes(gomock.Any(), "f").Return(blobstore.ObjectInfo{}, assert.AnError)

	ok, err := s.engine.Exists(context.Background(), "f")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, assert.AnError)
}
