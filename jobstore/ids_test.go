package jobstore

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobID(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := NewJobID()
		require.True(t, strings.HasPrefix(id, "job"), id)
		_, err := uuid.Parse(strings.TrimPrefix(id, "job"))
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestFileIDsNeverLookLikeJobs(t *testing.T) {
	for range 1000 {
		id := NewFileID("job-owner")
		assert.False(t, IsJobID(id), id)
		assert.NotContains(t, id, "job-owner")
	}
}

func TestSharedFileID(t *testing.T) {
	a := SharedFileID("config.pickle")
	assert.Equal(t, a, SharedFileID("config.pickle"))
	assert.NotEqual(t, a, SharedFileID("config.pickle2"))
	assert.False(t, IsJobID(a))

	u, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), u.Version())
}
