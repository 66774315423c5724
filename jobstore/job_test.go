package jobstore

import (
	"context"
	"io"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Duke-GCB/toil/blobstore"
)

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	s := newTestStore(t, WithDefaultTryCount(3), WithNotifier(n))

	rec, err := s.Create(ctx, JobDescriptor{
		Command:           "run --fast",
		Memory:            2 << 30,
		Cores:             1.5,
		Disk:              10 << 30,
		PredecessorNumber: 2,
		Payload:           []byte{0, 1, 2, 0xff},
	})
	require.NoError(t, err)
	assert.True(t, IsJobID(rec.JobStoreID))
	assert.Equal(t, 3, rec.RemainingRetryCount)

	loaded, err := s.Load(ctx, rec.JobStoreID)
	require.NoError(t, err)
	if diff := cmp.Diff(rec, loaded); diff != "" {
		t.Errorf("loaded record mismatch (-want +got):\n%s", diff)
	}

	loaded.RemainingRetryCount--
	loaded.Command = "run --slow"
	require.NoError(t, s.Update(ctx, loaded))
	reloaded, err := s.Load(ctx, rec.JobStoreID)
	require.NoError(t, err)
	if diff := cmp.Diff(loaded, reloaded); diff != "" {
		t.Errorf("updated record mismatch (-want +got):\n%s", diff)
	}

	ok, err := s.JobExists(ctx, rec.JobStoreID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, rec.JobStoreID))
	ok, err = s.JobExists(ctx, rec.JobStoreID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Load(ctx, rec.JobStoreID)
	var nsj *NoSuchJobError
	require.ErrorAs(t, err, &nsj)
	assert.Equal(t, rec.JobStoreID, nsj.JobStoreID)

	assert.NoError(t, s.Delete(ctx, rec.JobStoreID), "deleting twice is a no-op")
	assert.Equal(t, []Event{EventJobCreated, EventJobUpdated, EventJobDeleted, EventJobDeleted}, n.names())
}

func TestLoadNonJobID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fileID, err := s.GetEmptyFileStoreID(ctx, "")
	require.NoError(t, err)

	_, err = s.Load(ctx, fileID)
	assert.ErrorIs(t, err, ErrNoSuchJob)

	ok, err := s.JobExists(ctx, fileID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadCorruptRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := NewJobID()
	require.NoError(t, s.engine.WriteWhole(ctx, id, []byte{9, 9, 9}, false))
	_, err := s.Load(ctx, id)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	require.NoError(t, s.engine.WriteWhole(ctx, id, nil, true))
	_, err = s.Load(ctx, id)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestDeleteJobKeepsFiles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, err := s.Create(ctx, JobDescriptor{Command: "x"})
	require.NoError(t, err)
	fileID, err := s.GetEmptyFileStoreID(ctx, rec.JobStoreID)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, rec.JobStoreID))
	ok, err := s.FileExists(ctx, fileID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	want := make(map[string]bool)
	for range 5 {
		rec, err := s.Create(ctx, JobDescriptor{Command: "x"})
		require.NoError(t, err)
		want[rec.JobStoreID] = true
	}
	_, err := s.GetEmptyFileStoreID(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.WriteStatsAndLogging(ctx, []byte("{}")))

	got := make(map[string]bool)
	for rec, err := range s.Jobs(ctx) {
		require.NoError(t, err)
		got[rec.JobStoreID] = true
	}
	assert.Equal(t, want, got)
}

func TestJobsEarlyBreak(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for range 3 {
		_, err := s.Create(ctx, JobDescriptor{})
		require.NoError(t, err)
	}

	n := 0
	for _, err := range s.Jobs(ctx) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestJobsSkipsVanishedRecords(t *testing.T) {
	s, b := newMockStore(t)
	rec := &JobRecord{JobStoreID: "job1", Command: "x"}
	data, err := encodeRecord(rec)
	require.NoError(t, err)

	b.EXPECT().List(gomock.Any(), "job").Return(listing("job0", "job1"))
	b.EXPECT().Download(gomock.Any(), "job0", gomock.Any()).Return(blobstore.ErrNotFound)
	b.EXPECT().Download(gomock.Any(), "job1", gomock.Any()).
		DoAndReturn(func(ctx context.Context, key string, w io.Writer) error {
			_, err := w.Write(data)
			return err
		})

	var got []*JobRecord
	for r, err := range s.Jobs(context.Background()) {
		require.NoError(t, err)
		got = append(got, r)
	}
	if diff := cmp.Diff([]*JobRecord{rec}, got); diff != "" {
		t.Errorf("jobs mismatch (-want +got):\n%s", diff)
	}
}

func TestJobsListFailure(t *testing.T) {
	s, b := newMockStore(t)
	b.EXPECT().List(gomock.Any(), "job").Return(
		func(yield func(blobstore.ObjectInfo, error) bool) {
			yield(blobstore.ObjectInfo{}, assert.AnError)
		})

	var errs []error
	for _, err := range s.Jobs(context.Background()) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrBackendUnavailable)
}

func TestUpdateRejectsNonJob(t *testing.T) {
	s := newTestStore(t)

	assert.Error(t, s.Update(context.Background(), nil))
	assert.ErrorIs(t, s.Update(context.Background(), &JobRecord{JobStoreID: "nope"}), ErrNoSuchJob)
}
