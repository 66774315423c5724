package jobstore

import (
	"context"
	"io"
	"iter"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/Duke-GCB/toil/blobstore"
	"github.com/Duke-GCB/toil/blobstore/gocloud"
	"github.com/Duke-GCB/toil/blobstore/mock"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestStore returns a created store on a private in-memory bucket.
func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	b := gocloud.NewBucket(memblob.OpenBucket(nil), "test--toil")
	s, err := Create(context.Background(), b, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newMockStore returns a store over a gomock bucket. Name is always allowed.
func newMockStore(t *testing.T, opts ...Option) (*Store, *mock.MockBucket) {
	t.Helper()
	ctrl := gomock.NewController(t)
	b := mock.NewMockBucket(ctrl)
	b.EXPECT().Name().Return("mock--toil").AnyTimes()

	s, err := New(b, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return s, b
}

func listing(keys ...string) iter.Seq2[blobstore.ObjectInfo, error] {
	return func(yield func(blobstore.ObjectInfo, error) bool) {
		for _, k := range keys {
			if !yield(blobstore.ObjectInfo{Key: k}, nil) {
				return
			}
		}
	}
}

type recordedEvent struct {
	Event   Event
	Subject string
	Data    map[string]string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, ev Event, subject string, data map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{Event: ev, Subject: subject, Data: data})
	return n.err
}

func (n *recordingNotifier) names() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, e := range n.events {
		out = append(out, e.Event)
	}
	return out
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	s, _ := newMockStore(t, WithDeleteConcurrency(0), WithDefaultTryCount(3))
	assert.Equal(t, "mock--toil", s.Name())
	assert.Equal(t, defaultDeleteConcurrency, s.deleteConcurrency)
	assert.Equal(t, 3, s.defaultTryCount)
	assert.NotNil(t, s.Objects())
}

func TestNotifierFailureIsNotFatal(t *testing.T) {
	n := &recordingNotifier{err: assert.AnError}
	s := newTestStore(t, WithNotifier(n))

	_, err := s.Create(context.Background(), JobDescriptor{Command: "true"})
	require.NoError(t, err)
	assert.Equal(t, []Event{EventJobCreated}, n.names())
}
