package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/Duke-GCB/toil/blobstore/gocloud"
	"github.com/Duke-GCB/toil/jobstore"
)

type sink struct {
	mu     sync.Mutex
	events []cloudevents.Event
	status int
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e, err := cloudevents.NewEventFromHTTPRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.events = append(s.events, *e)
	s.mu.Unlock()
	w.WriteHeader(s.status)
}

func newSink(t *testing.T, status int) (*sink, string) {
	s := &sink{status: status}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv.URL
}

func TestNotify(t *testing.T) {
	s, url := newSink(t, http.StatusAccepted)
	n, err := NewNotifier(Config{Target: url, Source: "/test"})
	require.NoError(t, err)

	err = n.Notify(context.Background(), jobstore.EventFileWritten, "file-1", map[string]string{"size": "3"})
	require.NoError(t, err)

	require.Len(t, s.events, 1)
	e := s.events[0]
	assert.Equal(t, "org.toil.jobstore.file.written", e.Type())
	assert.Equal(t, "/test", e.Source())
	assert.Equal(t, "file-1", e.Subject())
	assert.NotEmpty(t, e.ID())

	var data map[string]string
	require.NoError(t, e.DataAs(&data))
	assert.Equal(t, map[string]string{"size": "3"}, data)
}

func TestNotifyRejected(t *testing.T) {
	_, url := newSink(t, http.StatusInternalServerError)
	n, err := NewNotifier(Config{Target: url})
	require.NoError(t, err)

	err = n.Notify(context.Background(), jobstore.EventJobDeleted, "job1", nil)
	assert.Error(t, err)
}

func TestNewNotifierRequiresTarget(t *testing.T) {
	_, err := NewNotifier(Config{})
	assert.Error(t, err)
}

func TestStoreEvents(t *testing.T) {
	ctx := context.Background()
	s, url := newSink(t, http.StatusOK)
	n, err := NewNotifier(Config{Target: url})
	require.NoError(t, err)

	b := gocloud.NewBucket(memblob.OpenBucket(nil), "events--toil")
	store, err := jobstore.Create(ctx, b, jobstore.WithNotifier(n))
	require.NoError(t, err)
	defer store.Close()

	rec, err := store.Create(ctx, jobstore.JobDescriptor{Command: "echo"})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, rec.JobStoreID))

	var types []string
	for _, e := range s.events {
		types = append(types, e.Type())
		assert.Equal(t, rec.JobStoreID, e.Subject())
		assert.Equal(t, defaultSource, e.Source())
	}
	assert.Equal(t, []string{
		TypePrefix + string(jobstore.EventJobCreated),
		TypePrefix + string(jobstore.EventJobDeleted),
	}, types)
}
