// Package jobstore persists job records and file blobs for a workflow
// executor in a single container on a backend object store. Whole-object
// backends are bridged to incremental readers and writers by one worker
// goroutine per stream.
package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Duke-GCB/toil/blobstore"
)

const (
	defaultTryCount          = 1
	defaultDeleteConcurrency = 16
	defaultPublicURLExpiry   = time.Hour
)

// Event names a change a Notifier is told about.
type Event string

const (
	EventJobCreated     Event = "job.created"
	EventJobUpdated     Event = "job.updated"
	EventJobDeleted     Event = "job.deleted"
	EventFileWritten    Event = "file.written"
	EventFileDeleted    Event = "file.deleted"
	EventStoreDestroyed Event = "store.destroyed"
)

// Notifier is told about completed changes. Failures are logged and never fail
// the operation that caused the event.
type Notifier interface {
	Notify(ctx context.Context, ev Event, subject string, data map[string]string) error
}

type options struct {
	log               logrus.FieldLogger
	retry             RetryPolicy
	notifier          Notifier
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	defaultTryCount   int
	pipeDepth         int
	deleteConcurrency int
	publicURLExpiry   time.Duration
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the logger. The default is a fresh logrus.Logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithRetryPolicy sets the policy Destroy retries under.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithDefaultTryCount sets the RemainingRetryCount of newly created jobs.
func WithDefaultTryCount(n int) Option {
	return func(o *options) { o.defaultTryCount = n }
}

// WithStreamBuffer sets how many chunks a stream buffers between the caller
// and its worker.
func WithStreamBuffer(depth int) Option {
	return func(o *options) { o.pipeDepth = depth }
}

// WithDeleteConcurrency bounds the parallel deletes Destroy issues.
func WithDeleteConcurrency(n int) Option {
	return func(o *options) { o.deleteConcurrency = n }
}

// WithPublicURLExpiry sets the lifetime of presigned URLs.
func WithPublicURLExpiry(d time.Duration) Option {
	return func(o *options) { o.publicURLExpiry = d }
}

// Store is a job store bound to one container.
type Store struct {
	bucket   blobstore.Bucket
	engine   *Engine
	log      logrus.FieldLogger
	tel      *instruments
	notifier Notifier

	retry             RetryPolicy
	defaultTryCount   int
	deleteConcurrency int
	publicURLExpiry   time.Duration
}

// New wraps bucket without touching the backend. Use Create or Open to make
// sure the container exists.
func New(bucket blobstore.Bucket, opts ...Option) (*Store, error) {
	if bucket == nil {
		return nil, fmt.Errorf("bucket is required")
	}

	o := options{
		retry:             DefaultRetryPolicy(),
		defaultTryCount:   defaultTryCount,
		pipeDepth:         defaultPipeDepth,
		deleteConcurrency: defaultDeleteConcurrency,
		publicURLExpiry:   defaultPublicURLExpiry,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.New()
	}
	if o.deleteConcurrency <= 0 {
		o.deleteConcurrency = defaultDeleteConcurrency
	}
	log := o.log.WithField("container", bucket.Name())

	tel, err := newInstruments(o.tracerProvider, o.meterProvider, bucket.Name())
	if err != nil {
		return nil, err
	}

	return &Store{
		bucket:            bucket,
		engine:            newEngine(bucket, log, tel, o.pipeDepth),
		log:               log,
		tel:               tel,
		notifier:          o.notifier,
		retry:             o.retry,
		defaultTryCount:   o.defaultTryCount,
		deleteConcurrency: o.deleteConcurrency,
		publicURLExpiry:   o.publicURLExpiry,
	}, nil
}

// Name returns the container name.
func (s *Store) Name() string {
	return s.bucket.Name()
}

// Objects exposes the object-level engine the store is built on.
func (s *Store) Objects() ObjectAPI {
	return s.engine
}

// Close releases the backend client.
func (s *Store) Close() error {
	return s.bucket.Close()
}

func (s *Store) notify(ctx context.Context, ev Event, subject string, data map[string]string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, ev, subject, data); err != nil {
		s.log.WithError(err).WithField("event", string(ev)).Warn("Failed to send notification")
	}
}
