package jobstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// JobDescriptor holds the caller-supplied fields of a new job.
type JobDescriptor struct {
	Command           string
	Memory            int64
	Cores             float64
	Disk              int64
	LogJobStoreFileID string
	PredecessorNumber int
	Payload           []byte
}

// JobRecord is the persisted form of a job.
type JobRecord struct {
	JobStoreID          string  `msgpack:"id"`
	Command             string  `msgpack:"command"`
	Memory              int64   `msgpack:"memory"`
	Cores               float64 `msgpack:"cores"`
	Disk                int64   `msgpack:"disk"`
	RemainingRetryCount int     `msgpack:"remainingRetryCount"`
	LogJobStoreFileID   string  `msgpack:"logJobStoreFileID,omitempty"`
	PredecessorNumber   int     `msgpack:"predecessorNumber"`
	Payload             []byte  `msgpack:"payload,omitempty"`
}

// Create allocates a job ID and stores a new record for d.
func (s *Store) Create(ctx context.Context, d JobDescriptor) (_ *JobRecord, err error) {
	rec := &JobRecord{
		JobStoreID:          NewJobID(),
		Command:             d.Command,
		Memory:              d.Memory,
		Cores:               d.Cores,
		Disk:                d.Disk,
		RemainingRetryCount: s.defaultTryCount,
		LogJobStoreFileID:   d.LogJobStoreFileID,
		PredecessorNumber:   d.PredecessorNumber,
		Payload:             d.Payload,
	}

	ctx, span := s.tel.start(ctx, "Create", rec.JobStoreID)
	defer func() { end(span, err) }()

	data, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := s.engine.WriteWhole(ctx, rec.JobStoreID, data, false); err != nil {
		return nil, err
	}

	s.log.WithField("jobStoreID", rec.JobStoreID).Debug("Created job")
	s.notify(ctx, EventJobCreated, rec.JobStoreID, map[string]string{
		"command": rec.Command,
	})
	return rec, nil
}

// Load returns the stored record, or a NoSuchJobError.
func (s *Store) Load(ctx context.Context, jobStoreID string) (_ *JobRecord, err error) {
	ctx, span := s.tel.start(ctx, "Load", jobStoreID)
	defer func() { end(span, err) }()
	return s.load(ctx, jobStoreID)
}

func (s *Store) load(ctx context.Context, jobStoreID string) (*JobRecord, error) {
	if !IsJobID(jobStoreID) {
		return nil, &NoSuchJobError{JobStoreID: jobStoreID}
	}
	data, err := s.engine.ReadWhole(ctx, jobStoreID)
	if errors.Is(err, ErrNoSuchFile) {
		return nil, &NoSuchJobError{JobStoreID: jobStoreID, Err: err}
	}
	if err != nil {
		return nil, err
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobStoreID, err)
	}
	if rec.JobStoreID == "" {
		rec.JobStoreID = jobStoreID
	}
	return rec, nil
}

// Update overwrites the stored record with rec.
func (s *Store) Update(ctx context.Context, rec *JobRecord) (err error) {
	if rec == nil {
		return fmt.Errorf("job record is required")
	}
	ctx, span := s.tel.start(ctx, "Update", rec.JobStoreID)
	defer func() { end(span, err) }()

	if !IsJobID(rec.JobStoreID) {
		return &NoSuchJobError{JobStoreID: rec.JobStoreID}
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.engine.WriteWhole(ctx, rec.JobStoreID, data, true); err != nil {
		return err
	}

	s.notify(ctx, EventJobUpdated, rec.JobStoreID, map[string]string{
		"remainingRetryCount": strconv.Itoa(rec.RemainingRetryCount),
	})
	return nil
}

// Delete removes the job record. Files the job wrote are left alone, and
// deleting a missing job is not an error.
func (s *Store) Delete(ctx context.Context, jobStoreID string) (err error) {
	ctx, span := s.tel.start(ctx, "Delete", jobStoreID)
	defer func() { end(span, err) }()

	if !IsJobID(jobStoreID) {
		return nil
	}
	if err := s.engine.Delete(ctx, jobStoreID); err != nil {
		return err
	}
	s.log.WithField("jobStoreID", jobStoreID).Debug("Deleted job")
	s.notify(ctx, EventJobDeleted, jobStoreID, nil)
	return nil
}

// JobExists reports whether a record is stored under jobStoreID.
func (s *Store) JobExists(ctx context.Context, jobStoreID string) (bool, error) {
	if !IsJobID(jobStoreID) {
		return false, nil
	}
	return s.engine.Exists(ctx, jobStoreID)
}

// Jobs lazily loads every job record in one forward pass over the listing.
// Records deleted after they were listed are skipped. Iteration stops after
// the first error.
func (s *Store) Jobs(ctx context.Context) iter.Seq2[*JobRecord, error] {
	return func(yield func(*JobRecord, error) bool) {
		ctx, span := s.tel.start(ctx, "Jobs", "")
		var (
			err   error
			count int
		)
		defer func() {
			span.SetAttributes(attribute.Int("jobstore.jobs", count))
			end(span, err)
		}()

		for info, lerr := range s.bucket.List(ctx, jobIDPrefix) {
			if lerr != nil {
				err = classify("list", "", lerr)
				yield(nil, err)
				return
			}

			var rec *JobRecord
			rec, err = s.load(ctx, info.Key)
			if errors.Is(err, ErrNoSuchJob) {
				err = nil
				continue
			}
			if err != nil {
				yield(nil, err)
				return
			}
			count++
			if !yield(rec, nil) {
				return
			}
		}
	}
}
