package jobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/Duke-GCB/toil/blobstore"
)

var (
	// ErrNoSuchJob is matched by errors for job IDs that do not exist.
	ErrNoSuchJob = errors.New("no such job")
	// ErrNoSuchFile is matched by errors for file IDs that do not exist or
	// cannot name an object.
	ErrNoSuchFile = errors.New("no such file")
	// ErrBackendUnavailable is matched by transport, auth and server failures.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrStreamWorkerFailure is matched by errors raised from a stream's
	// background transfer.
	ErrStreamWorkerFailure = errors.New("stream worker failure")
	// ErrFileExists is returned when a create-only write finds the object
	// already present.
	ErrFileExists = blobstore.ErrExists
)

// NoSuchJobError reports a job ID with no stored record.
type NoSuchJobError struct {
	JobStoreID string
	Err        error
}

func (e *NoSuchJobError) Error() string {
	return fmt.Sprintf("no such job: %s", e.JobStoreID)
}

func (e *NoSuchJobError) Is(target error) bool { return target == ErrNoSuchJob }

func (e *NoSuchJobError) Unwrap() error { return e.Err }

// NoSuchFileError reports a file ID that is absent or malformed.
type NoSuchFileError struct {
	FileID string
	Err    error
}

func (e *NoSuchFileError) Error() string {
	if e.Err != nil && !errors.Is(e.Err, blobstore.ErrNotFound) {
		return fmt.Sprintf("no such file: %s: %v", e.FileID, e.Err)
	}
	return fmt.Sprintf("no such file: %s", e.FileID)
}

func (e *NoSuchFileError) Is(target error) bool { return target == ErrNoSuchFile }

func (e *NoSuchFileError) Unwrap() error { return e.Err }

// BackendUnavailableError wraps a backend failure that is not a missing object.
type BackendUnavailableError struct {
	Op  string
	ID  string
	Err error
}

func (e *BackendUnavailableError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: backend unavailable: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: backend unavailable: %v", e.Op, e.ID, e.Err)
}

func (e *BackendUnavailableError) Is(target error) bool { return target == ErrBackendUnavailable }

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// StreamWorkerError is returned when the goroutine moving a stream's bytes
// to or from the backend failed. Err keeps the classified cause, so a missing
// object still matches ErrNoSuchFile.
type StreamWorkerError struct {
	Op     string
	FileID string
	Err    error
}

func (e *StreamWorkerError) Error() string {
	return fmt.Sprintf("%s stream %s: worker failed: %v", e.Op, e.FileID, e.Err)
}

func (e *StreamWorkerError) Is(target error) bool { return target == ErrStreamWorkerFailure }

func (e *StreamWorkerError) Unwrap() error { return e.Err }

// classify turns a blobstore error into the jobstore taxonomy.
func classify(op, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, blobstore.ErrNotFound), errors.Is(err, blobstore.ErrInvalidKey):
		return &NoSuchFileError{FileID: id, Err: err}
	case errors.Is(err, blobstore.ErrExists):
		return fmt.Errorf("%s %s: %w", op, id, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s %s: %w", op, id, err)
	case errors.Is(err, ErrNoSuchFile), errors.Is(err, ErrBackendUnavailable):
		return err
	}
	return &BackendUnavailableError{Op: op, ID: id, Err: err}
}
