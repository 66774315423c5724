package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Duke-GCB/toil/blobstore"
)

const maxIDLength = 1024

// ObjectRef is the backend address of an identifier.
type ObjectRef struct {
	ID        string
	Container string
	Key       string
}

// Resolve maps id to its object reference without touching the backend. A
// malformed id fails with a NoSuchFileError.
func (e *Engine) Resolve(id string) (ObjectRef, error) {
	if err := validateID(id); err != nil {
		return ObjectRef{}, &NoSuchFileError{FileID: id, Err: err}
	}
	if v, ok := e.bucket.(blobstore.KeyValidator); ok {
		if err := v.ValidateKey(id); err != nil {
			return ObjectRef{}, &NoSuchFileError{FileID: id, Err: err}
		}
	}
	return ObjectRef{ID: id, Container: e.bucket.Name(), Key: id}, nil
}

func validateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty identifier", blobstore.ErrInvalidKey)
	case len(id) > maxIDLength:
		return fmt.Errorf("%w: identifier longer than %d bytes", blobstore.ErrInvalidKey, maxIDLength)
	case !utf8.ValidString(id):
		return fmt.Errorf("%w: identifier is not valid UTF-8", blobstore.ErrInvalidKey)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", blobstore.ErrInvalidKey, id)
	case strings.HasPrefix(id, "/"):
		return fmt.Errorf("%w: leading slash", blobstore.ErrInvalidKey)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: control character", blobstore.ErrInvalidKey)
	}
	return nil
}

// Exists probes the backend. Absent and malformed identifiers report false;
// only backend failures return an error.
func (e *Engine) Exists(ctx context.Context, id string) (bool, error) {
	ref, err := e.Resolve(id)
	if err != nil {
		return false, nil
	}
	_, err = e.bucket.Attributes(ctx, ref.Key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, blobstore.ErrNotFound):
		return false, nil
	}
	return false, classify("exists", id, err)
}
