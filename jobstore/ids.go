package jobstore

import (
	"strings"

	"github.com/google/uuid"
)

const (
	jobIDPrefix       = "job"
	statsPrefix       = "stats-"
	statsReadPrefix   = "statsread-"
	sharedNamespaceID = "891f7db6-e4d9-4221-a58e-ab6cc4395f94"
)

// sharedFileNamespace partitions shared file names from generated IDs.
var sharedFileNamespace = uuid.MustParse(sharedNamespaceID)

// NewJobID returns "job" followed by a random UUID.
func NewJobID() string {
	return jobIDPrefix + uuid.NewString()
}

// NewFileID returns a random UUID. A UUID always starts with a hex digit, so
// file IDs never share the job prefix. ownerID is bookkeeping for callers and
// is not encoded in the ID.
func NewFileID(ownerID string) string {
	return uuid.NewString()
}

// SharedFileID maps a well-known name to its object key.
func SharedFileID(name string) string {
	return uuid.NewSHA1(sharedFileNamespace, []byte(name)).String()
}

// IsJobID reports whether id is in the job prefix space.
func IsJobID(id string) bool {
	return strings.HasPrefix(id, jobIDPrefix)
}
