package jobstore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// recordFormat prefixes every encoded job record.
const recordFormat byte = 1

// ErrCorruptRecord is returned when a stored job record cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt job record")

func encodeRecord(rec *JobRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(recordFormat)

	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", rec.JobStoreID, err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*JobRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrCorruptRecord)
	}
	if data[0] != recordFormat {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrCorruptRecord, data[0])
	}

	var rec JobRecord
	if err := msgpack.Unmarshal(data[1:], &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	return &rec, nil
}
