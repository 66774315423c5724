package jobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Duke-GCB/toil/blobstore"
)

// WriteFile uploads the local file at localPath under a new file ID.
func (s *Store) WriteFile(ctx context.Context, localPath, ownerID string) (_ string, err error) {
	fileID := NewFileID(ownerID)
	ctx, span := s.tel.start(ctx, "WriteFile", fileID)
	defer func() { end(span, err) }()

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	n, err := s.engine.writeFrom(ctx, fileID, f, false)
	if err != nil {
		return "", err
	}
	s.fileWritten(ctx, fileID, ownerID, n)
	return fileID, nil
}

// ReadFile downloads fileID to localPath. localPath is only replaced once the
// download completed.
func (s *Store) ReadFile(ctx context.Context, fileID, localPath string) (err error) {
	ctx, span := s.tel.start(ctx, "ReadFile", fileID)
	defer func() { end(span, err) }()

	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", localPath, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = s.engine.readInto(ctx, fileID, tmp); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	if err = os.Rename(tmp.Name(), localPath); err != nil {
		return fmt.Errorf("failed to move download to %s: %w", localPath, err)
	}
	return nil
}

// UpdateFile replaces the content of an existing file with the local file at
// localPath.
func (s *Store) UpdateFile(ctx context.Context, fileID, localPath string) (err error) {
	ctx, span := s.tel.start(ctx, "UpdateFile", fileID)
	defer func() { end(span, err) }()

	if err := s.mustExist(ctx, fileID); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	n, err := s.engine.writeFrom(ctx, fileID, f, true)
	if err != nil {
		return err
	}
	s.fileWritten(ctx, fileID, "", n)
	return nil
}

// WriteFileStream opens a stream that writes a new file. The file ID is
// available from the stream right away; the file exists once Close succeeds.
func (s *Store) WriteFileStream(ctx context.Context, ownerID string) (*UploadStream, error) {
	fileID := NewFileID(ownerID)
	st, err := s.engine.OpenUploadStream(ctx, fileID, false)
	if err != nil {
		return nil, err
	}
	st.onCommit = func(ctx context.Context, n int64) {
		s.fileWritten(ctx, fileID, ownerID, n)
	}
	return st, nil
}

// UpdateFileStream opens a stream that replaces an existing file.
func (s *Store) UpdateFileStream(ctx context.Context, fileID string) (*UploadStream, error) {
	if err := s.mustExist(ctx, fileID); err != nil {
		return nil, err
	}
	st, err := s.engine.OpenUploadStream(ctx, fileID, true)
	if err != nil {
		return nil, err
	}
	st.onCommit = func(ctx context.Context, n int64) {
		s.fileWritten(ctx, fileID, "", n)
	}
	return st, nil
}

// ReadFileStream opens a stream over the content of fileID.
func (s *Store) ReadFileStream(ctx context.Context, fileID string) (*DownloadStream, error) {
	return s.engine.OpenDownloadStream(ctx, fileID)
}

// WriteSharedFileStream opens a stream that creates or replaces the shared
// file called name.
func (s *Store) WriteSharedFileStream(ctx context.Context, name string) (*UploadStream, error) {
	if name == "" {
		return nil, fmt.Errorf("shared file name is required")
	}
	fileID := SharedFileID(name)
	st, err := s.engine.OpenUploadStream(ctx, fileID, true)
	if err != nil {
		return nil, err
	}
	st.onCommit = func(ctx context.Context, n int64) {
		s.log.WithField("sharedFile", name).Debug("Wrote shared file")
		s.notify(ctx, EventFileWritten, fileID, map[string]string{
			"sharedFileName": name,
			"size":           strconv.FormatInt(n, 10),
		})
	}
	return st, nil
}

// ReadSharedFileStream opens a stream over the shared file called name.
func (s *Store) ReadSharedFileStream(ctx context.Context, name string) (*DownloadStream, error) {
	return s.engine.OpenDownloadStream(ctx, SharedFileID(name))
}

func (s *Store) SharedFileExists(ctx context.Context, name string) (bool, error) {
	return s.engine.Exists(ctx, SharedFileID(name))
}

func (s *Store) FileExists(ctx context.Context, fileID string) (bool, error) {
	return s.engine.Exists(ctx, fileID)
}

// DeleteFile removes fileID. Deleting a missing file is not an error.
func (s *Store) DeleteFile(ctx context.Context, fileID string) (err error) {
	ctx, span := s.tel.start(ctx, "DeleteFile", fileID)
	defer func() { end(span, err) }()

	if err := s.engine.Delete(ctx, fileID); err != nil {
		return err
	}
	s.notify(ctx, EventFileDeleted, fileID, nil)
	return nil
}

// GetEmptyFileStoreID stores an empty file and returns its ID.
func (s *Store) GetEmptyFileStoreID(ctx context.Context, ownerID string) (_ string, err error) {
	fileID := NewFileID(ownerID)
	ctx, span := s.tel.start(ctx, "GetEmptyFileStoreID", fileID)
	defer func() { end(span, err) }()

	if err := s.engine.WriteWhole(ctx, fileID, nil, false); err != nil {
		return "", err
	}
	s.fileWritten(ctx, fileID, ownerID, 0)
	return fileID, nil
}

// GetPublicURL returns an address for an existing file. Buckets that can
// presign hand out a time-limited URL; the others return their plain URL.
func (s *Store) GetPublicURL(ctx context.Context, fileID string) (_ string, err error) {
	ctx, span := s.tel.start(ctx, "GetPublicURL", fileID)
	defer func() { end(span, err) }()

	ref, err := s.engine.Resolve(fileID)
	if err != nil {
		return "", err
	}
	if err := s.mustExist(ctx, fileID); err != nil {
		return "", err
	}

	if p, ok := s.bucket.(blobstore.Presigner); ok {
		u, err := p.PresignedURL(ctx, ref.Key, s.publicURLExpiry)
		if err != nil {
			return "", classify("presign", fileID, err)
		}
		return u, nil
	}
	return s.bucket.URL(ref.Key), nil
}

// GetSharedPublicURL is GetPublicURL for the shared file called name.
func (s *Store) GetSharedPublicURL(ctx context.Context, name string) (string, error) {
	return s.GetPublicURL(ctx, SharedFileID(name))
}

// WriteStatsAndLogging stores one stats and logging message for a later
// ReadStatsAndLogging.
func (s *Store) WriteStatsAndLogging(ctx context.Context, msg []byte) (err error) {
	id := statsPrefix + uuid.NewString()
	ctx, span := s.tel.start(ctx, "WriteStatsAndLogging", id)
	defer func() { end(span, err) }()

	return s.engine.WriteWhole(ctx, id, msg, false)
}

// ReadStatsAndLogging passes every unread message to fn and marks it read.
// With readAll, messages read by earlier calls are passed too. It returns the
// number of messages fn accepted; the first error from fn stops the scan.
func (s *Store) ReadStatsAndLogging(ctx context.Context, fn func(msg []byte) error, readAll bool) (_ int, err error) {
	ctx, span := s.tel.start(ctx, "ReadStatsAndLogging", "")
	defer func() { end(span, err) }()

	unread, err := s.listKeys(ctx, statsPrefix)
	if err != nil {
		return 0, err
	}
	var read []string
	if readAll {
		if read, err = s.listKeys(ctx, statsReadPrefix); err != nil {
			return 0, err
		}
	}

	n := 0
	for _, id := range unread {
		data, err := s.engine.ReadWhole(ctx, id)
		if errors.Is(err, ErrNoSuchFile) {
			// consumed by a concurrent reader
			continue
		}
		if err != nil {
			return n, err
		}
		if err := fn(data); err != nil {
			return n, err
		}
		n++

		readID := statsReadPrefix + strings.TrimPrefix(id, statsPrefix)
		if err := s.engine.WriteWhole(ctx, readID, data, true); err != nil {
			return n, err
		}
		if err := s.engine.Delete(ctx, id); err != nil {
			return n, err
		}
	}

	for _, id := range read {
		data, err := s.engine.ReadWhole(ctx, id)
		if errors.Is(err, ErrNoSuchFile) {
			continue
		}
		if err != nil {
			return n, err
		}
		if err := fn(data); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for info, err := range s.bucket.List(ctx, prefix) {
		if err != nil {
			return nil, classify("list", prefix, err)
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

func (s *Store) mustExist(ctx context.Context, fileID string) error {
	ok, err := s.engine.Exists(ctx, fileID)
	if err != nil {
		return err
	}
	if !ok {
		return &NoSuchFileError{FileID: fileID, Err: blobstore.ErrNotFound}
	}
	return nil
}

func (s *Store) fileWritten(ctx context.Context, fileID, ownerID string, size int64) {
	log := s.log.WithField("fileID", fileID).WithField("size", size)
	data := map[string]string{"size": strconv.FormatInt(size, 10)}
	if ownerID != "" {
		log = log.WithField("ownerID", ownerID)
		data["ownerID"] = ownerID
	}
	log.Debug("Wrote file")
	s.notify(ctx, EventFileWritten, fileID, data)
}
