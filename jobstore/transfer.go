package jobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Duke-GCB/toil/blobstore"
)

// errReaderClosed is how a download worker learns the caller stopped reading.
var errReaderClosed = errors.New("download stream closed by reader")

// ObjectAPI is the object-level surface the job and file operations use.
type ObjectAPI interface {
	Resolve(id string) (ObjectRef, error)
	Exists(ctx context.Context, id string) (bool, error)
	ReadWhole(ctx context.Context, id string) ([]byte, error)
	WriteWhole(ctx context.Context, id string, data []byte, update bool) error
	Delete(ctx context.Context, id string) error
	OpenUploadStream(ctx context.Context, id string, update bool) (*UploadStream, error)
	OpenDownloadStream(ctx context.Context, id string) (*DownloadStream, error)
}

var _ ObjectAPI = (*Engine)(nil)

// Engine moves whole objects and streams between callers and a bucket.
type Engine struct {
	bucket    blobstore.Bucket
	log       logrus.FieldLogger
	tel       *instruments
	pipeDepth int
}

func newEngine(bucket blobstore.Bucket, log logrus.FieldLogger, tel *instruments, pipeDepth int) *Engine {
	return &Engine{
		bucket:    bucket,
		log:       log,
		tel:       tel,
		pipeDepth: pipeDepth,
	}
}

// ReadWhole returns the object's content, or a NoSuchFileError.
func (e *Engine) ReadWhole(ctx context.Context, id string) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.readInto(ctx, id, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Engine) readInto(ctx context.Context, id string, w io.Writer) error {
	ref, err := e.Resolve(id)
	if err != nil {
		return err
	}
	cw := &countingWriter{w: w}
	err = e.bucket.Download(ctx, ref.Key, cw)
	e.tel.count(ctx, e.tel.bytesRead, cw.n)
	return classify("read", id, err)
}

// WriteWhole stores data under id. Without update the object must not exist yet.
func (e *Engine) WriteWhole(ctx context.Context, id string, data []byte, update bool) error {
	_, err := e.writeFrom(ctx, id, bytes.NewReader(data), update)
	return err
}

func (e *Engine) writeFrom(ctx context.Context, id string, r io.Reader, update bool) (int64, error) {
	ref, err := e.Resolve(id)
	if err != nil {
		return 0, err
	}
	cr := &countingReader{r: r}
	err = e.bucket.Upload(ctx, ref.Key, cr, &blobstore.UploadOptions{IfNotExist: !update})
	if err != nil {
		if cr.err != nil && errors.Is(err, cr.err) {
			return cr.n, fmt.Errorf("failed to read source for %s: %w", id, err)
		}
		return cr.n, classify("write", id, err)
	}
	e.tel.count(ctx, e.tel.bytesWritten, cr.n)
	return cr.n, nil
}

// Delete removes id. Absent or malformed identifiers are a no-op.
func (e *Engine) Delete(ctx context.Context, id string) error {
	ref, err := e.Resolve(id)
	if err != nil {
		return nil
	}
	err = e.bucket.Delete(ctx, ref.Key)
	if err == nil || errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	return classify("delete", id, err)
}

// OpenUploadStream starts one worker that feeds everything written to the
// returned stream into a single backend upload. The caller must Close or
// Abort the stream; both join the worker.
func (e *Engine) OpenUploadStream(ctx context.Context, id string, update bool) (*UploadStream, error) {
	ref, err := e.Resolve(id)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tel.start(ctx, "UploadStream", id)
	wctx, cancel := context.WithCancel(ctx)
	s := &UploadStream{
		id:     id,
		e:      e,
		p:      newPipe(e.pipeDepth),
		ctx:    ctx,
		span:   span,
		cancel: cancel,
	}

	s.g.Go(func() error {
		cr := &countingReader{r: pipeReader{s.p}}
		err := e.bucket.Upload(wctx, ref.Key, cr, &blobstore.UploadOptions{IfNotExist: !update})
		s.n = cr.n
		s.p.closeRead(err)
		return err
	})
	return s, nil
}

// UploadStream is the writable end of a streamed upload.
type UploadStream struct {
	id     string
	e      *Engine
	p      *pipe
	g      errgroup.Group
	ctx    context.Context
	span   trace.Span
	cancel context.CancelFunc

	n        int64 // set by the worker, read after the join
	closed   bool
	err      error
	onCommit func(ctx context.Context, size int64)
}

// ID returns the identifier the stream writes to.
func (s *UploadStream) ID() string { return s.id }

// Write blocks while the pipe is full. Once the worker has failed, Write
// returns a StreamWorkerError without waiting for Close.
func (s *UploadStream) Write(b []byte) (int, error) {
	n, err := s.p.write(b)
	if err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return n, err
		}
		return n, &StreamWorkerError{Op: "upload", FileID: s.id, Err: classify("upload", s.id, err)}
	}
	return n, nil
}

// Close ends the stream, waits for the backend upload and returns its failure
// as a StreamWorkerError.
func (s *UploadStream) Close() error {
	if s.closed {
		return s.err
	}
	s.closed = true

	s.p.closeWrite(nil)
	err := s.g.Wait()
	s.cancel()

	if err != nil {
		s.err = &StreamWorkerError{Op: "upload", FileID: s.id, Err: classify("upload", s.id, err)}
		s.e.tel.count(s.ctx, s.e.tel.streamFailures, 1)
		s.e.log.WithError(err).WithField("fileID", s.id).Warn("Upload stream worker failed")
	} else {
		s.e.tel.count(s.ctx, s.e.tel.bytesWritten, s.n)
		if s.onCommit != nil {
			s.onCommit(s.ctx, s.n)
		}
	}
	end(s.span, s.err)
	return s.err
}

// Abort discards the upload: the worker sees cause instead of end-of-stream,
// so the backend never commits the object. Abort joins the worker.
func (s *UploadStream) Abort(cause error) {
	if s.closed {
		return
	}
	s.closed = true
	if cause == nil {
		cause = errors.New("upload aborted")
	}

	s.p.closeWrite(cause)
	err := s.g.Wait()
	s.cancel()

	s.e.log.WithError(err).WithField("fileID", s.id).Debug("Upload stream aborted")
	end(s.span, cause)
}

// OpenDownloadStream starts one worker that downloads id into a pipe the
// caller reads from. The caller must Close the stream to join the worker.
func (e *Engine) OpenDownloadStream(ctx context.Context, id string) (*DownloadStream, error) {
	ref, err := e.Resolve(id)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tel.start(ctx, "DownloadStream", id)
	wctx, cancel := context.WithCancel(ctx)
	s := &DownloadStream{
		id:     id,
		e:      e,
		p:      newPipe(e.pipeDepth),
		ctx:    ctx,
		span:   span,
		cancel: cancel,
	}

	s.g.Go(func() error {
		cw := &countingWriter{w: pipeWriter{s.p}}
		err := e.bucket.Download(wctx, ref.Key, cw)
		s.n = cw.n
		// the only end-of-stream signal the reader gets
		s.p.closeWrite(err)
		return err
	})
	return s, nil
}

// DownloadStream is the readable end of a streamed download.
type DownloadStream struct {
	id     string
	e      *Engine
	p      *pipe
	g      errgroup.Group
	ctx    context.Context
	span   trace.Span
	cancel context.CancelFunc

	n      int64 // set by the worker, read after the join
	eof    bool
	closed bool
	err    error
}

// ID returns the identifier the stream reads from.
func (s *DownloadStream) ID() string { return s.id }

// Read returns io.EOF once the whole object was delivered. A missing object
// is reported as a NoSuchFileError, other worker failures as a
// StreamWorkerError.
func (s *DownloadStream) Read(b []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := s.p.read(b)
	switch {
	case err == nil:
		return n, nil
	case err == io.EOF:
		s.eof = true
		return n, err
	}
	return n, s.workerError(err)
}

func (s *DownloadStream) workerError(err error) error {
	c := classify("download", s.id, err)
	if errors.Is(c, ErrNoSuchFile) {
		return c
	}
	return &StreamWorkerError{Op: "download", FileID: s.id, Err: c}
}

// Close stops reading and joins the worker. Closing before io.EOF is not an
// error; a worker failure is returned as a StreamWorkerError.
func (s *DownloadStream) Close() error {
	if s.closed {
		return s.err
	}
	s.closed = true

	early := !s.eof
	s.p.closeRead(errReaderClosed)
	if early {
		s.cancel()
	}
	err := s.g.Wait()
	s.cancel()
	s.e.tel.count(s.ctx, s.e.tel.bytesRead, s.n)

	ignorable := errors.Is(err, errReaderClosed) || (early && errors.Is(err, context.Canceled) && s.ctx.Err() == nil)
	if err != nil && !ignorable {
		s.err = &StreamWorkerError{Op: "download", FileID: s.id, Err: classify("download", s.id, err)}
		s.e.tel.count(s.ctx, s.e.tel.streamFailures, 1)
		s.e.log.WithError(err).WithField("fileID", s.id).Warn("Download stream worker failed")
	}
	end(s.span, s.err)
	return s.err
}

// WithUploadStream runs fn against s and always joins the worker. If fn fails
// the upload is aborted and fn's error returned.
func WithUploadStream(s *UploadStream, fn func(w io.Writer) error) error {
	if err := fn(s); err != nil {
		s.Abort(err)
		return err
	}
	return s.Close()
}

// WithDownloadStream runs fn against s and always joins the worker. fn's
// error takes precedence over the worker's.
func WithDownloadStream(s *DownloadStream, fn func(r io.Reader) error) error {
	ferr := fn(s)
	cerr := s.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	if err != nil && err != io.EOF {
		c.err = err
	}
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
