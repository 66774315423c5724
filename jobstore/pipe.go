package jobstore

import (
	"io"
	"sync"
)

const (
	defaultPipeDepth = 8
	pipeChunkSize    = 256 << 10
)

// pipe is a bounded single-producer single-consumer byte channel. Unlike
// io.Pipe it buffers up to depth chunks, so the producer only blocks once the
// consumer falls that far behind. Closing either side wakes the other.
type pipe struct {
	ch    chan []byte
	wdone chan struct{}
	rdone chan struct{}

	wonce sync.Once
	ronce sync.Once
	werr  error // set before wdone is closed
	rerr  error // set before rdone is closed

	buf []byte // unread rest of the current chunk, reader side only
}

func newPipe(depth int) *pipe {
	if depth <= 0 {
		depth = defaultPipeDepth
	}
	return &pipe{
		ch:    make(chan []byte, depth),
		wdone: make(chan struct{}),
		rdone: make(chan struct{}),
	}
}

// write copies b into chunks. It returns the reader's close error once the
// consumer is gone.
func (p *pipe) write(b []byte) (int, error) {
	select {
	case <-p.wdone:
		return 0, io.ErrClosedPipe
	default:
	}

	n := 0
	for len(b) > 0 {
		select {
		case <-p.rdone:
			return n, p.rerr
		default:
		}

		size := min(len(b), pipeChunkSize)
		chunk := make([]byte, size)
		copy(chunk, b[:size])

		select {
		case p.ch <- chunk:
			n += size
			b = b[size:]
		case <-p.rdone:
			return n, p.rerr
		}
	}
	return n, nil
}

// read drains buffered chunks before reporting the writer's close error.
func (p *pipe) read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for len(p.buf) == 0 {
		select {
		case <-p.rdone:
			return 0, io.ErrClosedPipe
		case chunk := <-p.ch:
			p.buf = chunk
		case <-p.wdone:
			select {
			case chunk := <-p.ch:
				p.buf = chunk
			default:
				return 0, p.werr
			}
		}
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

// closeWrite ends the stream. A nil err means a clean io.EOF for the reader.
func (p *pipe) closeWrite(err error) {
	p.wonce.Do(func() {
		if err == nil {
			err = io.EOF
		}
		p.werr = err
		close(p.wdone)
	})
}

// closeRead tells the writer nobody is listening any more.
func (p *pipe) closeRead(err error) {
	p.ronce.Do(func() {
		if err == nil {
			err = io.ErrClosedPipe
		}
		p.rerr = err
		close(p.rdone)
	})
}

type pipeReader struct{ p *pipe }

func (r pipeReader) Read(b []byte) (int, error) { return r.p.read(b) }

type pipeWriter struct{ p *pipe }

func (w pipeWriter) Write(b []byte) (int, error) { return w.p.write(b) }
