package interceptor

import (
	"bytes"
	"io"
	"sync"
)

// limitedBuffer keeps the first limit bytes written to it and silently
// drops the rest. A zero limit keeps everything.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newLimitedBuffer(limit int64) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if l.limit <= 0 {
		return l.buf.Write(p)
	}
	remaining := l.limit - int64(l.buf.Len())
	if remaining <= 0 {
		if len(p) > 0 {
			l.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		l.buf.Write(p[:remaining])
		l.truncated = true
		return len(p), nil
	}
	return l.buf.Write(p)
}

func (l *limitedBuffer) Bytes() []byte {
	if l.buf.Len() == 0 {
		return nil
	}
	return l.buf.Bytes()
}

// recordingBody tees the response body into a capture buffer and calls done
// once: at EOF, on a read error or on Close, whichever comes first. done
// runs before the triggering Read or Close returns.
type recordingBody struct {
	rc      io.ReadCloser
	mu      sync.Mutex
	capture *limitedBuffer
	done    func(body []byte, truncated bool, err error)
	once    sync.Once
}

func (b *recordingBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.mu.Lock()
		b.capture.Write(p[:n])
		b.mu.Unlock()
	}
	switch {
	case err == io.EOF:
		b.complete(nil)
	case err != nil:
		b.complete(err)
	}
	return n, err
}

func (b *recordingBody) Close() error {
	b.complete(nil)
	return b.rc.Close()
}

func (b *recordingBody) complete(err error) {
	b.once.Do(func() {
		b.mu.Lock()
		body := append([]byte(nil), b.capture.Bytes()...)
		truncated := b.capture.truncated
		b.mu.Unlock()
		b.done(body, truncated, err)
	})
}

// replayBody serves a fully buffered body and then the error the original
// read ended with, if any.
type replayBody struct {
	r   *bytes.Reader
	err error
}

func (b *replayBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF && b.err != nil {
		return n, b.err
	}
	return n, err
}

func (b *replayBody) Close() error {
	return nil
}

// prefixedBody is a request body whose first bytes were already consumed
// for the log.
type prefixedBody struct {
	io.Reader
	io.Closer
}
