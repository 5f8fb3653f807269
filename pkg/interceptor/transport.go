// Package interceptor records outgoing HTTP exchanges by decorating an
// http.RoundTripper. Every call gets a fresh correlation id; the request is
// reported to the sink before the base transport runs and the outcome is
// reported before the caller can observe completion.
package interceptor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/httpseal/nettrace/pkg/logger"
	"github.com/httpseal/nettrace/pkg/traffic"
)

// Sink receives the two halves of every exchange. *recorder.Recorder
// satisfies it.
type Sink interface {
	Begin(id string, req traffic.Request)
	Finish(id string, resp *traffic.Response, errLog *traffic.ErrorLog)
}

// Transport is an http.RoundTripper that records traffic flowing through
// Base. Responses, headers, bodies and errors reach the caller unchanged.
type Transport struct {
	// Base is the wrapped transport. http.DefaultTransport is used when nil.
	Base http.RoundTripper

	sink         Sink
	maxBodySize  int64
	decodeBodies bool
	buffered     bool
	newID        func() string
	metrics      *Metrics
	logger       logger.Logger
	now          func() time.Time
}

// New creates a recording transport around base.
func New(base http.RoundTripper, sink Sink, opts ...Option) *Transport {
	t := &Transport{
		Base:         base,
		sink:         sink,
		decodeBodies: true,
		newID:        uuid.NewString,
		logger:       logger.Nop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	x, outReq, err := t.begin(req)
	if err != nil {
		x.finish(nil, nil, false, err)
		return nil, err
	}

	resp, err := t.base().RoundTrip(outReq)
	if err != nil {
		x.finish(nil, nil, false, err)
		return nil, err
	}
	head := traffic.NewResponse(resp, nil, t.now())

	if !hasBody(req, resp) {
		x.finish(head, nil, false, nil)
		return resp, nil
	}

	if t.buffered {
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		capture := newLimitedBuffer(t.maxBodySize)
		capture.Write(data)
		x.finish(head, capture.Bytes(), capture.truncated, readErr)
		resp.Body = &replayBody{r: bytes.NewReader(data), err: readErr}
		return resp, nil
	}

	resp.Body = &recordingBody{
		rc:      resp.Body,
		capture: newLimitedBuffer(t.maxBodySize),
		done: func(body []byte, truncated bool, err error) {
			x.finish(head, body, truncated, err)
		},
	}
	return resp, nil
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// begin snapshots the request, reports it to the sink and returns the
// request to hand to the base transport.
func (t *Transport) begin(req *http.Request) (*exchange, *http.Request, error) {
	x := &exchange{
		t:      t,
		id:     t.newID(),
		ctx:    req.Context(),
		method: req.Method,
		start:  t.now(),
	}
	if x.method == "" {
		x.method = traffic.DefaultMethod
	}

	captured, outBody, readErr := t.snapshotBody(req)
	t.sink.Begin(x.id, traffic.NewRequest(req, captured, x.start))
	t.metrics.begin(x.ctx, x.method)
	t.logger.Debug("Begin %s %s %s", x.id, x.method, urlString(req))
	if readErr != nil {
		return x, nil, readErr
	}

	outReq := req.Clone(httptrace.WithClientTrace(req.Context(), x.trace()))
	if outBody != nil {
		outReq.Body = outBody
	}
	return x, outReq, nil
}

// snapshotBody captures at most maxBodySize bytes of the request body.
// A replayable body is read through GetBody and req.Body is left alone.
// Otherwise only the captured prefix is read up front and handed back in
// front of the unread rest of the stream.
func (t *Transport) snapshotBody(req *http.Request) ([]byte, io.ReadCloser, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil, nil
	}

	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			t.logger.Debug("Request body snapshot skipped: %v", err)
			return nil, nil, nil
		}
		defer rc.Close()
		captured, err := readPrefix(rc, t.maxBodySize)
		if err != nil {
			t.logger.Debug("Request body snapshot skipped: %v", err)
			return nil, nil, nil
		}
		return captured, nil, nil
	}

	captured, err := readPrefix(req.Body, t.maxBodySize)
	if err != nil {
		req.Body.Close()
		return nil, nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return captured, &prefixedBody{
		Reader: io.MultiReader(bytes.NewReader(captured), req.Body),
		Closer: req.Body,
	}, nil
}

// bodyForLog decodes a complete body when configured to and applies the
// capture cap.
func (t *Transport) bodyForLog(headers map[string]string, body []byte, truncated bool) []byte {
	if len(body) == 0 {
		return body
	}
	if t.decodeBodies && !truncated {
		if encoding, ok := traffic.HeaderValue(headers, "Content-Encoding"); ok {
			decoded, err := traffic.DecodeBody(body, encoding, t.maxBodySize)
			if err != nil {
				t.logger.Debug("Keeping encoded response body: %v", err)
			} else {
				body = decoded
			}
		}
	}
	return t.capBytes(body)
}

func (t *Transport) capBytes(b []byte) []byte {
	if t.maxBodySize > 0 && int64(len(b)) > t.maxBodySize {
		return b[:t.maxBodySize]
	}
	return b
}

// exchange tracks one in-flight call. finish runs at most once.
type exchange struct {
	t      *Transport
	id     string
	ctx    context.Context
	method string
	start  time.Time
	remote atomic.Value // string
	once   sync.Once
}

func (x *exchange) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Conn != nil && info.Conn.RemoteAddr() != nil {
				x.remote.Store(info.Conn.RemoteAddr().String())
			}
		},
	}
}

// finish reports the outcome. head is the response snapshot taken when the
// headers arrived, nil when the transport failed before that.
func (x *exchange) finish(head *traffic.Response, body []byte, truncated bool, err error) {
	x.once.Do(func() {
		t := x.t
		var resp *traffic.Response
		if head != nil {
			snap := *head
			snap.Body = t.bodyForLog(head.Headers, body, truncated)
			if addr, ok := x.remote.Load().(string); ok {
				snap.RemoteAddr = addr
			}
			resp = &snap
		}
		errLog := traffic.NewErrorLog(err)

		t.sink.Finish(x.id, resp, errLog)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.metrics.end(x.ctx, x.method, status, errLog != nil, t.now().Sub(x.start))
		if errLog != nil {
			t.logger.Debug("Finish %s failed: %s (%s/%d)", x.id, errLog.Description, errLog.Domain, errLog.Code)
		} else {
			t.logger.Debug("Finish %s status %d", x.id, status)
		}
	})
}

// readPrefix reads up to limit bytes from r, or all of it for a zero limit.
func readPrefix(r io.Reader, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	data, err := io.ReadAll(r)
	if len(data) == 0 {
		data = nil
	}
	return data, err
}

// hasBody reports whether resp carries a body the caller is expected to read.
func hasBody(req *http.Request, resp *http.Response) bool {
	switch {
	case resp.Body == nil, resp.Body == http.NoBody:
		return false
	case req.Method == http.MethodHead:
		return false
	case resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified,
		resp.StatusCode == http.StatusSwitchingProtocols:
		return false
	}
	return true
}

func urlString(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	return req.URL.String()
}
