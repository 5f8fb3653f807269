package interceptor

import (
	"bytes"
	"io"
	"net/http"

	"github.com/httpseal/nettrace/pkg/traffic"
)

// Completion receives the outcome of a callback-style request. body is the
// complete response body.
type Completion func(resp *http.Response, body []byte, err error)

// DoFunc issues req and reports the outcome through done, usually from
// another goroutine.
type DoFunc func(req *http.Request, done Completion)

// WrapDo records every request issued through do. The entry is finished
// before the caller's completion runs. Options apply as for New.
func WrapDo(sink Sink, do DoFunc, opts ...Option) DoFunc {
	t := New(nil, sink, opts...)
	return func(req *http.Request, done Completion) {
		x, outReq, err := t.begin(req)
		if err != nil {
			x.finish(nil, nil, false, err)
			done(nil, nil, err)
			return
		}
		do(outReq, func(resp *http.Response, body []byte, err error) {
			if resp == nil {
				x.finish(nil, nil, false, err)
			} else {
				capture := newLimitedBuffer(t.maxBodySize)
				capture.Write(body)
				x.finish(traffic.NewResponse(resp, nil, t.now()), capture.Bytes(), capture.truncated, err)
			}
			done(resp, body, err)
		})
	}
}

// AsyncDo adapts client to a DoFunc. The response body is read completely
// and handed to done; resp.Body is replaced with a reader over the same
// bytes.
func AsyncDo(client *http.Client) DoFunc {
	return func(req *http.Request, done Completion) {
		go func() {
			resp, err := client.Do(req)
			if err != nil {
				done(nil, nil, err)
				return
			}
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(body))
			done(resp, body, err)
		}()
	}
}
