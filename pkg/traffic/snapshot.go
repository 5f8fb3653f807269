package traffic

import (
	"net/http"
	"time"
)

// NewRequest snapshots req. body is the already-drained request body; it is
// stored as-is (nil means the request had no body).
func NewRequest(req *http.Request, body []byte, now time.Time) Request {
	method := req.Method
	if method == "" {
		method = DefaultMethod
	}
	snap := Request{
		Method:    method,
		Headers:   HeadersToMap(req.Header),
		Body:      body,
		CreatedAt: now,
	}
	if req.URL != nil {
		u := *req.URL
		snap.URL = &u
	}
	// Host lives outside Header on outgoing requests
	if req.Host != "" && snap.URL != nil && req.Host != snap.URL.Host {
		if snap.Headers == nil {
			snap.Headers = make(map[string]string)
		}
		snap.Headers["Host"] = req.Host
	}
	return snap
}

// NewResponse snapshots resp with the captured body.
func NewResponse(resp *http.Response, body []byte, now time.Time) *Response {
	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    HeadersToMap(resp.Header),
		Body:       body,
		ReceivedAt: now,
	}
}
