// Package traffic holds the value types describing one recorded HTTP exchange.
package traffic

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// DefaultMethod is used when a captured request carries no method.
const DefaultMethod = http.MethodGet

// Request is the immutable snapshot of an outgoing request, taken when the
// call is issued (not when bytes hit the wire).
type Request struct {
	Method    string            `json:"method"`
	URL       *url.URL          `json:"-"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Response is the snapshot of the response observed for a request.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
}

// Entry is one logical HTTP exchange. Request fields never change after the
// entry is created; Response, Error and Duration are filled in at most once.
type Entry struct {
	ID       string         `json:"id"`
	Request  Request        `json:"request"`
	Response *Response      `json:"response,omitempty"`
	Error    *ErrorLog      `json:"error,omitempty"`
	Duration *time.Duration `json:"duration,omitempty"`
}

// Finished reports whether a finish event has been applied.
func (e Entry) Finished() bool {
	return e.Duration != nil
}

// Failed reports whether the transport surfaced an error for this entry.
func (e Entry) Failed() bool {
	return e.Error != nil
}

// StatusCode returns the response status, or 0 when no response was seen.
// A response wins over a recorded error.
func (e Entry) StatusCode() int {
	if e.Response == nil {
		return 0
	}
	return e.Response.StatusCode
}

// Equal compares entries by correlation ID only.
func (e Entry) Equal(other Entry) bool {
	return e.ID == other.ID
}

// URLString returns the absolute URL or "" when the URL is missing.
func (r Request) URLString() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// MarshalJSON renders the URL as a plain string.
func (r Request) MarshalJSON() ([]byte, error) {
	type plain Request
	return json.Marshal(struct {
		plain
		URL string `json:"url"`
	}{plain(r), r.URLString()})
}

// Clone returns a deep copy that shares no mutable state with e.
func (e Entry) Clone() Entry {
	out := Entry{
		ID:      e.ID,
		Request: e.Request.clone(),
	}
	if e.Response != nil {
		resp := e.Response.clone()
		out.Response = &resp
	}
	if e.Error != nil {
		errLog := *e.Error
		out.Error = &errLog
	}
	if e.Duration != nil {
		d := *e.Duration
		out.Duration = &d
	}
	return out
}

func (r Request) clone() Request {
	out := r
	if r.URL != nil {
		u := *r.URL
		if r.URL.User != nil {
			user := *r.URL.User
			u.User = &user
		}
		out.URL = &u
	}
	out.Headers = cloneHeaders(r.Headers)
	out.Body = cloneBytes(r.Body)
	return out
}

func (r Response) clone() Response {
	out := r
	out.Headers = cloneHeaders(r.Headers)
	out.Body = cloneBytes(r.Body)
	return out
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// HeadersToMap flattens http.Header into one value per name, joining
// repeated values with ", ". Names keep the casing they were captured with.
func HeadersToMap(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	result := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		result[name] = strings.Join(values, ", ")
	}
	return result
}

// SortedHeaderNames returns the header names of h in ascending order.
func SortedHeaderNames(h map[string]string) []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HeaderValue looks a header up by exact name first, then case-insensitively.
func HeaderValue(h map[string]string, name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
