// Package har converts recorded traffic into HTTP Archive 1.2 documents.
package har

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
	"unicode/utf8"

	"github.com/gowebpki/jcs"

	"github.com/httpseal/nettrace/pkg/traffic"
)

// ErrEmptyInput is returned when asked to export zero entries.
var ErrEmptyInput = errors.New("har: no entries to export")

const (
	Version        = "1.2"
	HTTPVersion    = "HTTP/1.1"
	DefaultCreator = "NetTrace"
	DefaultVersion = "1.0.0"

	defaultMimeType     = "application/octet-stream"
	placeholderMimeType = "text/plain"
	encodingBase64      = "base64"
	timestampLayout     = "2006-01-02T15:04:05.000Z07:00"
)

// Exporter builds HAR documents. The zero value uses the default creator.
type Exporter struct {
	Creator Creator
}

// NewExporter returns an exporter with the default creator.
func NewExporter() *Exporter {
	return &Exporter{Creator: Creator{Name: DefaultCreator, Version: DefaultVersion}}
}

// Export serializes entries, in the given order, to an indented HAR
// document with sorted object keys. The output is byte-stable for a given
// input.
func (e *Exporter) Export(entries []traffic.Entry) ([]byte, error) {
	archive, err := e.Build(entries)
	if err != nil {
		return nil, err
	}
	return Encode(archive)
}

// ExportFile writes the document for entries to path.
func (e *Exporter) ExportFile(entries []traffic.Entry, path string) error {
	data, err := e.Export(entries)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write HAR file: %w", err)
	}
	return nil
}

// Build converts entries into an Archive without serializing it.
func (e *Exporter) Build(entries []traffic.Entry) (*Archive, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyInput
	}
	creator := e.Creator
	if creator.Name == "" {
		creator = Creator{Name: DefaultCreator, Version: DefaultVersion}
	}

	archive := &Archive{
		Log: Log{
			Version: Version,
			Creator: creator,
			Entries: make([]Entry, 0, len(entries)),
		},
	}
	for _, entry := range entries {
		archive.Log.Entries = append(archive.Log.Entries, convertEntry(entry))
	}
	return archive, nil
}

// Encode renders archive as canonical (sorted-key) JSON indented by two
// spaces.
func Encode(archive *Archive) ([]byte, error) {
	raw, err := json.Marshal(archive)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal HAR: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize HAR: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, canonical, "", "  "); err != nil {
		return nil, fmt.Errorf("failed to indent HAR: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// Decode parses a HAR document.
func Decode(data []byte) (*Archive, error) {
	var archive Archive
	if err := json.Unmarshal(data, &archive); err != nil {
		return nil, fmt.Errorf("failed to parse HAR: %w", err)
	}
	return &archive, nil
}

// BodyBytes returns the raw bytes of content, undoing base64 when marked.
func (c Content) BodyBytes() ([]byte, error) {
	return decodeText(c.Text, c.Encoding)
}

// BodyBytes returns the raw request body, undoing base64 when marked.
func (p PostData) BodyBytes() ([]byte, error) {
	return decodeText(p.Text, p.Encoding)
}

func decodeText(text, encoding string) ([]byte, error) {
	if encoding == encodingBase64 {
		return base64.StdEncoding.DecodeString(text)
	}
	return []byte(text), nil
}

func convertEntry(entry traffic.Entry) Entry {
	elapsed := 0.0
	if entry.Duration != nil {
		elapsed = float64(*entry.Duration) / float64(time.Millisecond)
	}

	out := Entry{
		StartedDateTime: entry.Request.CreatedAt.UTC().Format(timestampLayout),
		Time:            elapsed,
		Request:         convertRequest(entry.Request),
		Response:        convertResponse(entry.Response),
		Cache:           Cache{},
		Timings:         Timings{Send: 0, Wait: elapsed, Receive: 0},
	}
	if entry.Response != nil {
		out.ServerIPAddress = hostOnly(entry.Response.RemoteAddr)
	}
	if entry.Error != nil {
		out.Error = &ErrorInfo{
			Description: entry.Error.Description,
			Domain:      entry.Error.Domain,
			Code:        entry.Error.Code,
		}
	}
	return out
}

func convertRequest(req traffic.Request) Request {
	method := req.Method
	if method == "" {
		method = traffic.DefaultMethod
	}
	out := Request{
		Method:      method,
		URL:         req.URLString(),
		HTTPVersion: HTTPVersion,
		Cookies:     []Cookie{},
		Headers:     convertHeaders(req.Headers),
		QueryString: queryString(req),
		HeadersSize: -1,
		BodySize:    bodySize(req.Body),
	}
	if req.Body != nil {
		text, encoding := encodeBody(req.Body)
		out.PostData = &PostData{
			MimeType: mimeType(req.Headers, defaultMimeType),
			Params:   []NameValue{},
			Text:     text,
			Encoding: encoding,
		}
	}
	return out
}

func convertResponse(resp *traffic.Response) Response {
	if resp == nil {
		return Response{
			Status:      0,
			StatusText:  "",
			HTTPVersion: HTTPVersion,
			Cookies:     []Cookie{},
			Headers:     []NameValue{},
			Content:     Content{Size: 0, MimeType: placeholderMimeType},
			RedirectURL: "",
			HeadersSize: -1,
			BodySize:    -1,
		}
	}

	out := Response{
		Status:      resp.StatusCode,
		StatusText:  http.StatusText(resp.StatusCode),
		HTTPVersion: HTTPVersion,
		Cookies:     []Cookie{},
		Headers:     convertHeaders(resp.Headers),
		RedirectURL: "",
		HeadersSize: -1,
		BodySize:    bodySize(resp.Body),
	}
	if resp.Body == nil {
		out.Content = Content{Size: 0, MimeType: placeholderMimeType}
	} else {
		text, encoding := encodeBody(resp.Body)
		out.Content = Content{
			Size:     len(resp.Body),
			MimeType: mimeType(resp.Headers, defaultMimeType),
			Text:     text,
			Encoding: encoding,
		}
	}
	return out
}

// convertHeaders emits one pair per map entry, sorted by name.
func convertHeaders(headers map[string]string) []NameValue {
	out := make([]NameValue, 0, len(headers))
	for _, name := range traffic.SortedHeaderNames(headers) {
		out = append(out, NameValue{Name: name, Value: headers[name]})
	}
	return out
}

// queryString keeps the parameters in the order they appear in the URL.
func queryString(req traffic.Request) []NameValue {
	out := []NameValue{}
	if req.URL == nil || req.URL.RawQuery == "" {
		return out
	}
	return append(out, splitQuery(req.URL.RawQuery)...)
}

func bodySize(body []byte) int {
	if body == nil {
		return -1
	}
	return len(body)
}

func encodeBody(body []byte) (string, string) {
	if utf8.Valid(body) {
		return string(body), ""
	}
	return base64.StdEncoding.EncodeToString(body), encodingBase64
}

func mimeType(headers map[string]string, fallback string) string {
	if ct, ok := traffic.HeaderValue(headers, "Content-Type"); ok && ct != "" {
		return ct
	}
	return fallback
}

func hostOnly(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
