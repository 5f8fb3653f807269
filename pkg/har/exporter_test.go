package har

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httpseal/nettrace/pkg/recorder"
	"github.com/httpseal/nettrace/pkg/traffic"
)

var epoch = time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.UTC)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func export(t *testing.T, entries ...traffic.Entry) *Archive {
	t.Helper()
	data, err := NewExporter().Export(entries)
	require.NoError(t, err)
	require.NoError(t, Validate(data))
	archive, err := Decode(data)
	require.NoError(t, err)
	return archive
}

func TestExport_FinishedEntry(t *testing.T) {
	rec := recorder.New(recorder.WithClock(func() time.Time { return epoch.Add(42 * time.Millisecond) }))
	rec.Begin("r1", traffic.Request{
		Method:    "GET",
		URL:       mustURL(t, "https://api.example.com/posts/1?x=1"),
		CreatedAt: epoch,
	})
	rec.Finish("r1", &traffic.Response{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`{"id":1}`),
		RemoteAddr: "93.184.216.34:443",
	}, nil)

	archive := export(t, rec.Entries()...)

	assert.Equal(t, "1.2", archive.Log.Version)
	assert.Equal(t, DefaultCreator, archive.Log.Creator.Name)
	require.Len(t, archive.Log.Entries, 1)

	e := archive.Log.Entries[0]
	assert.Equal(t, "2024-03-01T12:30:45.123Z", e.StartedDateTime)
	assert.Equal(t, 42.0, e.Time)
	assert.Equal(t, 42.0, e.Timings.Wait)
	assert.Equal(t, 0.0, e.Timings.Send)
	assert.Equal(t, "93.184.216.34", e.ServerIPAddress)

	assert.Equal(t, "GET", e.Request.Method)
	assert.Equal(t, "https://api.example.com/posts/1?x=1", e.Request.URL)
	assert.Equal(t, "HTTP/1.1", e.Request.HTTPVersion)
	assert.Equal(t, []NameValue{{Name: "x", Value: "1"}}, e.Request.QueryString)
	assert.Equal(t, -1, e.Request.HeadersSize)
	assert.Equal(t, -1, e.Request.BodySize)
	assert.Nil(t, e.Request.PostData)
	assert.Empty(t, e.Request.Cookies)

	assert.Equal(t, 200, e.Response.Status)
	assert.Equal(t, "OK", e.Response.StatusText)
	assert.Equal(t, `{"id":1}`, e.Response.Content.Text)
	assert.Equal(t, "application/json", e.Response.Content.MimeType)
	assert.Equal(t, 8, e.Response.Content.Size)
	assert.Equal(t, 8, e.Response.BodySize)
	assert.Empty(t, e.Response.Content.Encoding)
	assert.Equal(t, "", e.Response.RedirectURL)
	assert.Nil(t, e.Error)
}

func TestExport_PendingEntryHasPlaceholderResponse(t *testing.T) {
	rec := recorder.New()
	rec.Begin("r2", traffic.Request{Method: "POST", URL: mustURL(t, "https://api.example.com/upload"), CreatedAt: epoch})

	data, err := NewExporter().Export(rec.Entries())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	entry := raw["log"].(map[string]any)["entries"].([]any)[0].(map[string]any)
	response, ok := entry["response"].(map[string]any)
	require.True(t, ok, "response key must always be present")

	assert.Equal(t, float64(0), response["status"])
	assert.Equal(t, []any{}, response["headers"])
	assert.Equal(t, float64(-1), response["bodySize"])
	assert.Equal(t, map[string]any{"size": float64(0), "mimeType": "text/plain"}, response["content"])
	assert.Equal(t, float64(0), entry["time"])
	assert.Equal(t, map[string]any{}, entry["cache"])
}

func TestExport_UTF8BodyIsText(t *testing.T) {
	entry := traffic.Entry{
		ID: "a",
		Request: traffic.Request{
			Method:    "POST",
			URL:       mustURL(t, "https://api.example.com/notes"),
			Headers:   map[string]string{"Content-Type": "text/plain; charset=utf-8"},
			Body:      []byte("héllo wörld"),
			CreatedAt: epoch,
		},
	}

	data, err := NewExporter().Export([]traffic.Entry{entry})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	postData := raw["log"].(map[string]any)["entries"].([]any)[0].(map[string]any)["request"].(map[string]any)["postData"].(map[string]any)
	assert.Equal(t, "héllo wörld", postData["text"])
	assert.Equal(t, "text/plain; charset=utf-8", postData["mimeType"])
	_, hasEncoding := postData["encoding"]
	assert.False(t, hasEncoding)
}

func TestExport_BinaryBodyRoundTripsViaBase64(t *testing.T) {
	binary := []byte{0xff, 0xfe, 0x00, 0x01, 0x80}
	entry := traffic.Entry{
		ID: "b",
		Request: traffic.Request{
			Method:    "PUT",
			URL:       mustURL(t, "https://api.example.com/blob"),
			Body:      binary,
			CreatedAt: epoch,
		},
		Response: &traffic.Response{StatusCode: 201, Body: binary},
	}

	archive := export(t, entry)
	e := archive.Log.Entries[0]

	require.NotNil(t, e.Request.PostData)
	assert.Equal(t, "base64", e.Request.PostData.Encoding)
	assert.Equal(t, "application/octet-stream", e.Request.PostData.MimeType)
	assert.Equal(t, base64.StdEncoding.EncodeToString(binary), e.Request.PostData.Text)
	got, err := e.Request.PostData.BodyBytes()
	require.NoError(t, err)
	assert.Equal(t, binary, got)
	assert.Equal(t, len(binary), e.Request.BodySize)

	assert.Equal(t, "base64", e.Response.Content.Encoding)
	got, err = e.Response.Content.BodyBytes()
	require.NoError(t, err)
	assert.Equal(t, binary, got)
}

func TestExport_EmptyInput(t *testing.T) {
	data, err := NewExporter().Export(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Nil(t, data)

	path := filepath.Join(t.TempDir(), "empty.har")
	assert.ErrorIs(t, NewExporter().ExportFile([]traffic.Entry{}, path), ErrEmptyInput)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExport_PreservesInputOrder(t *testing.T) {
	var entries []traffic.Entry
	for _, p := range []string{"/c", "/a", "/b"} {
		entries = append(entries, traffic.Entry{
			ID:      p,
			Request: traffic.Request{Method: "GET", URL: mustURL(t, "https://h.example"+p), CreatedAt: epoch},
		})
	}

	archive := export(t, entries...)
	require.Len(t, archive.Log.Entries, 3)
	assert.Equal(t, "https://h.example/c", archive.Log.Entries[0].Request.URL)
	assert.Equal(t, "https://h.example/a", archive.Log.Entries[1].Request.URL)
	assert.Equal(t, "https://h.example/b", archive.Log.Entries[2].Request.URL)
}

func TestExport_Deterministic(t *testing.T) {
	d := 1500 * time.Microsecond
	entry := traffic.Entry{
		ID: "d",
		Request: traffic.Request{
			Method:    "GET",
			URL:       mustURL(t, "https://api.example.com/search?q=go&flag&empty="),
			Headers:   map[string]string{"X-B": "2", "Accept": "*/*", "X-A": "1"},
			CreatedAt: epoch,
		},
		Response: &traffic.Response{StatusCode: 404, Headers: map[string]string{"Z": "z", "A": "a"}},
		Error:    &traffic.ErrorLog{Description: "stream reset", Domain: traffic.DomainNet, Code: -1},
		Duration: &d,
	}

	first, err := NewExporter().Export([]traffic.Entry{entry})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := NewExporter().Export([]traffic.Entry{entry})
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}

	archive, err := Decode(first)
	require.NoError(t, err)
	e := archive.Log.Entries[0]
	assert.Equal(t, []NameValue{{"Accept", "*/*"}, {"X-A", "1"}, {"X-B", "2"}}, e.Request.Headers)
	assert.Equal(t, []NameValue{{"q", "go"}, {"flag", ""}, {"empty", ""}}, e.Request.QueryString)
	assert.Equal(t, 1.5, e.Time)
	assert.Equal(t, "Not Found", e.Response.StatusText)
	require.NotNil(t, e.Error)
	assert.Equal(t, "stream reset", e.Error.Description)
	// no body recorded on a present response
	assert.Equal(t, -1, e.Response.BodySize)
	assert.Equal(t, "text/plain", e.Response.Content.MimeType)
}

func TestExport_MissingURLAndMethod(t *testing.T) {
	archive := export(t, traffic.Entry{ID: "m", Request: traffic.Request{CreatedAt: epoch}})
	e := archive.Log.Entries[0]
	assert.Equal(t, "GET", e.Request.Method)
	assert.Equal(t, "", e.Request.URL)
	assert.Equal(t, []NameValue{}, e.Request.QueryString)
}

func TestExportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.har")
	entry := traffic.Entry{ID: "f", Request: traffic.Request{Method: "GET", URL: mustURL(t, "https://x.example/"), CreatedAt: epoch}}

	require.NoError(t, NewExporter().ExportFile([]traffic.Entry{entry}, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, Validate(data))
}

func TestExporter_CustomCreator(t *testing.T) {
	e := &Exporter{Creator: Creator{Name: "probe", Version: "9.9"}}
	archive, err := e.Build([]traffic.Entry{{ID: "x", Request: traffic.Request{CreatedAt: epoch}}})
	require.NoError(t, err)
	assert.Equal(t, "probe", archive.Log.Creator.Name)

	var zero Exporter
	archive, err = zero.Build([]traffic.Entry{{ID: "x", Request: traffic.Request{CreatedAt: epoch}}})
	require.NoError(t, err)
	assert.Equal(t, DefaultCreator, archive.Log.Creator.Name)
}
