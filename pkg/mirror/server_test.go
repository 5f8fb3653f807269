package mirror

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httpseal/nettrace/pkg/logger"
	"github.com/httpseal/nettrace/pkg/recorder"
	"github.com/httpseal/nettrace/pkg/traffic"
)

func startMirror(t *testing.T, log logger.Logger) *Server {
	t.Helper()
	s := NewServer(0, log)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	require.NotZero(t, s.Port())
	return s
}

func get(t *testing.T, s *Server, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/", s.Port()), nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_HealthCheck(t *testing.T) {
	s := startMirror(t, nil)
	resp := get(t, s, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(HeaderMirror))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "nettrace mirror ready", string(body))
}

func TestServer_UnknownAndInvalidIDs(t *testing.T) {
	s := startMirror(t, nil)

	resp := get(t, s, http.Header{HeaderMirrorID: {"abc"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, s, http.Header{HeaderMirrorID: {"999"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func mirroredEntry(t *testing.T) traffic.Entry {
	t.Helper()
	u, err := url.Parse("https://api.example.com/v1/items?sort=asc")
	require.NoError(t, err)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d := 20 * time.Millisecond
	return traffic.Entry{
		ID: "entry-1",
		Request: traffic.Request{
			Method:    http.MethodPost,
			URL:       u,
			Headers:   map[string]string{"Content-Type": "application/json", "Content-Length": "9"},
			Body:      []byte(`{"a":"b"}`),
			CreatedAt: created,
		},
		Response: &traffic.Response{
			StatusCode: http.StatusCreated,
			Headers:    map[string]string{"Content-Type": "application/json", "Content-Encoding": "gzip"},
			Body:       []byte(`{"id":1}`),
			ReceivedAt: created.Add(d),
		},
		Duration: &d,
	}
}

func TestServer_ReplaysEntries(t *testing.T) {
	var buf bytes.Buffer
	s := NewServer(0, logger.NewWithWriter(&buf, true))
	require.NoError(t, s.Start())

	s.Mirror(mirroredEntry(t))

	failed := mirroredEntry(t)
	failed.ID = "entry-2"
	failed.Response = nil
	failed.Error = &traffic.ErrorLog{Description: "boom", Domain: traffic.DomainGo, Code: traffic.CodeUnknown}
	s.Mirror(failed)

	require.Eventually(t, func() bool { return s.Replayed() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Equal(t, int64(1), s.Replayed())
	assert.Contains(t, buf.String(), "Mirrored POST https://api.example.com/v1/items?sort=asc -> 201")
	assert.Empty(t, s.responses)
}

func TestServer_StopIsIdempotentAndDropsLateEntries(t *testing.T) {
	s := NewServer(0, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	s.Mirror(mirroredEntry(t))
	assert.Equal(t, int64(0), s.Replayed())
	assert.Empty(t, s.responses)
}

func TestServer_FedByTail(t *testing.T) {
	s := startMirror(t, nil)
	rec := recorder.New()
	tail := recorder.NewTail(rec, s.Handle)
	defer tail.Stop()

	e := mirroredEntry(t)
	rec.Begin(e.ID, e.Request)
	rec.Finish(e.ID, e.Response, nil)

	assert.Eventually(t, func() bool { return s.Replayed() == 1 }, 2*time.Second, 10*time.Millisecond)
}
