package inspect

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httpseal/nettrace/pkg/har"
	"github.com/httpseal/nettrace/pkg/query"
	"github.com/httpseal/nettrace/pkg/recorder"
	"github.com/httpseal/nettrace/pkg/traffic"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func startTestServer(t *testing.T, rec *recorder.Recorder) string {
	t.Helper()
	engine, err := query.NewEngine(nil)
	require.NoError(t, err)
	s := New("127.0.0.1:0", rec, engine, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		srv.Close()
	})
	return srv.URL
}

func seed(t *testing.T, rec *recorder.Recorder) {
	t.Helper()
	add := func(id, method, rawURL string, status int) {
		u, err := url.Parse(rawURL)
		require.NoError(t, err)
		rec.Begin(id, traffic.Request{Method: method, URL: u, CreatedAt: epoch})
		if status > 0 {
			rec.Finish(id, &traffic.Response{StatusCode: status}, nil)
		}
	}
	add("a", "GET", "https://api.example.com/users", 200)
	add("b", "POST", "https://api.example.com/users", 201)
	add("c", "GET", "https://cdn.example.org/logo.png", 404)
	add("d", "GET", "https://api.example.com/slow", 0)
}

// listIDs fetches an entry listing and returns the ids in response order.
func listIDs(t *testing.T, rawURL string) ([]string, int) {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode
	}
	var raw []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.ID)
	}
	return out, resp.StatusCode
}

func TestServer_Health(t *testing.T) {
	rec := recorder.New()
	seed(t, rec)
	base := startTestServer(t, rec)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(4), body["entries"])
}

func TestServer_ListEntries(t *testing.T) {
	rec := recorder.New()
	seed(t, rec)
	base := startTestServer(t, rec)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"d", "c", "b", "a"}},
		{"?method=POST", []string{"b"}},
		{"?method=POST,GET&status=200,201", []string{"b", "a"}},
		{"?status=404", []string{"c"}},
		{"?path=.png", []string{"c"}},
		{"?host=cdn.", []string{"c"}},
		{"?pending=true", []string{"d"}},
		{"?failed=true", []string{}},
		{"?filter=" + url.QueryEscape(`status >= 200 && status < 300`), []string{"b", "a"}},
		{"?method=GET&filter=" + url.QueryEscape(`host == "api.example.com"`), []string{"d", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, status := listIDs(t, base+"/api/entries"+tt.query)
			require.Equal(t, http.StatusOK, status)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServer_ListEntries_BadParams(t *testing.T) {
	base := startTestServer(t, recorder.New())

	_, status := listIDs(t, base+"/api/entries?status=abc")
	assert.Equal(t, http.StatusBadRequest, status)

	_, status = listIDs(t, base+"/api/entries?filter="+url.QueryEscape("status +"))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServer_GetEntry(t *testing.T) {
	rec := recorder.New()
	seed(t, rec)
	base := startTestServer(t, rec)

	resp, err := http.Get(base + "/api/entries/c")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ID      string `json:"id"`
		Request struct {
			Method string `json:"method"`
			URL    string `json:"url"`
		} `json:"request"`
		Response struct {
			StatusCode int `json:"status_code"`
		} `json:"response"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "c", body.ID)
	assert.Equal(t, "https://cdn.example.org/logo.png", body.Request.URL)
	assert.Equal(t, 404, body.Response.StatusCode)

	missing, err := http.Get(base + "/api/entries/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestServer_ClearAndExport(t *testing.T) {
	rec := recorder.New()
	seed(t, rec)
	base := startTestServer(t, rec)

	resp, err := http.Get(base + "/api/export.har")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, har.Validate(data))
	archive, err := har.Decode(data)
	require.NoError(t, err)
	assert.Len(t, archive.Log.Entries, 4)

	req, err := http.NewRequest(http.MethodDelete, base+"/api/entries", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	assert.Equal(t, 0, rec.Len())

	empty, err := http.Get(base + "/api/export.har")
	require.NoError(t, err)
	defer empty.Body.Close()
	assert.Equal(t, http.StatusNotFound, empty.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(empty.Body).Decode(&body))
	assert.Equal(t, "nothing to export", body["error"])
}

func TestServer_ChangeStream(t *testing.T) {
	rec := recorder.New()
	base := startTestServer(t, rec)

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/api/changes"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first ChangeEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, ChangeEvent{Type: EventChanged, Count: 0}, first)

	rec.Begin("x", traffic.Request{Method: "GET", CreatedAt: epoch})

	for {
		var ev ChangeEvent
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, EventChanged, ev.Type)
		if ev.Count == 1 {
			break
		}
	}
}
