package har

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httpseal/nettrace/pkg/recorder"
	"github.com/httpseal/nettrace/pkg/traffic"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			name: "minimal valid",
			doc:  `{"log":{"version":"1.2","creator":{"name":"x","version":"1"},"entries":[]}}`,
		},
		{
			name: "fractional timings",
			doc: `{"log":{"version":"1.2","creator":{"name":"x","version":"1"},"entries":[
				{"startedDateTime":"2024-01-01T00:00:00.000Z","time":1.5,"cache":{},
				 "timings":{"send":0,"wait":1.25,"receive":0.25},
				 "request":{"method":"GET","url":"","httpVersion":"HTTP/1.1","cookies":[],"headers":[],"queryString":[],"headersSize":-1,"bodySize":-1},
				 "response":{"status":200,"statusText":"OK","httpVersion":"HTTP/1.1","cookies":[],"headers":[],
				  "content":{"size":0,"mimeType":"text/plain"},"redirectURL":"","headersSize":-1,"bodySize":0}}]}}`,
		},
		{
			name:    "not json",
			doc:     `{"log":`,
			wantErr: true,
		},
		{
			name:    "missing creator",
			doc:     `{"log":{"version":"1.2","entries":[]}}`,
			wantErr: true,
		},
		{
			name:    "wrong version",
			doc:     `{"log":{"version":"1.1","creator":{"name":"x","version":"1"},"entries":[]}}`,
			wantErr: true,
		},
		{
			name: "entry without response",
			doc: `{"log":{"version":"1.2","creator":{"name":"x","version":"1"},"entries":[
				{"startedDateTime":"2024-01-01T00:00:00.000Z","time":0,"cache":{},
				 "timings":{"send":0,"wait":0,"receive":0},
				 "request":{"method":"GET","url":"","httpVersion":"HTTP/1.1","cookies":[],"headers":[],"queryString":[],"headersSize":-1,"bodySize":-1}}]}}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate([]byte(tt.doc))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_ExportedArchive(t *testing.T) {
	rec := recorder.New(recorder.WithClock(func() time.Time { return epoch.Add(1500 * time.Microsecond) }))
	rec.Begin("r1", traffic.Request{
		Method:    "POST",
		URL:       mustURL(t, "https://api.example.com/posts?draft=1"),
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      []byte(`{"title":"t"}`),
		CreatedAt: epoch,
	})
	rec.Finish("r1", &traffic.Response{
		StatusCode: 201,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`{"id":7}`),
	}, nil)

	data, err := NewExporter().Export(rec.Entries())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"time": 1.5`)
	assert.NoError(t, Validate(data))
}
