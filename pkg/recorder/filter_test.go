package recorder

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/httpseal/nettrace/pkg/traffic"
)

func entryFor(rawURL, method string, status int, created time.Time) traffic.Entry {
	u, _ := url.Parse(rawURL)
	e := traffic.Entry{
		ID:      rawURL,
		Request: traffic.Request{Method: method, URL: u, CreatedAt: created},
	}
	if status > 0 {
		d := time.Millisecond
		e.Duration = &d
		e.Response = &traffic.Response{StatusCode: status}
	}
	return e
}

func TestFilter_Match(t *testing.T) {
	ok := entryFor("https://api.example.com/users/1", "GET", 200, epoch)
	notFound := entryFor("https://cdn.example.org/img.png", "GET", 404, epoch.Add(time.Hour))
	pending := entryFor("https://api.example.com/slow", "POST", 0, epoch.Add(2*time.Hour))
	failed := entryFor("https://api.example.com/down", "GET", 0, epoch)
	d := time.Second
	failed.Duration = &d
	failed.Error = &traffic.ErrorLog{Description: "refused"}

	tests := []struct {
		name   string
		filter Filter
		entry  traffic.Entry
		want   bool
	}{
		{"zero matches all", Filter{}, pending, true},
		{"method hit", Filter{Methods: []string{"POST"}}, pending, true},
		{"method miss", Filter{Methods: []string{"POST"}}, ok, false},
		{"status hit", Filter{StatusCodes: []int{404}}, notFound, true},
		{"status miss", Filter{StatusCodes: []int{404}}, ok, false},
		{"pending has status 0", Filter{StatusCodes: []int{0}}, pending, true},
		{"path suffix", Filter{PathSuffix: ".png"}, notFound, true},
		{"path suffix miss", Filter{PathSuffix: ".png"}, ok, false},
		{"host contains", Filter{Hosts: []string{"cdn."}}, notFound, true},
		{"host miss", Filter{Hosts: []string{"cdn."}}, ok, false},
		{"after", Filter{After: epoch.Add(30 * time.Minute)}, notFound, true},
		{"after excludes equal", Filter{After: epoch}, ok, false},
		{"before", Filter{Before: epoch.Add(30 * time.Minute)}, ok, true},
		{"only failed", Filter{OnlyFailed: true}, failed, true},
		{"only failed miss", Filter{OnlyFailed: true}, ok, false},
		{"only pending", Filter{OnlyPending: true}, pending, true},
		{"only pending miss", Filter{OnlyPending: true}, failed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(tt.entry))
		})
	}
}

func TestFilter_IsZero(t *testing.T) {
	assert.True(t, Filter{}.IsZero())
	assert.False(t, Filter{OnlyPending: true}.IsZero())
}

func TestAnd(t *testing.T) {
	e := entryFor("https://api.example.com/a", "GET", 200, epoch)
	yes := func(traffic.Entry) bool { return true }
	no := func(traffic.Entry) bool { return false }

	assert.True(t, And(yes, nil, yes)(e))
	assert.False(t, And(yes, no)(e))
	assert.True(t, And()(e))
}

func TestRecorder_QueryWithFilter(t *testing.T) {
	rec := New()
	rec.Begin("a", traffic.Request{Method: "GET", CreatedAt: epoch})
	rec.Begin("b", traffic.Request{Method: "DELETE", CreatedAt: epoch})

	got := rec.Query(Filter{Methods: []string{"DELETE"}}.Predicate())
	assert.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}
