package recorder

import (
	"strings"
	"time"

	"github.com/httpseal/nettrace/pkg/traffic"
)

// Filter defines criteria for selecting traffic entries.
// Zero-valued fields do not constrain the match.
type Filter struct {
	Methods     []string  // Only these methods (exact)
	StatusCodes []int     // Only responses with these status codes
	PathSuffix  string    // URL path must end with this
	Hosts       []string  // Host must contain one of these
	After       time.Time // Created strictly after
	Before      time.Time // Created strictly before
	OnlyFailed  bool      // Only entries with a transport error
	OnlyPending bool      // Only entries still in flight
}

// Match returns true if the entry passes the filter.
func (f Filter) Match(e traffic.Entry) bool {
	if len(f.Methods) > 0 && !containsString(f.Methods, e.Request.Method) {
		return false
	}
	if len(f.StatusCodes) > 0 && !containsInt(f.StatusCodes, e.StatusCode()) {
		return false
	}
	if f.PathSuffix != "" {
		if e.Request.URL == nil || !strings.HasSuffix(e.Request.URL.Path, f.PathSuffix) {
			return false
		}
	}
	if len(f.Hosts) > 0 && !matchHost(f.Hosts, e) {
		return false
	}
	if !f.After.IsZero() && !e.Request.CreatedAt.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !e.Request.CreatedAt.Before(f.Before) {
		return false
	}
	if f.OnlyFailed && !e.Failed() {
		return false
	}
	if f.OnlyPending && e.Finished() {
		return false
	}
	return true
}

// Predicate adapts the filter for Recorder.Query.
func (f Filter) Predicate() Predicate {
	return f.Match
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return len(f.Methods) == 0 && len(f.StatusCodes) == 0 && f.PathSuffix == "" &&
		len(f.Hosts) == 0 && f.After.IsZero() && f.Before.IsZero() && !f.OnlyFailed && !f.OnlyPending
}

// And combines predicates; nil predicates are skipped.
func And(preds ...Predicate) Predicate {
	return func(e traffic.Entry) bool {
		for _, p := range preds {
			if p != nil && !p(e) {
				return false
			}
		}
		return true
	}
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(is []int, i int) bool {
	for _, v := range is {
		if v == i {
			return true
		}
	}
	return false
}

func matchHost(patterns []string, e traffic.Entry) bool {
	if e.Request.URL == nil {
		return false
	}
	host := e.Request.URL.Hostname()
	for _, p := range patterns {
		if p == host || strings.Contains(host, p) {
			return true
		}
	}
	return false
}
