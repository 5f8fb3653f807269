package interceptor

import (
	"time"

	"github.com/httpseal/nettrace/pkg/logger"
)

// Option configures a Transport.
type Option func(*Transport)

// WithMaxBodySize caps how many body bytes are kept in the log. Callers
// always receive the full body. Zero means unlimited.
func WithMaxBodySize(n int64) Option {
	return func(t *Transport) {
		if n >= 0 {
			t.maxBodySize = n
		}
	}
}

// WithDecodeBodies controls whether gzip, deflate and br response bodies are
// stored decoded. Enabled by default.
func WithDecodeBodies(decode bool) Option {
	return func(t *Transport) {
		t.decodeBodies = decode
	}
}

// WithIDGenerator replaces the correlation id source.
func WithIDGenerator(gen func() string) Option {
	return func(t *Transport) {
		if gen != nil {
			t.newID = gen
		}
	}
}

// WithMetrics records request metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithBufferedResponses makes RoundTrip read the whole response body before
// returning, so the entry is finished as soon as the call returns.
func WithBufferedResponses() Option {
	return func(t *Transport) {
		t.buffered = true
	}
}

// WithClock overrides the time source for request and response timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}
