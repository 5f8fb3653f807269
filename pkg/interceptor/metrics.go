package interceptor

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names exported by Metrics.
const (
	MetricRequests = "nettrace.requests.total"
	MetricErrors   = "nettrace.errors.total"
	MetricDuration = "nettrace.request.duration"
	MetricActive   = "nettrace.requests.active"
)

// Metrics holds the RED instruments for intercepted traffic. A nil *Metrics
// records nothing.
type Metrics struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	m.requests, err = meter.Int64Counter(MetricRequests,
		metric.WithDescription("Total number of intercepted requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.errors, err = meter.Int64Counter(MetricErrors,
		metric.WithDescription("Total number of requests that ended in a transport error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram(MetricDuration,
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, err
	}

	m.active, err = meter.Int64UpDownCounter(MetricActive,
		metric.WithDescription("Number of requests in flight"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Metrics) begin(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.active.Add(ctx, 1, metric.WithAttributes(attribute.String("http.request.method", method)))
}

func (m *Metrics) end(ctx context.Context, method string, status int, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	methodAttr := attribute.String("http.request.method", method)
	m.active.Add(ctx, -1, metric.WithAttributes(methodAttr))

	attrs := metric.WithAttributes(methodAttr, attribute.String("http.response.status_code", strconv.Itoa(status)))
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
	if failed {
		m.errors.Add(ctx, 1, metric.WithAttributes(methodAttr))
	}
}
