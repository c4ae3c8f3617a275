// Package metrics instruments the HTTP surface with the OpenTelemetry
// metric API. The meter provider is ambient (otel.Meter), so wiring an
// exporter is the embedding application's choice; without one the
// instruments are no-ops.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/concavehq/concave"

// Metrics holds the framework's instruments.
type Metrics struct {
	requests    metric.Int64Counter
	errors      metric.Int64Counter
	latency     metric.Float64Histogram
	subscribers metric.Int64UpDownCounter
}

// New creates the instrument set on the ambient meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter(scopeName)

	requests, err := meter.Int64Counter("concave.http.requests",
		metric.WithDescription("HTTP requests handled"))
	if err != nil {
		return nil, err
	}
	errCounter, err := meter.Int64Counter("concave.http.errors",
		metric.WithDescription("HTTP responses with status >= 400"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("concave.http.duration",
		metric.WithDescription("request duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	subscribers, err := meter.Int64UpDownCounter("concave.subscribers.active",
		metric.WithDescription("open SSE subscriptions"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		requests:    requests,
		errors:      errCounter,
		latency:     latency,
		subscribers: subscribers,
	}, nil
}

// statusWriter captures the response status while staying transparent to
// SSE streaming (Flush) and connection hijacking.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

// Middleware instruments a handler. A nil receiver passes the handler
// through untouched.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.Int("status", status),
		)
		ctx := r.Context()
		m.requests.Add(ctx, 1, attrs)
		if status >= 400 {
			m.errors.Add(ctx, 1, attrs)
		}
		m.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), attrs)
	})
}

// SubscriberOpened records a new SSE subscription. The returned func
// records its end and must be called exactly once.
func (m *Metrics) SubscriberOpened(r *http.Request, resource string) func() {
	if m == nil {
		return func() {}
	}
	attrs := metric.WithAttributes(attribute.String("resource", resource))
	ctx := r.Context()
	m.subscribers.Add(ctx, 1, attrs)
	return func() { m.subscribers.Add(ctx, -1, attrs) }
}
