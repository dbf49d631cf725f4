package observe

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// responseMeta wraps [http.ResponseWriter] to capture what the transcription
// handler actually wrote: the status code and the response size. Audio
// responses vary from a handful of bytes (silence) to large segment lists, so
// the size shows up in the completion log.
type responseMeta struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *responseMeta) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseMeta) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// Middleware wraps the transcription API with per-request telemetry: a server
// span continuing any W3C trace context the upstream bot sent, the
// X-Correlation-ID response header so clients can quote a request in bug
// reports, a sample in [Metrics.HTTPRequestDuration], and one completion log
// line per request.
//
// The duration metric is labelled with the matched route pattern rather than
// the raw URL, keeping cardinality fixed no matter what paths get probed.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	propagator := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rm := &responseMeta{ResponseWriter: w}
			rr := r.WithContext(ctx)
			next.ServeHTTP(rm, rr)
			if rm.status == 0 {
				rm.status = http.StatusOK
			}

			// The ServeMux fills in Pattern during routing; unmatched paths
			// fall back to the raw path (they all land on the 404 handler).
			route := rr.Pattern
			if route == "" {
				route = r.URL.Path
			}

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
				),
			)
			span.SetAttributes(
				semconv.HTTPResponseStatusCode(rm.status),
				semconv.HTTPRoute(route),
			)

			Logger(ctx).Info("request handled",
				"method", r.Method,
				"route", route,
				"status", rm.status,
				"bytes", rm.bytes,
				"elapsed", elapsed,
			)
		})
	}
}
