package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// gatewayRoutes is the fixed route surface the gateway serves. Metric
// labels use these templates verbatim; anything else collapses so a
// path-scanning client cannot blow up label cardinality.
var gatewayRoutes = map[string]struct{}{
	"/functions/v1/deepgram-token":       {},
	"/functions/v1/heygen-token":         {},
	"/functions/v1/openai-assistant":     {},
	"/functions/v1/conversation-summary": {},
	"/healthz":                           {},
	"/readyz":                            {},
	"/metrics":                           {},
}

const (
	functionPrefix = "/functions/v1/"
	routeUnknownFn = "/functions/v1/{unknown}"
	routeUnmatched = "/{unmatched}"
)

// routeTemplate maps a request path onto its metric route label.
func routeTemplate(path string) string {
	if _, ok := gatewayRoutes[path]; ok {
		return path
	}
	if strings.HasPrefix(path, functionPrefix) {
		return routeUnknownFn
	}
	return routeUnmatched
}

// responseTap captures the status code the downstream handler writes.
type responseTap struct {
	http.ResponseWriter
	status int
}

func (t *responseTap) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

// Middleware instruments the gateway's HTTP surface. Each request gets a
// server span continuing any W3C trace context the client sent, the trace
// ID echoed back as X-Correlation-ID, a duration sample labeled by
// method, route template, and status, and one completion log line.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	propagator := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeTemplate(r.URL.Path)

			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			tap := &responseTap{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(tap, r.WithContext(ctx))
			elapsed := time.Since(start)

			span.SetAttributes(semconv.HTTPResponseStatusCode(tap.status))
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.Int("status", tap.status),
				),
			)

			Logger(ctx).LogAttrs(ctx, slog.LevelInfo, "request served",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", tap.status),
				slog.Duration("elapsed", elapsed),
			)
		})
	}
}
