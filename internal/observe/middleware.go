package observe

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader carries the trace id of every response from the operator
// endpoints.
const TraceHeader = "X-Trace-ID"

// Middleware instruments the operator HTTP surface (/metrics, /healthz,
// /readyz). Each request runs in a server span that continues an incoming W3C
// trace context, answers with [TraceHeader], records one
// [Metrics.HTTPRequestDuration] sample and logs one completion line.
//
// Requests are labelled by the ServeMux route pattern rather than the raw
// path, so unknown paths all collapse into "unmatched".
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := TraceID(ctx); id != "" {
				w.Header().Set(TraceHeader, id)
			}

			stats := httpsnoop.CaptureMetrics(next, w, r)

			route := routeOf(r)
			trace.SpanFromContext(ctx).SetName(r.Method + " " + route)
			m.HTTPRequestDuration.Record(ctx, stats.Duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.Int("status", stats.Code),
				),
			)
			WithTrace(ctx, nil).LogAttrs(ctx, requestLogLevel(route, stats.Code), "http: request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", stats.Code),
				slog.Int64("bytes", stats.Written),
				slog.Duration("duration", stats.Duration),
			)
		})

		return otelhttp.NewHandler(inner, "chati.http",
			otelhttp.WithPropagators(propagation.TraceContext{}),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
}

// routeOf returns the path part of the pattern the ServeMux matched.
func routeOf(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

// quietRoutes are polled by orchestrators and scrapers every few seconds.
var quietRoutes = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

func requestLogLevel(route string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelWarn
	case quietRoutes[route]:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
