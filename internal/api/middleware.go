package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Context keys for request correlation.
type contextKey string

const (
	// TraceIDKey is the context key for trace ID.
	TraceIDKey contextKey = "traceID"

	// RequestIDKey is the context key for request ID.
	RequestIDKey contextKey = "requestID"

	// RequestIDHeader is the HTTP header for request ID.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader is the HTTP header for trace ID.
	TraceIDHeader = "X-Trace-ID"
)

var tracer = otel.Tracer("kestrel/api")

// quietRoutes are polled by health checks and scrapers; they log at debug.
var quietRoutes = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// routeScope is the matched route pattern and the pipeline entity its URL
// names: a run, a transaction or a dataset folder.
type routeScope struct {
	pattern string
	key     string
	value   string
}

// scopeOf reads the chi route context. It is complete only after routing,
// so middleware calls it once the handler has returned.
func scopeOf(r *http.Request) routeScope {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.RoutePattern() == "" {
		return routeScope{pattern: "unmatched"}
	}
	s := routeScope{pattern: rctx.RoutePattern()}
	switch {
	case strings.HasPrefix(s.pattern, "/runs/"):
		s.key, s.value = "run_id", rctx.URLParam("id")
	case strings.HasPrefix(s.pattern, "/transactions/"):
		s.key, s.value = "transaction_id", rctx.URLParam("id")
	case strings.HasPrefix(s.pattern, "/dataset/"):
		s.key, s.value = "dataset", rctx.URLParam("folder")
	}
	if s.value == "" {
		s.key = ""
	}
	return s
}

// TracingMiddleware opens a span per request, named after the route pattern
// once routing is done, and propagates request and trace ids.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		// Without an SDK the span context is invalid; fall back to the request id
		traceID := span.SpanContext().TraceID().String()
		if !span.SpanContext().TraceID().IsValid() {
			traceID = requestID
		}

		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		ctx = context.WithValue(ctx, TraceIDKey, traceID)

		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		r = r.WithContext(ctx)
		next.ServeHTTP(w, r)

		scope := scopeOf(r)
		span.SetName(r.Method + " " + scope.pattern)
		span.SetAttributes(attribute.String("http.route", scope.pattern))
		if scope.key != "" {
			span.SetAttributes(attribute.String("kestrel."+scope.key, scope.value))
		}
	})
}

// LoggingMiddleware logs one line per request with the route and the run,
// transaction or dataset it addressed.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		requestID, _ := r.Context().Value(RequestIDKey).(string)
		traceID := GetTraceID(r.Context())
		scope := scopeOf(r)

		attrs := []any{
			"component", "api",
			"method", r.Method,
			"route", scope.pattern,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID,
			"trace_id", traceID,
		}
		if scope.key != "" {
			attrs = append(attrs, scope.key, scope.value)
		}

		level := slog.LevelInfo
		if quietRoutes[scope.pattern] && rw.statusCode < http.StatusInternalServerError {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http request", attrs...)
	})
}

// CORSMiddleware lets the results dashboard call the API from another origin.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Trace-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Trace-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware turns a handler panic into a 500 so one bad request
// never takes down a running pipeline.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				requestID, _ := r.Context().Value(RequestIDKey).(string)
				slog.Error("panic recovered",
					"component", "api",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestID,
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// GetTraceID returns the trace id TracingMiddleware stored, or "".
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}
