package app

import (
	"net/http"
	"strings"

	"github.com/cam3ron2/scm-ingest/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Routes are the handlers mounted by NewHTTPHandler. Nil handlers answer 404.
type Routes struct {
	Metrics       http.Handler
	Health        http.Handler
	Webhook       http.Handler
	SyncTrigger   http.Handler
	Registrations http.Handler
}

// NewHTTPHandler wires the service endpoints on a single router.
func NewHTTPHandler(routes Routes) http.Handler {
	router := chi.NewRouter()
	traceMode := telemetry.CurrentMode()
	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", routes.Metrics))
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", routes.Health))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", routes.Health))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", routes.Health))
	router.Method(http.MethodPost, "/webhooks/github", wrapHTTPHandler(traceMode, "webhook", routes.Webhook))
	router.Method(http.MethodPost, "/sync", wrapHTTPHandler(traceMode, "sync", routes.SyncTrigger))
	router.Method(http.MethodGet, "/registrations", wrapHTTPHandler(traceMode, "registrations", routes.Registrations))
	return router
}

// wrapHTTPHandler traces each request as http.server.<route> unless tracing is off.
func wrapHTTPHandler(mode telemetry.Mode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if mode == telemetry.ModeOff {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartSpan(r.Context(), "app", "http.server."+operation,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
		}
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
