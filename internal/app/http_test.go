package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cam3ron2/scm-ingest/internal/telemetry"
)

func TestNewHTTPHandler(t *testing.T) {
	t.Parallel()

	text := func(code int, body string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(body))
		})
	}
	healthHandler := http.NewServeMux()
	healthHandler.Handle("/livez", text(http.StatusOK, "live"))
	healthHandler.Handle("/readyz", text(http.StatusServiceUnavailable, "not ready"))
	healthHandler.Handle("/healthz", text(http.StatusOK, `{"mode":"healthy"}`))

	handler := NewHTTPHandler(Routes{
		Metrics:       text(http.StatusOK, "metrics"),
		Health:        healthHandler,
		Webhook:       text(http.StatusAccepted, "skipped: untracked"),
		SyncTrigger:   text(http.StatusAccepted, "queued"),
		Registrations: text(http.StatusOK, "[]"),
	})

	testCases := []struct {
		name     string
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{name: "metrics", method: http.MethodGet, path: "/metrics", wantCode: http.StatusOK, wantBody: "metrics"},
		{name: "livez", method: http.MethodGet, path: "/livez", wantCode: http.StatusOK, wantBody: "live"},
		{name: "readyz", method: http.MethodGet, path: "/readyz", wantCode: http.StatusServiceUnavailable, wantBody: "not ready"},
		{name: "healthz", method: http.MethodGet, path: "/healthz", wantCode: http.StatusOK, wantBody: `{"mode":"healthy"}`},
		{name: "webhook_post", method: http.MethodPost, path: "/webhooks/github", wantCode: http.StatusAccepted, wantBody: "skipped: untracked"},
		{name: "webhook_get_not_allowed", method: http.MethodGet, path: "/webhooks/github", wantCode: http.StatusMethodNotAllowed},
		{name: "sync_post", method: http.MethodPost, path: "/sync", wantCode: http.StatusAccepted, wantBody: "queued"},
		{name: "registrations_get", method: http.MethodGet, path: "/registrations", wantCode: http.StatusOK, wantBody: "[]"},
		{name: "unknown", method: http.MethodGet, path: "/unknown", wantCode: http.StatusNotFound, wantBody: "404 page not found\n"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tc.method, tc.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tc.wantCode)
			}
			if tc.wantBody != "" && rec.Body.String() != tc.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestWrapHTTPHandlerByTraceMode(t *testing.T) {
	t.Parallel()

	base := &staticHandler{}

	testCases := []struct {
		name        string
		traceMode   telemetry.Mode
		wantWrapped bool
	}{
		{
			name:        "trace_off",
			traceMode:   "off",
			wantWrapped: false,
		},
		{
			name:        "trace_sampled",
			traceMode:   "sampled",
			wantWrapped: true,
		},
		{
			name:        "trace_detailed",
			traceMode:   "detailed",
			wantWrapped: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			wrapped := wrapHTTPHandler(tc.traceMode, "metrics", base)
			gotWrapped := wrapped != base
			if gotWrapped != tc.wantWrapped {
				t.Fatalf("wrapped = %t, want %t", gotWrapped, tc.wantWrapped)
			}
		})
	}
}

func TestWrapHTTPHandlerNilHandlerAndStatusCapture(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		traceMode telemetry.Mode
		route     string
		handler   http.Handler
		wantCode  int
	}{
		{
			name:      "nil_handler_uses_not_found",
			traceMode: "sampled",
			route:     "metrics",
			handler:   nil,
			wantCode:  http.StatusNotFound,
		},
		{
			name:      "empty_route_defaults_operation_name",
			traceMode: "detailed",
			route:     "",
			handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}),
			wantCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			wrapped := wrapHTTPHandler(tc.traceMode, tc.route, tc.handler)
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
		})
	}
}

type staticHandler struct{}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
