package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"templatepipe/internal/observability/logging"
)

func TestRequestIDMiddlewareAnnotatesContextAndHeaders(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "incoming" {
			t.Fatalf("expected request id to be preserved, got %q", requestID)
		}
		if _, ok := logging.JobIDFromContext(r.Context()); ok {
			t.Fatalf("expected no job id before the handler mints one")
		}
		logging.SetJobID(r.Context(), "job_123")
		jobID, _ := logging.JobIDFromContext(r.Context())
		if jobID != "job_123" {
			t.Fatalf("expected job id \"job_123\" after SetJobID, got %q", jobID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "incoming")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-Id") != "incoming" {
		t.Fatalf("expected response header to carry request id, got %q", rr.Header().Get("X-Request-Id"))
	}
}

func TestLoggingMiddlewareEmitsRequestMetadata(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{AddSource: false}))

	handlerChain := requestIDMiddlewareWithGenerator(logger, func() string { return "generated-id" }, loggingMiddleware(logger, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.SetJobID(r.Context(), "job_abc")
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodPost, "/pipeline/v2/process", nil)

	handlerChain.ServeHTTP(httptest.NewRecorder(), req)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}

	if payload["status"] != float64(http.StatusNoContent) {
		t.Fatalf("expected status %d to be logged, got %v", http.StatusNoContent, payload["status"])
	}
	if payload["method"] != http.MethodPost {
		t.Fatalf("expected method to be logged, got %v", payload["method"])
	}
	if payload["job_id"] != "job_abc" {
		t.Fatalf("expected job_id to be logged, got %v", payload["job_id"])
	}
}
