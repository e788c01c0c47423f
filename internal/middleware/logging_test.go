package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLoggerSkipsHealthyProbes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	if buf.Len() != 0 {
		t.Errorf("healthy probe logged: %s", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/backups?limit=5", nil))
	out := buf.String()
	if !strings.Contains(out, "path=/api/backups") {
		t.Errorf("request not logged: %s", out)
	}
	if !strings.Contains(out, "query=limit=5") {
		t.Errorf("query not logged: %s", out)
	}
}

func TestRequestLoggerLogsFailedProbes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	out := buf.String()
	if !strings.Contains(out, "status=503") {
		t.Errorf("failed probe not logged: %s", out)
	}
	if !strings.Contains(out, "level=ERROR") {
		t.Errorf("failed probe not logged at error level: %s", out)
	}
}
