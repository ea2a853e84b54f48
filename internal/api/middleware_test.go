package api

import (
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/banshee-data/congestion.report/internal/monitoring"
)

func TestStatusCodeColor(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{101, colorCyan},
		{200, colorBoldGreen},
		{304, colorYellow},
		{404, colorBoldRed},
		{503, colorBoldRed},
		{42, ""},
	}
	for _, tt := range tests {
		got := statusCodeColor(tt.code)
		if !strings.Contains(got, fmt.Sprint(tt.code)) {
			t.Errorf("statusCodeColor(%d) = %q, missing code", tt.code, got)
		}
		if tt.want != "" && !strings.HasPrefix(got, tt.want) {
			t.Errorf("statusCodeColor(%d) = %q, want prefix %q", tt.code, got, tt.want)
		}
		if tt.want == "" && got != fmt.Sprint(tt.code) {
			t.Errorf("statusCodeColor(%d) = %q, want plain", tt.code, got)
		}
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.(http.Flusher).Flush()
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status/cam1?x=1", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
	if !rec.Flushed {
		t.Error("Flush was not forwarded")
	}
	if len(lines) != 1 || !strings.Contains(lines[0], "418") || !strings.Contains(lines[0], "/api/status/cam1?x=1") {
		t.Errorf("log lines = %q", lines)
	}
}

func TestLoggingResponseWriter_HijackUnsupported(t *testing.T) {
	lrw := &loggingResponseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	if _, _, err := lrw.Hijack(); err == nil {
		t.Error("expected Hijack to fail on a recorder")
	}
}
