package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantHost   string
		wantStatus float64
	}{
		{"proxied call", "/proxy?url=https%3A%2F%2Fapi.example.com%2Fv1%3Fkey%3Dsecret", "api.example.com", 200},
		{"no target", "/proxy", "", 200},
		{"unparsable target", "/proxy?url=%25zz%3A%2F%2F", "", 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			e := echo.New()
			e.Use(RequestLogger(logger, "url"))
			e.GET("/proxy", func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})

			req := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if strings.Contains(buf.String(), "secret") {
				t.Errorf("log line leaks target query: %s", buf.String())
			}

			var line map[string]any
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("unmarshal log line: %v", err)
			}
			if line["msg"] != "request" {
				t.Errorf("msg = %v, want %q", line["msg"], "request")
			}
			if line["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %v", line["status"], tt.wantStatus)
			}
			host, _ := line["target_host"].(string)
			if host != tt.wantHost {
				t.Errorf("target_host = %q, want %q", host, tt.wantHost)
			}
		})
	}
}

func TestRequestLogger_LogsAbortedRelay(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	e := echo.New()
	e.Use(RequestLogger(logger, "url"))
	e.GET("/proxy", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		_, _ = c.Response().Write([]byte("partial"))
		panic(http.ErrAbortHandler)
	})

	req := httptest.NewRequest(http.MethodGet, "/proxy?url=https%3A%2F%2Fapi.example.com%2F", http.NoBody)
	rec := httptest.NewRecorder()

	func() {
		defer func() {
			if r := recover(); r != http.ErrAbortHandler {
				t.Errorf("recovered %v, want http.ErrAbortHandler", r)
			}
		}()
		e.ServeHTTP(rec, req)
	}()

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if line["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", line["level"])
	}
	if line["aborted"] != true {
		t.Errorf("aborted = %v, want true", line["aborted"])
	}
	if line["bytes_out"] != float64(len("partial")) {
		t.Errorf("bytes_out = %v, want %d", line["bytes_out"], len("partial"))
	}
	if line["target_host"] != "api.example.com" {
		t.Errorf("target_host = %v, want api.example.com", line["target_host"])
	}
}
