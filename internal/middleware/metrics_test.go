package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"universal-proxy-go/internal/metrics"
)

// requestSeries returns the label sets and counter values of
// universal_proxy_http_requests_total.
func requestSeries(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var series []map[string]string
	for _, f := range families {
		if f.GetName() != "universal_proxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if metric.GetCounter().GetValue() != 1 {
				t.Errorf("counter %v = %v, want 1", labels, metric.GetCounter().GetValue())
			}
			series = append(series, labels)
		}
	}
	return series
}

func newMetricsEcho(m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/proxy", func(c echo.Context) error {
		if c.QueryParam("url") == "" {
			return c.String(http.StatusBadRequest, `Missing "url" parameter`)
		}
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "down")
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		want   map[string]string
	}{
		{
			name:   "proxied request",
			method: http.MethodGet,
			target: "/proxy?url=https%3A%2F%2Fexample.com%2F",
			want:   map[string]string{"method": "GET", "status_code": "200", "path_prefix": "/proxy"},
		},
		{
			name:   "handler written error",
			method: http.MethodPost,
			target: "/proxy",
			want:   map[string]string{"method": "POST", "status_code": "400", "path_prefix": "/proxy"},
		},
		{
			name:   "returned HTTPError",
			method: http.MethodGet,
			target: "/fail",
			want:   map[string]string{"method": "GET", "status_code": "503", "path_prefix": "other"},
		},
		{
			name:   "unknown method",
			method: "XYZZY",
			target: "/proxy?url=x",
			want:   map[string]string{"method": "other", "path_prefix": "/proxy"},
		},
		{
			name:   "router not found",
			method: http.MethodGet,
			target: "/nonexistent",
			want:   map[string]string{"method": "GET", "status_code": "404", "path_prefix": "other"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New("/proxy", "/healthz")
			e := newMetricsEcho(m)

			req := httptest.NewRequest(tt.method, tt.target, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			series := requestSeries(t, m)
			if len(series) != 1 {
				t.Fatalf("got %d series, want 1: %v", len(series), series)
			}
			for k, v := range tt.want {
				if series[0][k] != v {
					t.Errorf("%s = %q, want %q", k, series[0][k], v)
				}
			}
		})
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New("/proxy", "/healthz")
	e := newMetricsEcho(m)

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "universal_proxy_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected universal_proxy_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_RecordsAbortedRelay(t *testing.T) {
	m := metrics.New("/proxy", "/healthz")

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/proxy", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		_, _ = c.Response().Write([]byte("partial"))
		panic(http.ErrAbortHandler)
	})

	req := httptest.NewRequest(http.MethodGet, "/proxy?url=x", http.NoBody)
	rec := httptest.NewRecorder()

	func() {
		defer func() {
			if r := recover(); r != http.ErrAbortHandler {
				t.Errorf("recovered %v, want http.ErrAbortHandler", r)
			}
		}()
		e.ServeHTTP(rec, req)
	}()

	series := requestSeries(t, m)
	if len(series) != 1 {
		t.Fatalf("got %d series, want 1: %v", len(series), series)
	}
	if series[0]["status_code"] != "200" || series[0]["path_prefix"] != "/proxy" {
		t.Errorf("labels = %v, want status_code=200 path_prefix=/proxy", series[0])
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	aborted := 0.0
	inFlight := -1.0
	for _, f := range families {
		switch f.GetName() {
		case "universal_proxy_http_requests_aborted_total":
			for _, metric := range f.GetMetric() {
				aborted += metric.GetCounter().GetValue()
			}
		case "universal_proxy_http_requests_in_flight":
			inFlight = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	if aborted != 1 {
		t.Errorf("aborted = %v, want 1", aborted)
	}
	if inFlight != 0 {
		t.Errorf("in flight = %v, want 0", inFlight)
	}
}
