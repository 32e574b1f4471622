// Package client provides the upstream HTTP client used to reach proxy targets.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"universal-proxy-go/internal/config"
	"universal-proxy-go/internal/metrics"
	"universal-proxy-go/internal/model"
)

// UpstreamClient sends forwarded requests to arbitrary targets.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// Redirects are never followed: the caller rewrites them. The whole-request
// Client.Timeout is left unset because it would also bound body reads and cut
// long-lived event streams; the connect and response-header phases are bounded
// on the transport instead.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutSeconds) * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request with a streamed body and returns the response
// body as a stream. The caller is responsible for closing the returned body.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request and any body read in progress are also canceled.
//
// contentLength is the declared length of body, or -1 when unknown.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if body != nil && body != http.NoBody {
		req.ContentLength = contentLength
	}

	return c.Do(req)
}
