// Package service implements the request-forwarding pipeline: target
// interpretation, header policy, upstream dispatch and redirect rewriting.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"universal-proxy-go/internal/client"
	"universal-proxy-go/internal/config"
	"universal-proxy-go/internal/metrics"
	"universal-proxy-go/internal/model"
)

var (
	// ErrUpstreamUnreachable wraps every failure to obtain upstream response
	// headers: DNS, connect, TLS, timeouts.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrInboundBody means reading the client's request body failed while it
	// was being sent upstream.
	ErrInboundBody = errors.New("inbound body read failed")
)

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	policy  HeaderPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:  c,
		cfg:     cfg,
		policy:  NewHeaderPolicy(cfg),
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// Policy returns the request header policy in use.
func (s *ProxyService) Policy() HeaderPolicy {
	return s.policy
}

// Forward resolves the target of pr, issues exactly one upstream request and
// returns the response with filtered headers. Redirects have their Location
// rewritten and an empty body. The caller is responsible for closing the
// response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, *model.TargetDescriptor, error) {
	target, err := ParseTarget(pr.RawQuery, s.cfg.Proxy.TargetParam)
	if err != nil {
		return nil, nil, err
	}

	header := s.policy.Outbound(pr.Header)

	var (
		body          io.Reader
		inbound       *inboundBody
		contentLength = pr.ContentLength
	)
	if pr.Method == http.MethodGet || pr.Method == http.MethodHead ||
		pr.Body == nil || pr.Body == http.NoBody {
		contentLength = 0
	} else {
		inbound = &inboundBody{r: pr.Body}
		body = inbound
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", sanitizeURL(target.URL),
		"policy", s.policy.Name(),
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target.String(), header, body, contentLength)
	if err != nil {
		if bodyErr := inbound.failure(); bodyErr != nil {
			return nil, target, fmt.Errorf("forward to %s: %w: %w", sanitizeURL(target.URL), ErrInboundBody, bodyErr)
		}
		return nil, target, fmt.Errorf("forward to %s: %w: %w", sanitizeURL(target.URL), ErrUpstreamUnreachable, err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	s.rewriteRedirect(resp, target.URL)
	return resp, target, nil
}

// RewriteContext returns the link rewriting context for a response to pr.
func (s *ProxyService) RewriteContext(pr *model.ProxyRequest, target *model.TargetDescriptor) model.RewriteContext {
	return model.RewriteContext{
		Target:    target.URL,
		ProxyHost: proxyHost(pr),
		BasePath:  s.cfg.Proxy.BasePath,
		Param:     s.cfg.Proxy.TargetParam,
	}
}

// proxyHost is the host clients use to reach the proxy, preferring the first
// X-Forwarded-Host entry set by a fronting load balancer.
func proxyHost(pr *model.ProxyRequest) string {
	if fh := pr.Header.Get("X-Forwarded-Host"); fh != "" {
		first, _, _ := strings.Cut(fh, ",")
		return strings.TrimSpace(first)
	}
	return pr.Host
}

// sanitizeURL renders u without its query string, which may carry API keys.
func sanitizeURL(u *url.URL) string {
	c := *u
	c.User = nil
	if c.RawQuery != "" {
		c.RawQuery = "[REDACTED]"
	}
	return c.String()
}

// inboundBody remembers the first non-EOF read error of the client body. The
// transport reads it from its own goroutine.
type inboundBody struct {
	r   io.Reader
	mu  sync.Mutex
	err error
}

func (b *inboundBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		b.mu.Lock()
		if b.err == nil {
			b.err = err
		}
		b.mu.Unlock()
	}
	return n, err
}

func (b *inboundBody) failure() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
