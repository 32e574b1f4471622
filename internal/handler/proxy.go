package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"universal-proxy-go/internal/cors"
	"universal-proxy-go/internal/model"
	"universal-proxy-go/internal/relay"
	"universal-proxy-go/internal/service"
)

// queryPattern matches query strings of URLs embedded in error messages,
// skipping ones already redacted.
var queryPattern = regexp.MustCompile(`\?[^\s"\[][^\s"]*`)

// ProxyHandler serves the proxy endpoint.
type ProxyHandler struct {
	service *service.ProxyService
	relay   *relay.Relay
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, r *relay.Relay, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		relay:   r,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle answers preflights locally, forwards everything else to the target
// named in the query string and relays the upstream response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		cors.ApplyPreflight(c.Response().Header())
		return c.NoContent(http.StatusNoContent)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Host:          req.Host,
	}

	resp, target, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	err = h.relay.Deliver(req.Context(), c.Response(), req.Method, resp, h.service.RewriteContext(pr, target))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, relay.ErrRelayInterrupted):
		h.logger.Debug("client disconnected during relay", "err", sanitizeError(err))
		return nil
	}

	h.logger.Error("upstream body failed",
		"err", sanitizeError(err),
		"target", target.URL.Host,
	)
	if !c.Response().Committed {
		return errorJSON(c, http.StatusBadGateway, "upstream_unreachable", "upstream body failed")
	}
	// Status and part of the body are already out; drop the connection so
	// the client sees a truncated response instead of a complete one.
	panic(http.ErrAbortHandler)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrMissingTarget):
		h.logger.Debug("missing target", "path", c.Request().URL.Path)
		cors.Apply(c.Response().Header())
		return c.String(http.StatusBadRequest, `Missing "url" parameter`)

	case errors.Is(err, service.ErrInvalidTarget):
		h.logger.Debug("invalid target", "err", err)
		cors.Apply(c.Response().Header())
		return c.String(http.StatusBadRequest, "Invalid URL: "+invalidReason(err))

	case errors.Is(err, service.ErrInboundBody):
		h.logger.Debug("inbound body read failed", "err", sanitizeError(err))
		var he *echo.HTTPError
		if errors.As(err, &he) {
			// BodyLimit reports an oversized chunked body through the reader.
			return he
		}
		return errorJSON(c, http.StatusBadRequest, "bad_request_body", "request body could not be read")

	case errors.Is(err, context.Canceled):
		h.logger.Debug("client disconnected before upstream responded", "err", sanitizeError(err))
		return errorJSON(c, http.StatusBadGateway, "upstream_unreachable", "client disconnected")
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if isTimeout(err) {
		return errorJSON(c, http.StatusGatewayTimeout, "upstream_timeout", "upstream did not respond in time")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return errorJSON(c, http.StatusBadGateway, "upstream_unreachable", "upstream host not found: "+dnsErr.Name)
	}

	return errorJSON(c, http.StatusBadGateway, "upstream_unreachable", sanitizeError(err))
}

func invalidReason(err error) string {
	var ite *service.InvalidTargetError
	if errors.As(err, &ite) {
		return ite.Reason
	}
	return err.Error()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// errorJSON writes the proxy's JSON error body with CORS headers.
func errorJSON(c echo.Context, status int, code, message string) error {
	cors.Apply(c.Response().Header())
	return c.JSON(status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// sanitizeError redacts query strings from error messages that may contain
// upstream URLs.
func sanitizeError(err error) string {
	return queryPattern.ReplaceAllString(err.Error(), "?[REDACTED]")
}
