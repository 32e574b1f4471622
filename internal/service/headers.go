package service

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"

	"universal-proxy-go/internal/config"
	"universal-proxy-go/internal/cors"
)

// HeaderPolicy decides which inbound request headers travel upstream.
type HeaderPolicy interface {
	Name() string
	Outbound(src http.Header) http.Header
}

// NewHeaderPolicy returns the policy selected by cfg.Headers.Policy.
func NewHeaderPolicy(cfg *config.Config) HeaderPolicy {
	if cfg.Headers.Policy == config.PolicyAllow {
		return newAllowList(cfg.Proxy.UserAgent, cfg.Headers.ExtraAllow)
	}
	return newDenyList(cfg.Proxy.UserAgent, cfg.Headers.ExtraDeny)
}

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// deniedRequestHeaders are removed in addition to hop-by-hop headers. The
// transport recomputes framing, negotiates its own encoding and the client's
// network identity stays behind.
var deniedRequestHeaders = []string{
	"Host",
	"Content-Length",
	"Accept-Encoding",
	"Forwarded",
	"Via",
	"X-Real-Ip",
	"X-Request-Id",
	"X-Amzn-Trace-Id",
	"True-Client-Ip",
	"Cf-Connecting-Ip",
	"Cf-Ray",
	"Cf-Visitor",
	"Cf-Ipcountry",
}

// deniedRequestPrefixes catch forwarding and platform-injected header families.
var deniedRequestPrefixes = []string{
	"x-forwarded-",
	"x-vercel-",
	"x-nf-",
	"cdn-loop",
}

type denyList struct {
	deny      map[string]bool
	userAgent string
}

func newDenyList(userAgent string, extra []string) *denyList {
	d := &denyList{deny: make(map[string]bool), userAgent: userAgent}
	for _, group := range [][]string{hopByHopHeaders, deniedRequestHeaders, extra} {
		for _, h := range group {
			d.deny[http.CanonicalHeaderKey(h)] = true
		}
	}
	return d
}

func (d *denyList) Name() string { return config.PolicyDeny }

// Outbound copies src minus the deny set and any header named by Connection.
// "TE: trailers" is kept because some upstreams require it.
func (d *denyList) Outbound(src http.Header) http.Header {
	listed := connectionTokens(src)
	dst := make(http.Header, len(src))
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if d.deny[ck] || listed[ck] || hasDeniedPrefix(ck) {
			continue
		}
		dst[ck] = append([]string(nil), vals...)
	}
	if httpguts.HeaderValuesContainsToken(src["Te"], "trailers") {
		dst.Set("Te", "trailers")
	}
	ensureUserAgent(dst, d.userAgent)
	return dst
}

// allowedRequestHeaders are the only names the allow-list forwards besides
// vendor API-key headers.
var allowedRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Cache-Control",
	"Content-Type",
	"If-Modified-Since",
	"If-None-Match",
	"Range",
	"User-Agent",
	"X-Api-Key",
	"X-Goog-Api-Key",
	"Api-Key",
}

// allowedRequestPrefixes match vendor API header families.
var allowedRequestPrefixes = []string{
	"anthropic-",
	"openai-",
	"x-api-",
}

type allowList struct {
	allow     map[string]bool
	userAgent string
}

func newAllowList(userAgent string, extra []string) *allowList {
	a := &allowList{allow: make(map[string]bool), userAgent: userAgent}
	for _, group := range [][]string{allowedRequestHeaders, extra} {
		for _, h := range group {
			a.allow[http.CanonicalHeaderKey(h)] = true
		}
	}
	return a
}

func (a *allowList) Name() string { return config.PolicyAllow }

// Outbound builds a fresh header set with only allowed names copied.
func (a *allowList) Outbound(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if !a.allow[ck] && !hasPrefixFold(ck, allowedRequestPrefixes) {
			continue
		}
		dst[ck] = append([]string(nil), vals...)
	}
	ensureUserAgent(dst, a.userAgent)
	return dst
}

func ensureUserAgent(h http.Header, ua string) {
	if strings.TrimSpace(h.Get("User-Agent")) == "" {
		h.Set("User-Agent", ua)
	}
}

func hasDeniedPrefix(key string) bool {
	return hasPrefixFold(key, deniedRequestPrefixes)
}

func hasPrefixFold(key string, prefixes []string) bool {
	lower := strings.ToLower(key)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// connectionTokens returns the canonical header names listed in Connection.
func connectionTokens(h http.Header) map[string]bool {
	tokens := make(map[string]bool)
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				tokens[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}
	return tokens
}

// strippedResponseHeaders are never relayed downstream; the client-facing
// response is framed by this server.
var strippedResponseHeaders = map[string]bool{
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Trailer":           true,
	"Upgrade":           true,
}

// filterResponseHeaders copies the upstream header set minus framing and
// hop-by-hop headers, drops headers that cannot legally be written, and
// forces the CORS policy.
func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	listed := connectionTokens(src)
	dst := make(http.Header, len(src))
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if strippedResponseHeaders[ck] || listed[ck] {
			continue
		}
		if !httpguts.ValidHeaderFieldName(key) {
			s.rejectHeader(key, "invalid name")
			continue
		}
		for _, v := range vals {
			if !httpguts.ValidHeaderFieldValue(v) {
				s.rejectHeader(key, "invalid value")
				continue
			}
			dst[ck] = append(dst[ck], v)
		}
	}
	cors.Apply(dst)
	return dst
}

func (s *ProxyService) rejectHeader(key, reason string) {
	s.logger.Debug("dropping upstream response header", "header", key, "reason", reason)
	if s.metrics != nil {
		s.metrics.RejectedHeaders.Inc()
	}
}
