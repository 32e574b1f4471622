package service

import (
	"net/http"
	"net/url"

	"universal-proxy-go/internal/model"
	"universal-proxy-go/internal/rewrite"
)

// redirectStatuses are the 3xx codes whose Location is rewritten.
var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusSeeOther:          true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// rewriteRedirect points a redirect's Location back at the proxy, resolving
// it against target first. The status code is preserved and the upstream
// body is discarded. Responses without a usable Location are left alone and
// relayed like any other response.
func (s *ProxyService) rewriteRedirect(resp *model.ProxyResponse, target *url.URL) bool {
	if !redirectStatuses[resp.StatusCode] {
		return false
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return false
	}
	ref, err := url.Parse(loc)
	if err != nil {
		s.logger.Debug("unparsable redirect location", "err", err)
		return false
	}
	abs := target.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return false
	}

	resp.Header.Set("Location", rewrite.ProxyURL(s.cfg.Proxy.BasePath, s.cfg.Proxy.TargetParam, abs.String()))
	_ = resp.Body.Close()
	resp.Body = http.NoBody
	resp.Redirected = true

	if s.metrics != nil {
		s.metrics.RedirectsRewritten.Inc()
	}
	return true
}
