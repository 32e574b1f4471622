// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents an inbound call to the proxy endpoint.
// It is built once per request and not modified afterwards.
//
// RawQuery carries the target parameter. ContentLength is the declared body
// length, -1 when unknown. Host is the host the client used to reach the proxy.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	Host          string
}

// TargetDescriptor is the resolved upstream URL with residual inbound
// query parameters already appended.
type TargetDescriptor struct {
	URL *url.URL
}

// String returns the absolute target URL.
func (t *TargetDescriptor) String() string {
	return t.URL.String()
}

// ProxyResponse represents the upstream response to be relayed back.
// Redirected is set when a 3xx Location was rewritten to re-enter the proxy.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Redirected bool
}

// RewriteContext carries what the HTML rewriter needs to build proxy links
// for a single response.
type RewriteContext struct {
	Target    *url.URL
	ProxyHost string
	BasePath  string
	Param     string
}
