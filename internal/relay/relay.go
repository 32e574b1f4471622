// Package relay delivers upstream response bodies to clients.
//
// Two modes exist. Passthrough streams the body as it arrives, flushing after
// every write; the copy buffer is fixed, so a slow client slows the upstream
// read instead of growing memory. Rewrite mode reads an HTML body fully,
// rewrites its links and writes it in one piece.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"universal-proxy-go/internal/config"
	"universal-proxy-go/internal/metrics"
	"universal-proxy-go/internal/model"
	"universal-proxy-go/internal/rewrite"
)

// Relay modes, used as metric labels.
const (
	ModeEmpty       = "empty"
	ModePassthrough = "passthrough"
	ModeRewrite     = "rewrite"
)

// copyBufferSize bounds how far the relay reads ahead of the client.
const copyBufferSize = 32 * 1024

var (
	// ErrRelayInterrupted means the client went away mid-body. It is a
	// normal end of the request, not a failure.
	ErrRelayInterrupted = errors.New("relay interrupted")

	// ErrUpstreamAborted means the upstream body failed before it was complete.
	ErrUpstreamAborted = errors.New("upstream body aborted")
)

// Relay writes upstream responses to clients.
type Relay struct {
	rewriteHTML bool
	maxHTML     int64
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New creates a Relay. The metrics parameter is optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		rewriteHTML: cfg.Rewrite.RewriteHTML(),
		maxHTML:     cfg.Rewrite.MaxHTMLBytes,
		logger:      logger.With("component", "relay"),
		metrics:     m,
	}
}

// Deliver writes resp to w and closes resp.Body. method is the inbound
// request method. The returned error wraps ErrRelayInterrupted or
// ErrUpstreamAborted; once headers have been written nothing else can be
// reported to the client.
func (r *Relay) Deliver(ctx context.Context, w http.ResponseWriter, method string, resp *model.ProxyResponse, rc model.RewriteContext) error {
	defer func() { _ = resp.Body.Close() }()

	h := w.Header()
	for key, vals := range resp.Header {
		h[key] = vals
	}

	if bodiless(method, resp) {
		w.WriteHeader(resp.StatusCode)
		r.record(ModeEmpty, "complete", 0)
		return nil
	}

	if r.rewriteHTML && isHTML(resp.Header.Get("Content-Type")) {
		return r.rewrite(ctx, w, resp, rc)
	}

	w.WriteHeader(resp.StatusCode)
	return r.stream(ctx, w, resp.Body)
}

// bodiless reports responses that end right after the headers.
func bodiless(method string, resp *model.ProxyResponse) bool {
	switch {
	case method == http.MethodHead:
		return true
	case resp.Redirected, resp.Body == nil, resp.Body == http.NoBody:
		return true
	case resp.StatusCode >= 100 && resp.StatusCode < 200:
		return true
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotModified:
		return true
	}
	return false
}

func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

// stream copies body to w. Headers must already be written.
func (r *Relay) stream(ctx context.Context, w http.ResponseWriter, body io.Reader) error {
	fw := &flushWriter{w: w, rc: http.NewResponseController(w)}
	// Send headers now; event-stream clients wait on them.
	if err := fw.flush(); err != nil {
		r.record(ModePassthrough, "interrupted", 0)
		return fmt.Errorf("%w: %w", ErrRelayInterrupted, err)
	}

	n, err := io.CopyBuffer(fw, body, make([]byte, copyBufferSize))
	if err == nil {
		r.record(ModePassthrough, "complete", n)
		return nil
	}
	if fw.err != nil || ctx.Err() != nil {
		r.record(ModePassthrough, "interrupted", n)
		r.logger.Debug("client went away during relay", "bytes", n, "err", err)
		return fmt.Errorf("%w after %d bytes: %w", ErrRelayInterrupted, n, err)
	}
	r.record(ModePassthrough, "aborted", n)
	return fmt.Errorf("%w after %d bytes: %w", ErrUpstreamAborted, n, err)
}

// rewrite buffers an HTML body and rewrites its links. A body larger than
// maxHTML is sent unmodified: the buffered prefix first, then the remainder
// streamed.
func (r *Relay) rewrite(ctx context.Context, w http.ResponseWriter, resp *model.ProxyResponse, rc model.RewriteContext) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxHTML+1))
	if err != nil {
		if ctx.Err() != nil {
			r.record(ModeRewrite, "interrupted", 0)
			return fmt.Errorf("%w: %w", ErrRelayInterrupted, err)
		}
		// Nothing has been written yet, so the caller can still answer with an error.
		r.record(ModeRewrite, "aborted", 0)
		return fmt.Errorf("%w: read html: %w", ErrUpstreamAborted, err)
	}

	if int64(len(data)) > r.maxHTML {
		r.logger.Debug("html body exceeds rewrite limit, relaying unmodified", "limit", r.maxHTML)
		w.WriteHeader(resp.StatusCode)
		return r.stream(ctx, w, io.MultiReader(bytes.NewReader(data), resp.Body))
	}

	out, links := rewrite.New(rc).HTML(string(data))
	if links > 0 {
		r.logger.Debug("rewrote html links", "links", links)
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(resp.StatusCode)
	n, err := io.WriteString(w, out)
	if err != nil {
		r.record(ModeRewrite, "interrupted", int64(n))
		return fmt.Errorf("%w: %w", ErrRelayInterrupted, err)
	}
	r.record(ModeRewrite, "complete", int64(n))
	return nil
}

func (r *Relay) record(mode, outcome string, n int64) {
	if r.metrics == nil {
		return
	}
	r.metrics.RelayTotal.WithLabelValues(mode, outcome).Inc()
	if n > 0 {
		r.metrics.RelayBytes.WithLabelValues(mode).Add(float64(n))
	}
}

// flushWriter flushes after every write so each upstream chunk reaches the
// client as soon as it is read. It remembers the first write error to tell
// client failures from upstream ones.
type flushWriter struct {
	w   io.Writer
	rc  *http.ResponseController
	err error
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		err = f.flush()
	}
	if err != nil && f.err == nil {
		f.err = err
	}
	return n, err
}

func (f *flushWriter) flush() error {
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
