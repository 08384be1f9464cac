// Package proxy forwards intercepted calls to the provider's upstream.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/ngoyal88/promptrelay/pkg/capture"
	"github.com/ngoyal88/promptrelay/pkg/credential"
	"github.com/ngoyal88/promptrelay/pkg/logging"
	"github.com/ngoyal88/promptrelay/pkg/provider"
	"go.uber.org/zap"
)

// Options configures the upstream transport.
type Options struct {
	ResponseHeaderTimeout time.Duration
	// MaxCaptureBytes bounds how much of each response is kept for capture.
	MaxCaptureBytes int64
	// Transport overrides the default transport, mainly for tests.
	Transport http.RoundTripper
}

// Target is one outbound call: where to send it and what to send.
type Target struct {
	Descriptor provider.Descriptor
	Credential credential.Credential
	Body       []byte
	// BodyErr is set when the inbound body could not be read in full. The
	// outbound body then yields Body followed by BodyErr.
	BodyErr error
}

// Exchange is the result of one forwarded call.
type Exchange struct {
	StatusCode      int
	ContentEncoding string
	Err             error
	Response        *capture.ResponseBuffer
	Finished        time.Time

	// Aborted is set when the response stream broke after headers were
	// sent. The caller must abort the handler with http.ErrAbortHandler.
	Aborted bool

	target *url.URL
	call   Target
}

type exchangeKey struct{}

// Forwarder relays requests with a reverse proxy. Redirects are returned to
// the client as-is and streamed bodies are flushed per chunk.
type Forwarder struct {
	proxy      *httputil.ReverseProxy
	maxCapture int64
	logger     *zap.Logger
}

// New builds a Forwarder.
func New(opts Options, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxCaptureBytes <= 0 {
		opts.MaxCaptureBytes = 1 << 20
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
			// Bodies pass through with their original encoding.
			DisableCompression: true,
		}
	}

	f := &Forwarder{maxCapture: opts.MaxCaptureBytes, logger: logger.With(logging.Component("proxy"))}
	f.proxy = &httputil.ReverseProxy{
		Transport:      transport,
		Rewrite:        f.rewrite,
		ModifyResponse: f.modifyResponse,
		ErrorHandler:   f.errorHandler,
		ErrorLog:       zap.NewStdLog(f.logger),
	}
	return f
}

// Forward sends r with t's body to the provider upstream and streams the
// response to w. It always returns a non-nil Exchange.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, t Target) (ex *Exchange) {
	ex = &Exchange{Response: capture.NewResponseBuffer(f.maxCapture), call: t}
	start := time.Now()
	defer func() {
		ex.Finished = time.Now()
		upstreamLatency.WithLabelValues(string(t.Descriptor.ID)).Observe(ex.Finished.Sub(start).Seconds())
	}()

	base, err := url.Parse(t.Descriptor.BaseURL)
	if err != nil || base.Host == "" {
		ex.Err = fmt.Errorf("no upstream for %s: %q", t.Descriptor.Name, t.Descriptor.BaseURL)
		ex.StatusCode = http.StatusBadGateway
		http.Error(w, "upstream error", http.StatusBadGateway)
		return ex
	}
	ex.target = base

	out := r.WithContext(context.WithValue(r.Context(), exchangeKey{}, ex))
	out.Body, out.ContentLength = outboundBody(r, t)
	out.GetBody = nil

	defer func() {
		if v := recover(); v != nil {
			if v != http.ErrAbortHandler {
				panic(v)
			}
			// The response stream broke after headers went out.
			ex.Aborted = true
			if ex.Err == nil {
				if cerr := r.Context().Err(); cerr != nil {
					ex.Err = cerr
				} else {
					ex.Err = errors.New("response stream interrupted")
				}
			}
		}
	}()

	f.proxy.ServeHTTP(w, out)
	return ex
}

func outboundBody(r *http.Request, t Target) (io.ReadCloser, int64) {
	if t.BodyErr != nil {
		return io.NopCloser(io.MultiReader(bytes.NewReader(t.Body), errReader{t.BodyErr})), r.ContentLength
	}
	if len(t.Body) == 0 {
		return http.NoBody, 0
	}
	return io.NopCloser(bytes.NewReader(t.Body)), int64(len(t.Body))
}

// rewrite points the outbound request at the upstream, keeping the escaped
// path and raw query exactly as received. Hop-by-hop headers are already
// gone at this point.
func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	ex := pr.In.Context().Value(exchangeKey{}).(*Exchange)

	pr.Out.URL.Scheme = ex.target.Scheme
	pr.Out.URL.Host = ex.target.Host
	pr.Out.URL.Path = singleJoin(ex.target.Path, pr.In.URL.Path)
	pr.Out.URL.RawPath = ""
	if pr.In.URL.RawPath != "" {
		pr.Out.URL.RawPath = singleJoin(ex.target.EscapedPath(), pr.In.URL.EscapedPath())
	}
	pr.Out.URL.RawQuery = pr.In.URL.RawQuery
	pr.Out.Host = ""

	// Rewrite drops client-supplied forwarding headers; the relay passes
	// them through untouched and adds none of its own.
	for _, h := range []string{"Forwarded", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"} {
		if v, ok := pr.In.Header[h]; ok {
			pr.Out.Header[h] = v
		}
	}

	ex.call.Credential.Apply(ex.call.Descriptor, pr.Out.Header)
}

func (f *Forwarder) modifyResponse(resp *http.Response) error {
	ex, ok := resp.Request.Context().Value(exchangeKey{}).(*Exchange)
	if !ok {
		return nil
	}
	ex.StatusCode = resp.StatusCode
	ex.ContentEncoding = resp.Header.Get("Content-Encoding")
	resp.Body = &teeBody{ReadCloser: resp.Body, w: ex.Response, ex: ex}
	return nil
}

func (f *Forwarder) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if ex, ok := r.Context().Value(exchangeKey{}).(*Exchange); ok {
		ex.Err = err
		ex.StatusCode = http.StatusBadGateway
	}
	if errors.Is(err, context.Canceled) {
		f.logger.Debug("client went away before upstream responded", zap.String("path", r.URL.Path))
	} else {
		f.logger.Warn("upstream error", zap.String("path", r.URL.Path), zap.Error(err))
	}
	http.Error(w, "upstream error", http.StatusBadGateway)
}

// teeBody copies everything the client receives into the capture buffer and
// remembers upstream read failures.
type teeBody struct {
	io.ReadCloser
	w    io.Writer
	ex   *Exchange
	once sync.Once
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.ReadCloser.Read(p)
	if n > 0 {
		_, _ = t.w.Write(p[:n])
	}
	if err != nil && err != io.EOF {
		t.once.Do(func() { t.ex.Err = err })
	}
	return n, err
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func singleJoin(a, b string) string {
	switch {
	case a == "" || a == "/":
		return b
	case b == "":
		return a
	case a[len(a)-1] == '/' && b[0] == '/':
		return a + b[1:]
	case a[len(a)-1] != '/' && b[0] != '/':
		return a + "/" + b
	}
	return a + b
}
