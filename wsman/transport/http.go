package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrUnauthorized is the cause attached to 401 Unauthorized responses.
// Use errors.Is(err, ErrUnauthorized) to check for authentication failures.
var ErrUnauthorized = errors.New("transport: authentication failed (401 Unauthorized)")

const (
	// ContentTypeSOAP is the content type of plain SOAP 1.2 messages.
	ContentTypeSOAP = "application/soap+xml;charset=UTF-8"

	// DefaultTimeout bounds one request/response exchange.
	DefaultTimeout = 60 * time.Second

	// UserAgent is sent with every request.
	UserAgent = "go-winrm"
)

// bodyBuffers holds read buffers sized for a typical envelope (the WinRM
// default MaxEnvelopeSize is 150 KiB).
var bodyBuffers = sync.Pool{
	New: func() any { return bytes.NewBuffer(make([]byte, 0, 32<<10)) },
}

// readBody drains r through a pooled buffer and returns a private copy.
func readBody(r io.Reader) ([]byte, error) {
	buf := bodyBuffers.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bodyBuffers.Put(buf)
	}()
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	// Reason is the status reason phrase, e.g. "Internal Server Error".
	Reason      string
	Header      http.Header
	ContentType string
	Body        []byte
	// TLS is the connection state for https responses.
	TLS *tls.ConnectionState
}

// HTTPTransport posts messages to a WinRM listener over HTTP or HTTPS.
type HTTPTransport struct {
	client *http.Client
	base   *http.Transport
	wrap   func(http.RoundTripper) http.RoundTripper
	trust  *TrustPolicy
}

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// NewHTTPTransport builds the transport. Options are applied in order, then
// the trust policy, then the round tripper wrapper.
func NewHTTPTransport(opts ...HTTPTransportOption) *HTTPTransport {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			// TLS 1.2 for older Windows servers; 1.3 is negotiated when offered.
			MinVersion: tls.VersionTLS12,
		},
		// Kerberos authenticates the connection, so it must be reused.
		DisableKeepAlives:   false,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
	}
	t := &HTTPTransport{
		base:   base,
		client: &http.Client{Timeout: DefaultTimeout},
	}

	for _, opt := range opts {
		opt(t)
	}
	t.applyTrust()

	t.client.Transport = http.RoundTripper(t.base)
	if t.wrap != nil {
		t.client.Transport = t.wrap(t.base)
	}
	return t
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.client.Timeout = d
	}
}

// WithTLSConfig sets a custom TLS configuration.
// NOTE: MinVersion is enforced to be at least TLS 1.2 for security.
func WithTLSConfig(cfg *tls.Config) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if cfg.MinVersion < tls.VersionTLS12 {
			cfg.MinVersion = tls.VersionTLS12
		}
		t.base.TLSClientConfig = cfg
	}
}

// WithProxy configures the proxy. An empty string keeps the environment
// proxy settings, "direct" disables proxying, anything else is parsed as the
// proxy URL.
func WithProxy(proxy string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		switch proxy {
		case "":
		case "direct":
			t.base.Proxy = nil
		default:
			u, err := url.Parse(proxy)
			if err != nil {
				// fail every request rather than connect directly
				t.base.Proxy = func(*http.Request) (*url.URL, error) {
					return nil, fmt.Errorf("transport: invalid proxy URL: %w", err)
				}
				return
			}
			t.base.Proxy = http.ProxyURL(u)
		}
	}
}

// WithSingleConnection limits the transport to one connection per host, kept
// open while idle, so an authenticated connection is the one every request
// reuses.
func WithSingleConnection() HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.base.MaxConnsPerHost = 1
		t.base.MaxIdleConnsPerHost = 1
		t.base.IdleConnTimeout = 0
	}
}

// WithRoundTripperWrapper installs a wrapper (such as an authenticating
// round tripper) around the base transport. Wrappers compose: each one
// wraps the result of those installed before it.
func WithRoundTripperWrapper(wrap func(http.RoundTripper) http.RoundTripper) HTTPTransportOption {
	return func(t *HTTPTransport) {
		prev := t.wrap
		t.wrap = func(rt http.RoundTripper) http.RoundTripper {
			if prev != nil {
				rt = prev(rt)
			}
			return wrap(rt)
		}
	}
}

func (t *HTTPTransport) tlsConfig() *tls.Config {
	if t.base.TLSClientConfig == nil {
		t.base.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return t.base.TLSClientConfig
}

// Post sends body with the given content type and returns the response
// whatever its status. The response body is always read to completion and
// closed. Only I/O failures are returned as errors.
func (t *HTTPTransport) Post(ctx context.Context, endpoint, contentType string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: failed to create request: %w", err)
	}

	if contentType == "" {
		contentType = ContentTypeSOAP
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := readBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to read response: %w", err)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		Reason:      reasonPhrase(resp),
		Header:      resp.Header,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
		TLS:         resp.TLS,
	}, nil
}

// reasonPhrase extracts the reason from a status line such as
// "500 Internal Server Error".
func reasonPhrase(resp *http.Response) string {
	if r, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)); ok {
		if r = strings.TrimSpace(r); r != "" {
			return r
		}
	}
	return http.StatusText(resp.StatusCode)
}

// Client returns the HTTP client, wrapper included.
func (t *HTTPTransport) Client() *http.Client {
	return t.client
}

// CloseIdleConnections closes any idle connections in the transport. Once
// the connection carrying a Kerberos context is gone, later requests are
// challenged again.
func (t *HTTPTransport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
}
