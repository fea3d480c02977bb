package protocol

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sqrl-client/go-core/internal/platform/ratelimiter"
)

const (
	DefaultTimeout          = 15 * time.Second
	DefaultMaxResponseBytes = 64 << 10
	formContentType         = "application/x-www-form-urlencoded"
)

// Transport posts an encoded request and returns the raw response body.
type Transport interface {
	Post(ctx context.Context, rawURL string, form url.Values) ([]byte, error)
}

// HTTPTransport is the default Transport. It relies on the standard
// certificate and hostname verification of net/http.
type HTTPTransport struct {
	client   *http.Client
	limiter  *ratelimiter.HostLimiter
	maxBytes int64
	agent    string
}

type TransportOption func(*HTTPTransport)

func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithHostLimiter throttles requests per server host.
func WithHostLimiter(l *ratelimiter.HostLimiter) TransportOption {
	return func(t *HTTPTransport) { t.limiter = l }
}

func WithMaxResponseBytes(n int64) TransportOption {
	return func(t *HTTPTransport) {
		if n > 0 {
			t.maxBytes = n
		}
	}
}

func WithUserAgent(agent string) TransportOption {
	return func(t *HTTPTransport) { t.agent = strings.TrimSpace(agent) }
}

func NewHTTPTransport(timeout time.Duration, opts ...TransportOption) *HTTPTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := &HTTPTransport{
		client:   &http.Client{Timeout: timeout},
		maxBytes: DefaultMaxResponseBytes,
		agent:    "sqrlctl",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Post sends form to rawURL. Network failures wrap ErrTransport; a non-200
// status is a *StatusError.
func (t *HTTPTransport) Post(ctx context.Context, rawURL string, form url.Values) (body []byte, retErr error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := t.limiter.Wait(ctx, target.Hostname()); err != nil {
		return nil, fmt.Errorf("%w: rate limit: %v", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", formContentType)
	if t.agent != "" {
		req.Header.Set("User-Agent", t.agent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && retErr == nil {
			retErr = fmt.Errorf("%w: %v", ErrTransport, closeErr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, t.maxBytes))
		return nil, &StatusError{Code: resp.StatusCode}
	}
	body, err = io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	if int64(len(body)) > t.maxBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrProtocol, t.maxBytes)
	}
	return body, nil
}
