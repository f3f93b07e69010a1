// Package httpclient is an HTTP client with request logging and retries driven by
// retry.Policy. The daemon uses it to probe HTTP capabilities.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/url"
	"time"

	"idemcore/internal/shared"
	"idemcore/pkg/fallback"
	"idemcore/pkg/retry"
)

// IdempotencyKeyHeader marks a non-idempotent request as safe to replay.
const IdempotencyKeyHeader = "Idempotency-Key"

// Client wraps http.Client with logging and retries.
type Client struct {
	hc           *stdhttp.Client
	log          *slog.Logger
	policy       retry.Policy
	headers      map[string]string
	urlRedactor  func(*url.URL) string
	retryMethods map[string]struct{}
	retryOpts    []retry.Option
}

// Option configures Client.
type Option func(*Client)

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = t }
}

// WithLogger sets logger used by client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithPolicy sets the retry policy. The default makes a single attempt.
func WithPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithRetryOptions passes options to the underlying retry executor.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *Client) { c.retryOpts = append(c.retryOpts, opts...) }
}

// WithHeaders adds default headers to each request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			if c.headers == nil {
				c.headers = make(map[string]string)
			}
			c.headers[k] = v
		}
	}
}

// WithURLRedactor sets URL redactor for logs.
func WithURLRedactor(f func(*url.URL) string) Option {
	return func(c *Client) { c.urlRedactor = f }
}

// WithTransport sets custom transport.
func WithTransport(rt stdhttp.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.hc.Transport = rt
		}
	}
}

// New creates configured Client.
func New(opts ...Option) *Client {
	tr := stdhttp.DefaultTransport.(*stdhttp.Transport).Clone()
	tr.MaxIdleConnsPerHost = 16
	tr.IdleConnTimeout = 90 * time.Second
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 10 * time.Second

	p := retry.DefaultPolicy()
	p.MaxAttempts = 1
	c := &Client{
		hc: &stdhttp.Client{
			Timeout:   15 * time.Second,
			Transport: tr,
		},
		log:    slog.Default(),
		policy: p,
		retryMethods: map[string]struct{}{
			stdhttp.MethodGet:     {},
			stdhttp.MethodHead:    {},
			stdhttp.MethodOptions: {},
			stdhttp.MethodPut:     {},
			stdhttp.MethodDelete:  {},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StatusError reports a response with an unexpected status code.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Code)
}

// classify maps a status code to an error kind. Success codes map to nil.
func classify(err *StatusError) error {
	switch {
	case err.Code < 400:
		return nil
	case err.Code == stdhttp.StatusNotFound, err.Code == stdhttp.StatusNotImplemented:
		return shared.MarkKind(err, shared.KindCapabilityUnavailable)
	case err.Code == stdhttp.StatusRequestTimeout, err.Code == stdhttp.StatusGatewayTimeout:
		return shared.MarkKind(err, shared.KindTimeout)
	case err.Code == stdhttp.StatusTooManyRequests, err.Code == stdhttp.StatusTooEarly, err.Code >= 500:
		return shared.MarkKind(err, shared.KindTransient)
	default:
		return shared.MarkKind(err, shared.KindValidation)
	}
}

func (c *Client) redactURL(u *url.URL) string {
	if c.urlRedactor != nil {
		return c.urlRedactor(u)
	}
	return u.Redacted()
}

// drainAndClose drains up to 512KB from body and closes it.
func drainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, b, 512<<10)
	_ = b.Close()
}

func (c *Client) replayable(req *stdhttp.Request) bool {
	if req.Body != nil && req.Body != stdhttp.NoBody && req.GetBody == nil {
		return false
	}
	if _, ok := c.retryMethods[req.Method]; ok {
		return true
	}
	return req.Header.Get(IdempotencyKeyHeader) != ""
}

// Do sends req, retrying transport failures and retryable statuses under the client
// policy. Requests that are neither idempotent nor carry an Idempotency-Key header
// are sent once. A response is returned only for status codes below 400; anything
// else becomes a *StatusError marked with a matching error kind.
func (c *Client) Do(ctx context.Context, req *stdhttp.Request) (*stdhttp.Response, error) {
	policy := c.policy
	if !c.replayable(req) {
		policy.MaxAttempts = 1
	}
	u := c.redactURL(req.URL)

	var resp *stdhttp.Response
	attempt := 0
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		attempt++
		r := req.Clone(ctx)
		for k, v := range c.headers {
			if r.Header.Get(k) == "" {
				r.Header.Set(k, v)
			}
		}
		if r.GetBody != nil {
			rc, err := r.GetBody()
			if err != nil {
				return retry.Stop(err)
			}
			r.Body = rc
		}
		start := time.Now()
		res, err := c.hc.Do(r)
		dur := time.Since(start)
		if err != nil {
			c.log.Warn("http request error", slog.String("method", r.Method), slog.String("url", u), slog.Int("attempt", attempt), slog.Any("error", err))
			return err
		}
		if statusErr := classify(&StatusError{Method: r.Method, URL: u, Code: res.StatusCode}); statusErr != nil {
			drainAndClose(res.Body)
			c.log.Warn("http request status", slog.String("method", r.Method), slog.String("url", u), slog.Int("status", res.StatusCode), slog.Duration("dur", dur), slog.Int("attempt", attempt))
			return statusErr
		}
		c.log.Debug("http request", slog.String("method", r.Method), slog.String("url", u), slog.Int("status", res.StatusCode), slog.Duration("dur", dur), slog.Int("attempt", attempt))
		resp = res
		return nil
	}, c.retryOpts...)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Check returns a capability check that GETs target and treats any status below 400
// as available.
func (c *Client) Check(target string) fallback.CheckFunc {
	return func(ctx context.Context) error {
		req, err := stdhttp.NewRequestWithContext(ctx, stdhttp.MethodGet, target, nil)
		if err != nil {
			return shared.MarkKind(err, shared.KindValidation)
		}
		resp, err := c.Do(ctx, req)
		if err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return err
			}
			return shared.MarkKind(err, shared.KindCapabilityUnavailable)
		}
		drainAndClose(resp.Body)
		return nil
	}
}
