package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options configures the HTTP behaviour shared by the backend and storage clients
type Options struct {
	Timeout        time.Duration
	RetryCount     int
	RetryWait      time.Duration
	RetryMaxWait   time.Duration
	RequestsPerSec float64 // 0 disables client-side rate limiting
	Logger         zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Minute
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 500 * time.Millisecond
	}
	if o.RetryMaxWait <= 0 {
		o.RetryMaxWait = 2 * time.Second
	}
	return o
}

// Client talks to the backend of record: upload negotiation, confirmation
// and deletion of confirmed records.
type Client struct {
	baseURL string
	http    *resty.Client
	limiter *rate.Limiter
}

// NewClient creates a new backend-of-record API client
func NewClient(baseURL string, opts Options) *Client {
	opts = opts.withDefaults()

	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	if opts.RequestsPerSec > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1)
	}

	client.http = resty.New().
		SetLogger(restyLogger{opts.Logger}).
		SetHeader("Accept", "application/json").
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		AddRetryCondition(retryable).
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			if client.limiter == nil {
				return nil
			}
			return client.limiter.Wait(r.Context())
		})

	return client
}

// Get performs a GET request against the backend
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]string) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx)
	if params != nil {
		req.SetQueryParams(params)
	}
	return req.Get(c.buildURL(endpoint))
}

// Post performs a POST request with a JSON payload
func (c *Client) Post(ctx context.Context, endpoint string, payload interface{}) (*resty.Response, error) {
	return c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(c.buildURL(endpoint))
}

// Put performs a PUT request with a JSON payload and optional extra headers
func (c *Client) Put(ctx context.Context, endpoint string, payload interface{}, headers map[string]string) (*resty.Response, error) {
	return c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeaders(headers).
		SetBody(payload).
		Put(c.buildURL(endpoint))
}

// Delete performs a DELETE request; the backend expects the identifiers in a JSON body
func (c *Client) Delete(ctx context.Context, endpoint string, payload interface{}) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx)
	if payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}
	return req.Delete(c.buildURL(endpoint))
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}

// SetTimeout allows customizing the timeout for specific operations
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.SetTimeout(timeout)
}

// retryable retries transport errors, 429 and 5xx responses. Cancelled
// contexts are never retried.
func retryable(r *resty.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if r == nil || r.RawResponse == nil {
		return false
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 504)
}

// restyLogger routes resty's internal warnings into zerolog
type restyLogger struct {
	log zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.log.Error().Str("component", "resty").Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.log.Warn().Str("component", "resty").Msgf(strings.TrimSpace(format), v...)
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug().Str("component", "resty").Msgf(strings.TrimSpace(format), v...)
}
