// Package httputil wraps outbound HTTP calls with retries, a circuit breaker
// and mapping of transport failures onto failure kinds.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/metgo/quillota/internal/failure"
)

const (
	DefaultTimeout = 30 * time.Second
	maxBody        = 16 << 20
)

// NewClient returns an HTTP client with standard timeout configuration.
func NewClient() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
	}
}

// Response is a fully read upstream response.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// Client performs requests against one upstream. A Client owns one breaker.
type Client struct {
	Name       string
	HTTP       *http.Client
	MaxRetries uint64
	RetryBase  time.Duration
	Header     http.Header

	breaker *gobreaker.CircuitBreaker[*Response]
}

// New builds a Client named after the upstream it talks to.
func New(name string, timeout time.Duration, maxRetries int) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	c := &Client{
		Name:       name,
		HTTP:       &http.Client{Timeout: timeout},
		MaxRetries: uint64(maxRetries),
		RetryBase:  500 * time.Millisecond,
		Header:     http.Header{},
	}
	c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// Client-side errors say nothing about upstream health.
			if err == nil {
				return true
			}
			switch failure.KindOf(err) {
			case failure.AuthMissing, failure.RangeUnsupported, failure.Malformed, failure.Cancelled:
				return true
			}
			return false
		},
	})
	return c
}

// Get fetches url and returns the body of a 2xx response.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil, "")
}

// GetJSON fetches url and decodes a JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) (*Response, error) {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return resp, failure.New(failure.Malformed, c.Name, fmt.Errorf("decode response: %w", err))
	}
	return resp, nil
}

// PostJSON sends body as JSON.
func (c *Client) PostJSON(ctx context.Context, url string, body any) (*Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, failure.New(failure.Internal, c.Name, err)
	}
	return c.Do(ctx, http.MethodPost, url, b, "application/json")
}

// PostForm sends an urlencoded form.
func (c *Client) PostForm(ctx context.Context, url string, form []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPost, url, form, "application/x-www-form-urlencoded")
}

// Do sends the request, retrying transient failures (network, 429, 5xx)
// with exponential backoff. Non-retryable statuses return immediately.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, contentType string) (*Response, error) {
	var last *Response
	op := func() error {
		resp, err := c.breaker.Execute(func() (*Response, error) {
			return c.once(ctx, method, url, body, contentType)
		})
		last = resp
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(failure.New(failure.Network, c.Name, err))
		}
		switch failure.KindOf(err) {
		case failure.Network, failure.RateLimited, failure.Timeout:
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryBase
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx))
	if err != nil {
		if ctxErr := failure.FromContext(ctx, c.Name); ctxErr != nil {
			return last, ctxErr
		}
		return last, err
	}
	return last, nil
}

func (c *Client) once(ctx context.Context, method, url string, body []byte, contentType string) (*Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, failure.New(failure.Internal, c.Name, err)
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	r, err := c.HTTP.Do(req)
	if err != nil {
		if ctxErr := failure.FromContext(ctx, c.Name); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure.New(failure.Network, c.Name, err)
	}
	defer r.Body.Close()

	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	resp := &Response{Status: r.StatusCode, Body: b, Header: r.Header}
	if err != nil {
		return resp, failure.New(failure.Network, c.Name, fmt.Errorf("read body: %w", err))
	}
	return resp, StatusError(c.Name, r.StatusCode, r.Header)
}

// StatusError maps an HTTP status onto a failure kind, or nil for 2xx.
func StatusError(op string, status int, h http.Header) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return failure.Newf(failure.AuthMissing, op, "upstream returned %d", status)
	case status == http.StatusTooManyRequests:
		msg := "upstream returned 429"
		if ra := h.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				msg = fmt.Sprintf("%s, retry after %ds", msg, secs)
			}
		}
		return failure.Newf(failure.RateLimited, op, "%s", msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		return failure.Newf(failure.RangeUnsupported, op, "upstream returned %d", status)
	case status >= 500:
		return failure.Newf(failure.Network, op, "upstream returned %d", status)
	}
	return failure.Newf(failure.Malformed, op, "unexpected status %d", status)
}
