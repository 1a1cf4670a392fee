package common

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrMalformedJSON is returned when a vendor answers with a body that is not valid JSON.
var ErrMalformedJSON = errors.New("malformed json response")

// HTTPError describes a failed outbound call. Retryable is true for network
// failures, timeouts, 429 and 5xx answers.
type HTTPError struct {
	StatusCode int
	Body       string
	Retryable  bool
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("http request failed: %v", e.Err)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient outbound failure.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable
	}
	return false
}

// StatusCode returns the vendor HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// Request is a single outbound call. JSON and Form are mutually exclusive.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	JSON    interface{}
	Form    url.Values
	// NoRetry disables backoff for calls that are not safe to repeat, such as purchases.
	NoRetry bool
}

// HTTPClient sends JSON/form requests to vendor APIs and retries transient
// failures with exponential backoff.
type HTTPClient struct {
	Client      *http.Client
	MaxAttempts int
	BaseDelay   time.Duration
}

func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Client:      &http.Client{Timeout: timeout},
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
	}
}

// Do executes the request and returns the raw response body of a 2xx answer.
func (c *HTTPClient) Do(ctx context.Context, r Request) ([]byte, error) {
	attempts := c.MaxAttempts
	if attempts < 1 || r.NoRetry {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.BaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, &HTTPError{Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		body, err := c.once(ctx, r)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// DoJSON executes the request and decodes the response body into out.
func (c *HTTPClient) DoJSON(ctx context.Context, r Request, out interface{}) error {
	body, err := c.Do(ctx, r)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return nil
}

func (c *HTTPClient) once(ctx context.Context, r Request) ([]byte, error) {
	var (
		reader      io.Reader
		contentType string
	)
	switch {
	case r.JSON != nil:
		payload, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	case r.Form != nil:
		reader = strings.NewReader(r.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		// Cancellation by the caller is final; everything else at the transport level is transient.
		return nil, &HTTPError{Err: err, Retryable: ctx.Err() == nil}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Err: err, Retryable: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
