// Package transport issues the outbound HTTP calls for retry records.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Client is a thin wrapper over net/http with a per-attempt timeout.
type Client struct {
	hc *http.Client
}

func New() *Client {
	return &Client{hc: &http.Client{}}
}

// Do issues one request and returns the status code and response body for any
// completed exchange, including non-2xx, so failures stay loggable. Timeouts
// and connection errors return err with a zero status.
func (c *Client) Do(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration) (int, []byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}
