// Package rtve implements the provider side of the pipeline against RTVE's
// public JSON APIs: asset resolution, the program catalog behind season
// selectors, and plain text fetching for subtitle files.
package rtve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"episodedl/pkg/log"
)

// RTVE serves different payloads to non-browser user agents.
const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36"

const defaultRetries = 3

// Client is a thin HTTP client with the header set and retry behavior the
// provider expects. Transient server errors and network failures are
// retried with a short linear backoff.
type Client struct {
	httpClient *http.Client
	retries    int
	logger     *log.Logger
}

func NewClient(httpClient *http.Client, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Client{httpClient: httpClient, retries: defaultRetries, logger: logger}
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			c.logger.Debug("retrying GET %s in %s: %v", url, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		body, retryable, err := c.getOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, url string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "*/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("GET %s failed: HTTP %d", url, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("GET %s failed: HTTP %d", url, resp.StatusCode)
	}
	return raw, false, nil
}

// FetchText downloads a small text resource (subtitle files, series pages).
func (c *Client) FetchText(ctx context.Context, url string) (string, error) {
	body, err := c.get(ctx, url)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// getJSON fetches url and decodes the payload into out. The raw body is
// returned too: the resolver harvests media URLs from it textually.
func (c *Client) getJSON(ctx context.Context, url string, out any) ([]byte, error) {
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", url, err)
		}
	}
	return body, nil
}
