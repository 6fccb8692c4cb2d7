// Package services connects service nodes to the MCP servers they name,
// either through the HTTP gateway or through direct MCP client sessions,
// and looks services up in the discovery catalogue.
package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig configures the HTTP-backed clients.
type HTTPConfig struct {
	Timeout         time.Duration
	MaxResponseBody int64
	Client          *http.Client // nil builds one with Timeout
}

func (c HTTPConfig) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout, Transport: http.DefaultTransport.(*http.Transport).Clone()}
}

func (c HTTPConfig) maxBody() int64 {
	if c.MaxResponseBody > 0 {
		return c.MaxResponseBody
	}
	return defaultMaxResponseBody
}

// httpStatusError carries the response status of a failed request.
type httpStatusError struct {
	StatusCode int
	Status     string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// statusText renders the reason phrase of a response, falling back to the code.
func statusText(resp *http.Response) string {
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return strings.TrimSpace(resp.Status)
}

// doJSON sends body (if any) as JSON and decodes a JSON response into out.
// out may be nil to discard the body. Any non-2xx status is an *httpStatusError.
func doJSON(ctx context.Context, hc *http.Client, limit int64, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := xjson.Marshal(body)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "request body is not JSON-serializable: %s", err.Error()).WithCause(err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, limit))
		return &httpStatusError{StatusCode: resp.StatusCode, Status: statusText(resp)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := xjson.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
