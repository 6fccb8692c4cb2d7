// Package sinks delivers output-node snapshots: webhooks over HTTP and
// stored outputs in the database, the local KV store or any afs URL.
package sinks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookSink POSTs snapshots as JSON.
type WebhookSink struct {
	client *http.Client
}

// NewWebhookSink creates a sink. A nil client gets one with a 10s timeout.
func NewWebhookSink(client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &WebhookSink{client: client}
}

// Post sends payload to url. Any non-2xx response is a SINK_ERROR.
func (w *WebhookSink) Post(ctx context.Context, url string, payload any) error {
	body, err := xjson.Marshal(payload)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSink, "webhook payload is not JSON-serializable: %s", err.Error()).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSink, "build webhook request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSink, "webhook delivery failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return schema.NewError(schema.ErrCodeSink, fmt.Sprintf("webhook returned %s", resp.Status)).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "url": url})
	}
	return nil
}
