package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/mcpflow/pkg/schema"
)

// MaxBackoff caps the delay between retry attempts of a node.
const MaxBackoff = 30 * time.Second

// IsRetryableError classifies whether a node failure looks transient.
// Retryable: timeouts, context.DeadlineExceeded, network errors, SERVICE_ERROR
// with a 5xx or 429 status. Cancellation and configuration problems are not.
// The retry strategy retries regardless; this only annotates node_retrying events.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		switch fe.Code {
		case schema.ErrCodeTimeout:
			return true
		case schema.ErrCodeService:
			status, _ := fe.Details["status"].(int)
			return status == 429 || status >= 500
		case schema.ErrCodeValidation, schema.ErrCodeConfiguration, schema.ErrCodeCancelled,
			schema.ErrCodeCostExceeded, schema.ErrCodeCircuitOpen:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timed out",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns the delay before retry number attempt (0-based):
// base * 2^attempt, capped at MaxBackoff. A non-positive base disables the wait.
func ComputeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= MaxBackoff {
			return MaxBackoff
		}
	}
	if delay > MaxBackoff {
		delay = MaxBackoff
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
