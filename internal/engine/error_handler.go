package engine

import (
	"time"

	"github.com/rendis/mcpflow/pkg/schema"
)

// ErrorAction is what the traversal does after a node failure.
type ErrorAction int

const (
	// ActionAbort fails the run.
	ActionAbort ErrorAction = iota
	// ActionRetry re-queues the node at the front of the queue.
	ActionRetry
	// ActionContinue treats the failure as non-fatal and follows the node's edges.
	ActionContinue
)

func (a ErrorAction) String() string {
	switch a {
	case ActionAbort:
		return "abort"
	case ActionRetry:
		return "retry"
	case ActionContinue:
		return "continue"
	}
	return "unknown"
}

// ErrorHandlerResult describes the outcome of applying a node's error strategy.
type ErrorHandlerResult struct {
	Action    ErrorAction
	Strategy  schema.ErrorStrategy
	Delay     time.Duration // wait before the retry runs
	Retryable bool          // IsRetryableError verdict, informational
	Exhausted bool          // retry strategy ran out of attempts
}

// HandleNodeError applies the node's onError strategy to a failed result.
// retries is how many times the node has already been retried in this run.
// Only service nodes carry a strategy; every other kind fails the run.
func HandleNodeError(node *Node, retries int, res *NodeResult) *ErrorHandlerResult {
	strategy := schema.OnErrorFail
	var maxRetries, delayMs int
	if node.Service != nil {
		if node.Service.OnError != "" {
			strategy = node.Service.OnError
		}
		maxRetries = node.Service.MaxRetries
		delayMs = node.Service.RetryDelayMs
	}

	out := &ErrorHandlerResult{Strategy: strategy, Retryable: IsRetryableError(res.Err)}

	switch strategy {
	case schema.OnErrorRetry:
		if retries < maxRetries {
			out.Action = ActionRetry
			out.Delay = ComputeBackoff(time.Duration(delayMs)*time.Millisecond, retries)
			return out
		}
		out.Action = ActionContinue
		out.Exhausted = true
	case schema.OnErrorSkip, schema.OnErrorContinue:
		out.Action = ActionContinue
	default:
		out.Action = ActionAbort
	}
	return out
}
