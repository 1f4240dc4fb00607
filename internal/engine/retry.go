package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Backoff strategies, selected per node by retryBackoff. none retries
// immediately; the others start from retryDelayMs.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// DefaultMaxRetryDelay caps the delay between two attempts of the same node.
const DefaultMaxRetryDelay = 30 * time.Second

// RetryPolicy controls how often and how fast a failing node is re-run.
type RetryPolicy struct {
	MaxAttempts int // total attempts, including the first
	Delay       time.Duration
	Backoff     string
	MaxDelay    time.Duration
}

// RetryPolicyFor derives the policy of a node: retryCount extra attempts,
// spaced by retryBackoff (exponential when unset or unknown) starting at
// retryDelayMs.
func RetryPolicyFor(n *schema.Node) RetryPolicy {
	backoff := n.RetryBackoff
	switch backoff {
	case BackoffNone, BackoffConstant, BackoffLinear, BackoffExponential:
	default:
		backoff = BackoffExponential
	}
	return RetryPolicy{
		MaxAttempts: 1 + max(n.RetryCount, 0),
		Delay:       time.Duration(max(n.RetryDelayMs, 0)) * time.Millisecond,
		Backoff:     backoff,
		MaxDelay:    DefaultMaxRetryDelay,
	}
}

// IsRetryableError classifies whether an error should be retried.
// NodeflowErrors decide by code. Other errors are retried only when they
// look transient: network errors, deadlines and well-known messages such as
// "connection reset" or "service unavailable".
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A per-attempt deadline is retryable; the caller checks the run context separately.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var nfErr *schema.NodeflowError
	if errors.As(err, &nfErr) {
		return nfErr.IsRetryable()
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
		"eof",
		"temporary failure",
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

// ComputeBackoff returns the delay before retry number attempt (0-based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 || policy.Backoff == BackoffNone {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		delay = policy.Delay
		for i := 0; i < attempt; i++ {
			delay *= 2
			if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
				break
			}
		}
	case BackoffLinear:
		delay = policy.Delay * time.Duration(attempt+1)
	default:
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with ctx's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
