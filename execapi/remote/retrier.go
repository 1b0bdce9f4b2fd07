package remote

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/anvilbuild/anvil/internal/dcontext"
)

// RetryPolicy is truncated exponential backoff. Only transport-level
// UNAVAILABLE is ever retried; any other status exits the retry loop
// immediately — a server that answered is a server whose answer counts.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Defaults applied to unset policy fields.
const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
)

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	return p
}

// Retriable reports whether the error is worth another attempt.
func Retriable(err error) bool {
	return status.Code(err) == codes.Unavailable
}

// withRetry runs f under the client's retry policy.
func (c *Client) withRetry(ctx context.Context, name string, f func(ctx context.Context) error) error {
	policy := c.cfg.Retry.normalized()
	backoff := policy.InitialBackoff

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = f(ctx)
		if err == nil || !Retriable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		dcontext.GetLogger(ctx).Debugf("%s: attempt %d unavailable, backing off %s: %v",
			name, attempt, backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
	return err
}
