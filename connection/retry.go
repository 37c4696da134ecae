package connection

import "time"

// retryPolicy implements §5's retry budget: only T*, F08 and F99 rejects retry,
// bounded by a max retry count and by the expiry of the overarching send.
// Grounded on client2/arq.go's ARQ.resend, which rebuilds and resends a
// message with a fresh SURB id on a timer-queue timeout — adapted here from
// a timer-driven resend into a synchronous retry loop, since a STREAM
// Prepare's "timeout" is just its own expiresAt rather than a separate ARQ
// timer, and there is no SURB to regenerate, only a new sequence number and
// IV per retry (§5 "Prepares are never replayed byte-for-byte").
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func defaultRetryPolicy() *retryPolicy {
	return &retryPolicy{
		maxRetries: 10,
		baseDelay:  50 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

// delayFor returns the exponential backoff delay before retry attempt n
// (0-indexed), capped at maxDelay.
func (p *retryPolicy) delayFor(attempt int) time.Duration {
	d := p.baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.maxDelay {
			return p.maxDelay
		}
	}
	return d
}

// shouldRetry reports whether attempt (0-indexed, about to be made) is still
// within budget.
func (p *retryPolicy) shouldRetry(attempt int) bool {
	return attempt < p.maxRetries
}
