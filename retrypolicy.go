package hublink

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryStop is returned by a RetryPolicy to give up reconnecting.
const RetryStop time.Duration = backoff.Stop

// RetryContext carries the progress of the current reconnect sequence into
// the retry policy.
type RetryContext struct {
	// ElapsedTime is the time spent reconnecting so far. It never decreases
	// within one reconnect sequence.
	ElapsedTime time.Duration
	// PreviousRetryCount is the number of failed attempts so far. Zero on the
	// first call.
	PreviousRetryCount int
	// RetryReason is the error that caused the current attempt, initially
	// the error that closed the connection.
	RetryReason error
}

// RetryPolicy decides how long to wait before the next reconnect attempt.
// Returning RetryStop ends the reconnect sequence and closes the connection.
type RetryPolicy interface {
	NextRetryDelay(retryCtx RetryContext) time.Duration
}

// NextRetryDelayFunc adapts a plain function to a RetryPolicy.
type NextRetryDelayFunc func(retryCtx RetryContext) time.Duration

func (f NextRetryDelayFunc) NextRetryDelay(retryCtx RetryContext) time.Duration {
	return f(retryCtx)
}

// FixedRetryPolicy retries once per given delay and gives up when all delays
// are used.
func FixedRetryPolicy(delays ...time.Duration) RetryPolicy {
	return NextRetryDelayFunc(func(retryCtx RetryContext) time.Duration {
		if retryCtx.PreviousRetryCount >= len(delays) {
			return RetryStop
		}
		return delays[retryCtx.PreviousRetryCount]
	})
}

// DefaultRetryPolicy mirrors the reconnect timing most hub clients use:
// immediately, after 2, 10 and 30 seconds, then give up.
func DefaultRetryPolicy() RetryPolicy {
	return FixedRetryPolicy(0, 2*time.Second, 10*time.Second, 30*time.Second)
}

// backoffRetryPolicy adapts a backoff.BackOff to a RetryPolicy.
type backoffRetryPolicy struct {
	bo      backoff.BackOff
	maxTime time.Duration
}

// ExponentialRetryPolicy reconnects with exponentially growing, jittered
// delays until maxElapsedTime is spent reconnecting. maxElapsedTime 0 retries
// forever.
func ExponentialRetryPolicy(maxElapsedTime time.Duration) RetryPolicy {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	return &backoffRetryPolicy{bo: bo, maxTime: maxElapsedTime}
}

func (p *backoffRetryPolicy) NextRetryDelay(retryCtx RetryContext) time.Duration {
	if retryCtx.PreviousRetryCount == 0 {
		p.bo.Reset()
	}
	if p.maxTime > 0 && retryCtx.ElapsedTime >= p.maxTime {
		return RetryStop
	}
	// backoff.Stop and RetryStop are the same value
	return p.bo.NextBackOff()
}
