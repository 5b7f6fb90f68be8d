package resumable

import (
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// retryState tracks the backoff progression of one upload session.
// numRetries only ever increases; it is never reset mid-session.
type retryState struct {
	numRetries       int
	retryLimit       int
	delayMultiplier  float64
	totalTimeout     time.Duration
	firstRequestTime time.Time
	isRetryable      func(statusCode int, err error) bool
	jitter           func() time.Duration
}

func newRetryState(cfg *Config) *retryState {
	jitter := cfg.retryJitter
	if jitter == nil {
		jitter = func() time.Duration {
			return time.Duration(rand.Int63n(1000)) * time.Millisecond
		}
	}
	return &retryState{
		retryLimit:      cfg.RetryLimit,
		delayMultiplier: cfg.RetryDelayMultiplier,
		totalTimeout:    cfg.TotalTimeout,
		isRetryable:     cfg.IsRetryable,
		jitter:          jitter,
	}
}

// noteFirstRequest records the start of the retry time budget. Only the
// first call has an effect.
func (r *retryState) noteFirstRequest() {
	if r.firstRequestTime.IsZero() {
		r.firstRequestTime = time.Now()
	}
}

// retryable reports whether the outcome of one chunk request should go
// through the backoff cycle. A non-nil err means the request never produced
// a classified response (transport-level failure).
func (r *retryState) retryable(statusCode int, err error) bool {
	return r.isRetryable(statusCode, err)
}

// nextDelay increments the retry counter and computes the backoff delay for
// the next attempt. It returns a wrapped ErrRetryLimitExceeded or
// ErrRetryDeadlineExceeded when the respective budget is exhausted; lastBody
// is embedded so the terminal error carries the server's last response.
func (r *retryState) nextDelay(lastBody string) (time.Duration, error) {
	r.numRetries++
	if r.numRetries > r.retryLimit {
		return 0, fmt.Errorf("%w after %d attempts, last error: %s", ErrRetryLimitExceeded, r.numRetries, lastBody)
	}

	delay := time.Duration(math.Pow(r.delayMultiplier, float64(r.numRetries))*1000) * time.Millisecond
	delay += r.jitter()

	elapsed := time.Since(r.firstRequestTime)
	if elapsed+delay > r.totalTimeout {
		remaining := r.totalTimeout - elapsed
		if remaining <= 0 {
			return 0, fmt.Errorf("%w (%s), last error: %s", ErrRetryDeadlineExceeded, r.totalTimeout, lastBody)
		}
		delay = remaining
	}
	return delay, nil
}

func defaultRetryPredicate(statusCode int, err error) bool {
	if err != nil {
		return true
	}
	switch {
	case statusCode == http.StatusRequestTimeout:
		return true
	case statusCode == http.StatusTooManyRequests:
		return true
	case statusCode >= 500 && statusCode <= 599:
		return true
	}
	return false
}
