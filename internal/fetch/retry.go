package fetch

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net/http"
	"time"
)

// retryPolicy implements jittered exponential backoff for transient fetch
// failures.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newRetryPolicy(maxRetries int, base, max time.Duration) *retryPolicy {
	if base <= 0 {
		base = 2 * time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &retryPolicy{
		maxRetries: maxRetries,
		baseDelay:  base,
		maxDelay:   max,
	}
}

// shouldRetry decides whether the error is transient and the attempt budget
// allows another try. Client errors other than 429 are terminal: the URL is
// not going to start working.
func (p *retryPolicy) shouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.code >= 500 || statusErr.code == http.StatusTooManyRequests
	}
	// Everything else (connection resets, DNS failures, truncated bodies) is
	// assumed transient.
	return true
}

// backoff returns the wait before the next attempt.
func (p *retryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
