// Package retry implements the bounded retry / exponential-backoff loop that
// drives a provider's circuit breaker. It models the tagged variant the
// design notes call for ({UpstreamResponse | SyntheticError}) as a single
// Result struct with a Synthetic flag, rather than two separate Go types, so
// forwarders can pattern-match on one field instead of a type switch.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/nulpointcorp/llmgateway/internal/breaker"
)

// connTimeoutStatus is the sentinel status used when no HTTP response was
// ever received (connection-only failures exhausted all retries).
const connTimeoutStatus = 523

// Policy tunes one provider's retry behaviour.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
}

// Result is either a real upstream HTTP response or a synthetic error
// response fabricated by the executor itself (breaker-open, exhausted
// retries). Synthetic is true for the latter.
type Result struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Synthetic  bool
}

// Thunk performs one upstream call attempt. A non-nil error indicates a
// connection or transport-level failure (DNS, refused, TLS handshake,
// mid-flight read/write failure) rather than an HTTP-level error status.
type Thunk func(ctx context.Context) (*Result, error)

// Execute runs thunk under policy, consulting br before each attempt and
// feeding it every outcome except a 429, per spec.md §4.5. It never makes
// more than 1+policy.MaxRetries attempts.
func Execute(ctx context.Context, thunk Thunk, policy Policy, br *breaker.Breaker) (*Result, error) {
	var lastResult *Result
	var lastErr error

	attempts := 1 + policy.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if !br.Admit() {
			return &Result{
				StatusCode: http.StatusServiceUnavailable,
				Body:       []byte(`{"error":"Circuit breaker open. Try later."}`),
				Synthetic:  true,
			}, nil
		}

		res, err := thunk(ctx)
		if err != nil {
			lastErr = err
			lastResult = nil
			if opened := br.RecordFailure(); opened {
				return &Result{
					StatusCode: http.StatusServiceUnavailable,
					Body:       []byte(`{"error":"Circuit breaker activated. Try later."}`),
					Synthetic:  true,
				}, nil
			}
			if !sleepBackoff(ctx, policy, attempt, 0) {
				return nil, ctx.Err()
			}
			continue
		}

		lastResult = res
		lastErr = nil

		switch {
		case res.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(res.Header)
			if !sleepBackoff(ctx, policy, attempt, retryAfter) {
				return nil, ctx.Err()
			}
			continue

		case isRetryableStatus(res.StatusCode):
			if opened := br.RecordFailure(); opened {
				return &Result{
					StatusCode: http.StatusServiceUnavailable,
					Body:       []byte(`{"error":"Circuit breaker activated. Try later."}`),
					Synthetic:  true,
				}, nil
			}
			if !sleepBackoff(ctx, policy, attempt, 0) {
				return nil, ctx.Err()
			}
			continue

		default:
			br.RecordSuccess()
			return res, nil
		}
	}

	if lastResult != nil {
		return lastResult, nil
	}
	body := []byte(`{"error":"upstream connection failed after retries"}`)
	if lastErr != nil {
		body = []byte(`{"error":"` + lastErr.Error() + `"}`)
	}
	return &Result{StatusCode: connTimeoutStatus, Body: body, Synthetic: true}, nil
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableErr classifies a transport-level error as retryable. Timeouts
// and connection failures are retryable; anything else is treated as
// retryable too, matching spec.md §4.5's "else: retryable" fallback for
// unrecognized transport errors.
func IsRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := time.ParseDuration(v + "s")
	if err != nil {
		return 0
	}
	return secs
}

// sleepBackoff sleeps for retryAfter if positive, else for the exponential
// backoff delay plus jitter. Returns false if ctx was cancelled while
// sleeping.
func sleepBackoff(ctx context.Context, policy Policy, attempt int, retryAfter time.Duration) bool {
	delay := retryAfter
	if delay <= 0 {
		backoff := float64(policy.BaseDelay) * pow(policy.BackoffFactor, attempt)
		jitter := time.Duration(rand.Float64() * 0.1 * float64(policy.BaseDelay))
		delay = time.Duration(backoff) + jitter
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
