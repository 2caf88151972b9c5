package retry_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/nulpointcorp/llmgateway/internal/breaker"
	"github.com/nulpointcorp/llmgateway/internal/retry"
)

func noBreaker() *breaker.Breaker {
	return breaker.New(breaker.Config{FailureThreshold: 0})
}

func fastPolicy(maxRetries int) retry.Policy {
	return retry.Policy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, BackoffFactor: 1.5}
}

func TestExecuteReturnsImmediatelyOnSuccess(t *testing.T) {
	calls := 0
	thunk := func(ctx context.Context) (*retry.Result, error) {
		calls++
		return &retry.Result{StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	}

	res, err := retry.Execute(context.Background(), thunk, fastPolicy(3), noBreaker())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Synthetic {
		t.Fatal("successful result must not be synthetic")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestExecuteRetriesOn5xxThenSucceeds(t *testing.T) {
	calls := 0
	thunk := func(ctx context.Context) (*retry.Result, error) {
		calls++
		if calls < 3 {
			return &retry.Result{StatusCode: http.StatusServiceUnavailable}, nil
		}
		return &retry.Result{StatusCode: http.StatusOK}, nil
	}

	res, err := retry.Execute(context.Background(), thunk, fastPolicy(5), noBreaker())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", res.StatusCode)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestExecuteStopsAtMaxRetries(t *testing.T) {
	calls := 0
	thunk := func(ctx context.Context) (*retry.Result, error) {
		calls++
		return &retry.Result{StatusCode: http.StatusBadGateway}, nil
	}

	res, err := retry.Execute(context.Background(), thunk, fastPolicy(2), noBreaker())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 1+MaxRetries=3 calls, got %d", calls)
	}
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected the last upstream status to be returned, got %d", res.StatusCode)
	}
}

func TestExecuteSyntheticOnConnectionErrorExhaustion(t *testing.T) {
	thunk := func(ctx context.Context) (*retry.Result, error) {
		return nil, errors.New("connection refused")
	}

	res, err := retry.Execute(context.Background(), thunk, fastPolicy(1), noBreaker())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Synthetic {
		t.Fatal("expected a synthetic result after exhausting retries on connection errors")
	}
	if res.StatusCode != 523 {
		t.Fatalf("expected sentinel 523, got %d", res.StatusCode)
	}
}

func TestExecuteBreakerOpenShortCircuits(t *testing.T) {
	br := breaker.New(breaker.Config{FailureThreshold: 1, RecoveryS: time.Hour, WindowS: time.Minute})
	br.RecordFailure()

	calls := 0
	thunk := func(ctx context.Context) (*retry.Result, error) {
		calls++
		return &retry.Result{StatusCode: http.StatusOK}, nil
	}

	res, err := retry.Execute(context.Background(), thunk, fastPolicy(3), br)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 0 {
		t.Fatalf("thunk should never run while breaker is open, got %d calls", calls)
	}
	if !res.Synthetic || res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected synthetic 503, got synthetic=%v status=%d", res.Synthetic, res.StatusCode)
	}
}

func TestExecuteHonorsRetryAfterOn429(t *testing.T) {
	calls := 0
	thunk := func(ctx context.Context) (*retry.Result, error) {
		calls++
		if calls == 1 {
			h := http.Header{}
			h.Set("Retry-After", "0")
			return &retry.Result{StatusCode: http.StatusTooManyRequests, Header: h}, nil
		}
		return &retry.Result{StatusCode: http.StatusOK}, nil
	}

	res, err := retry.Execute(context.Background(), thunk, fastPolicy(2), noBreaker())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != http.StatusOK || calls != 2 {
		t.Fatalf("expected retry after 429 to succeed on 2nd call, got status=%d calls=%d", res.StatusCode, calls)
	}
}
