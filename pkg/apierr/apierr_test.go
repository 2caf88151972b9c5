package apierr_test

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llmgateway/pkg/apierr"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("response body is not valid JSON: %v (%s)", err, ctx.Response.Body())
	}
	return out
}

func TestWriteEnvelopeShape(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	apierr.Write(ctx, 429, "rate limited", map[string]any{"detail": "slow down"})

	if ctx.Response.StatusCode() != 429 {
		t.Fatalf("status = %d, want 429", ctx.Response.StatusCode())
	}
	out := decode(t, ctx)
	errObj, ok := out["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected top-level \"error\" object, got %+v", out)
	}
	if errObj["status_code"].(float64) != 429 {
		t.Fatalf("error.status_code = %v, want 429", errObj["status_code"])
	}
	if errObj["message"] != "rate limited" {
		t.Fatalf("error.message = %v, want \"rate limited\"", errObj["message"])
	}
	details, ok := errObj["details"].(map[string]any)
	if !ok {
		t.Fatalf("expected error.details object, got %+v", errObj)
	}
	if details["response"].(map[string]any)["detail"] != "slow down" {
		t.Fatalf("details.response not preserved: %+v", details)
	}
}

func TestWriteBreakerOpenDistinguishesJustActivated(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	apierr.WriteBreakerOpen(ctx, true)
	out := decode(t, ctx)
	if out["error"].(map[string]any)["message"] != "Circuit breaker activated. Try later." {
		t.Fatalf("unexpected message for just-activated breaker: %+v", out)
	}

	ctx2 := &fasthttp.RequestCtx{}
	apierr.WriteBreakerOpen(ctx2, false)
	out2 := decode(t, ctx2)
	if out2["error"].(map[string]any)["message"] != "Circuit breaker open. Try later." {
		t.Fatalf("unexpected message for already-open breaker: %+v", out2)
	}
}

func TestWriteTransportErrorUsesSentinelStatus(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	apierr.WriteTransportError(ctx, "connection refused")
	if ctx.Response.StatusCode() != 523 {
		t.Fatalf("status = %d, want 523", ctx.Response.StatusCode())
	}
}

func TestWriteUpstreamErrorDefaultsMessage(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	apierr.WriteUpstreamError(ctx, 500, "", "boom")
	out := decode(t, ctx)
	if out["error"].(map[string]any)["message"] != "Proxy request failed" {
		t.Fatalf("expected default message, got %+v", out)
	}
}
