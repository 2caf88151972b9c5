package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llmgateway/internal/auth"
	"github.com/nulpointcorp/llmgateway/internal/breaker"
	"github.com/nulpointcorp/llmgateway/internal/header"
	"github.com/nulpointcorp/llmgateway/internal/metrics"
	"github.com/nulpointcorp/llmgateway/internal/provider"
	"github.com/nulpointcorp/llmgateway/internal/retry"
	"github.com/nulpointcorp/llmgateway/internal/trace"
)

func newTestEngine() *Engine {
	return &Engine{
		Denylist: header.NewDenylist(nil),
		Metrics:  metrics.New(),
		Trace:    trace.NoopSink{},
	}
}

func newTestProvider(baseURL string) *provider.Provider {
	return &provider.Provider{
		Prefix:    "openai",
		BaseURL:   baseURL,
		Retry:     retry.Policy{MaxRetries: 0},
		Breaker:   breaker.New(breaker.Config{FailureThreshold: 0}),
		AuthBuild: &auth.Builder{Mode: auth.ModeNone},
		Client:    http.DefaultClient,
	}
}

func newRequestCtx(method, uri string, body []byte) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func TestNonStreamingForwardsSuccessResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"gpt-4o","usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`))
	}))
	defer upstream.Close()

	e := newTestEngine()
	pr := newTestProvider(upstream.URL)
	ctx := newRequestCtx("POST", "/v1/chat/completions", []byte(`{"model":"gpt-4o"}`))

	e.nonStreaming(ctx, pr, "v1/chat/completions", []byte(`{"model":"gpt-4o"}`), "g1", "openai/gpt-4o", "gpt-4o", false)

	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Body()) == "" {
		t.Fatal("expected a non-empty body forwarded from upstream")
	}
}

func TestNonStreamingRewritesModelForMultiProvider(t *testing.T) {
	var seenBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		seenBody = buf
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	e := newTestEngine()
	pr := newTestProvider(upstream.URL)
	ctx := newRequestCtx("POST", "/v1/chat/completions", nil)

	e.nonStreaming(ctx, pr, "v1/chat/completions", []byte(`{"model":"openai/gpt-4o"}`), "g1", "openai/gpt-4o", "gpt-4o", true)

	if containsSubstring(string(seenBody), `"model":"gpt-4o"`) == false {
		t.Fatalf("expected upstream to receive the stripped model name, got %s", seenBody)
	}
}

func TestNonStreamingPropagatesUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"message":"bad request"}`))
	}))
	defer upstream.Close()

	e := newTestEngine()
	pr := newTestProvider(upstream.URL)
	ctx := newRequestCtx("POST", "/v1/chat/completions", nil)

	e.nonStreaming(ctx, pr, "v1/chat/completions", []byte(`{"model":"gpt-4o"}`), "g1", "", "", false)

	if ctx.Response.StatusCode() != 400 {
		t.Fatalf("status = %d, want 400", ctx.Response.StatusCode())
	}
	if containsSubstring(string(ctx.Response.Body()), "bad request") == false {
		t.Fatalf("expected upstream error message to be preserved, got %s", ctx.Response.Body())
	}
}

func TestNonStreamingTransportErrorAfterExhaustedRetries(t *testing.T) {
	e := newTestEngine()
	// Nothing is listening on this port, so the request fails at connect time.
	pr := newTestProvider("http://127.0.0.1:1")
	ctx := newRequestCtx("POST", "/v1/chat/completions", nil)

	e.nonStreaming(ctx, pr, "v1/chat/completions", []byte(`{"model":"gpt-4o"}`), "g1", "", "", false)

	if ctx.Response.StatusCode() != 523 {
		t.Fatalf("status = %d, want 523 for a synthetic transport error", ctx.Response.StatusCode())
	}
}
