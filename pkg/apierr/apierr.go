// Package apierr writes the proxy's error envelope to fasthttp responses:
// {"error":{"status_code":N,"message":M,"details":{"response":R}}}, per
// spec.md §7. The non-streaming forwarder writes every non-2xx response in
// this shape; the multipart forwarder returns upstream non-2xx bodies as
// they are, and /llm/version writes a flat {"error":"..."} object. No stack
// traces or host-internal paths are included.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

type details struct {
	Response any `json:"response,omitempty"`
}

type apiError struct {
	StatusCode int     `json:"status_code"`
	Message    string  `json:"message"`
	Details    details `json:"details,omitempty"`
}

type envelope struct {
	Error apiError `json:"error"`
}

// Write writes the error envelope with the given HTTP status, message, and
// optional upstream response body to echo back under details.response.
func Write(ctx *fasthttp.RequestCtx, status int, message string, upstreamResponse any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: apiError{
		StatusCode: status,
		Message:    message,
		Details:    details{Response: upstreamResponse},
	}})
	ctx.SetBody(body)
}

// WriteBreakerOpen writes the 503 "breaker open" response, distinguishing
// "open" (cool-down) from "just activated" per spec.md §7.
func WriteBreakerOpen(ctx *fasthttp.RequestCtx, justActivated bool) {
	msg := "Circuit breaker open. Try later."
	if justActivated {
		msg = "Circuit breaker activated. Try later."
	}
	Write(ctx, fasthttp.StatusServiceUnavailable, msg, nil)
}

// WriteUpstreamError wraps a non-2xx upstream response in the error
// envelope, per spec.md §4.8 step 6.
func WriteUpstreamError(ctx *fasthttp.RequestCtx, status int, message string, upstreamBody any) {
	if message == "" {
		message = "Proxy request failed"
	}
	Write(ctx, status, message, upstreamBody)
}

// WriteTransportError writes the 523 sentinel used when no HTTP response was
// ever received (connection-only failure exhausted all retries).
func WriteTransportError(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, 523, message, nil)
}
