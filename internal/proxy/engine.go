// Package proxy implements the ProxyRouter and its three forwarders
// (streaming, non-streaming, multipart), composing the HeaderSanitizer,
// AuthHeaderBuilder, RetryExecutor, CircuitBreaker and ProviderRegistry
// packages into the request dispatch described in spec.md §4.10.
package proxy

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llmgateway/internal/header"
	"github.com/nulpointcorp/llmgateway/internal/metrics"
	"github.com/nulpointcorp/llmgateway/internal/provider"
	"github.com/nulpointcorp/llmgateway/internal/registry"
	"github.com/nulpointcorp/llmgateway/internal/trace"
)

// Engine owns everything needed to service one proxy request: the legacy
// single-provider fallback, the multi-provider registry (may be empty), the
// header denylist, and the MetricsRecorder/TraceSink adapters.
type Engine struct {
	Legacy   *provider.Provider
	Registry *registry.Registry
	Denylist *header.Denylist
	Metrics  *metrics.Registry
	Trace    trace.Sink
	Log      *slog.Logger
}

const defaultGroupID = "unknown"

// resolveRequest decides which provider, and what the outbound model name,
// a given request body should use. multiProvider is true only when the
// registry is non-empty and the method is POST, per spec.md §4.10 step 2.
func (e *Engine) resolveRequest(method string, body []byte) (p *provider.Provider, strippedModel string, originalModel string, multiProvider bool) {
	if e.Registry.Len() == 0 || !strings.EqualFold(method, "POST") {
		return e.Legacy, "", "", false
	}

	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Model == "" || !strings.Contains(probe.Model, "/") {
		return e.Legacy, "", "", false
	}

	pr, stripped, ok := e.Registry.Resolve(probe.Model)
	if !ok {
		return e.Legacy, "", "", false
	}
	return pr, stripped, probe.Model, true
}

// rewriteModel returns body with its top-level "model" field replaced by
// strippedModel, iff body is a JSON object whose "model" equals
// originalModel exactly (spec.md §4.8 step 3 / §4.10 step 2).
func rewriteModel(body []byte, originalModel, strippedModel string) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	raw, ok := obj["model"]
	if !ok {
		return body
	}
	var m string
	if err := json.Unmarshal(raw, &m); err != nil || m != originalModel {
		return body
	}
	obj["model"], _ = json.Marshal(strippedModel)
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}

func groupIDFromHeaders(ctx *fasthttp.RequestCtx) string {
	v := string(ctx.Request.Header.Peek("X-Group-Id"))
	if v == "" {
		return defaultGroupID
	}
	return v
}

func collectHeaders(ctx *fasthttp.RequestCtx) []header.Header {
	var out []header.Header
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		out = append(out, header.Header{Name: string(k), Value: string(v)})
	})
	return out
}

func isStreamingBody(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream
}

func isMultipartRequest(ctx *fasthttp.RequestCtx) bool {
	ct := string(ctx.Request.Header.ContentType())
	return strings.EqualFold(string(ctx.Method()), "POST") &&
		strings.HasPrefix(strings.ToLower(ct), "multipart/form-data")
}

// buildUpstreamURL joins base, pathSuffix and an untouched query string, per
// spec.md Testable Property #6.
func buildUpstreamURL(base, pathSuffix, rawQuery string) string {
	u := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(pathSuffix, "/")
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}
