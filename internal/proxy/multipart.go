package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llmgateway/internal/header"
	"github.com/nulpointcorp/llmgateway/internal/provider"
	"github.com/nulpointcorp/llmgateway/pkg/apierr"
)

// extraMultipartHopHeaders are stripped in addition to the standard
// denylist, per spec.md §4.9.
var extraMultipartHopHeaders = map[string]struct{}{
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
	"expect":            {},
	"host":              {},
}

// multipart forwards the request body to upstream in one attempt, without
// retries, per spec.md §4.9. The body sent is the one fasthttp has already
// read into memory (ctx.PostBody()); it is not streamed from the client
// connection. Excluded from HTTP metrics by metricsMiddleware.
func (e *Engine) multipart(ctx *fasthttp.RequestCtx, pr *provider.Provider, pathSuffix string) {
	method := string(ctx.Method())
	rawQuery := string(ctx.URI().QueryString())

	headers := collectHeaders(ctx)
	var filtered []header.Header
	for _, h := range headers {
		if _, strip := extraMultipartHopHeaders[lower(h.Name)]; strip {
			continue
		}
		filtered = append(filtered, h)
	}
	outboundHeaders := header.Sanitize(filtered, e.Denylist)

	authHeaders, authErr := pr.AuthBuild.Headers(ctx, pr.Client)
	if authErr != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "authentication error", nil)
		return
	}
	outboundHeaders = append(outboundHeaders, authHeaders...)

	url := buildUpstreamURL(pr.BaseURL, pathSuffix, rawQuery)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(ctx.PostBody()))
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "Upstream connection failed", nil)
		return
	}
	applyHeaders(req, outboundHeaders)

	resp, err := pr.Client.Do(req)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "Upstream connection failed", nil)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "Upstream connection failed", nil)
		return
	}

	ctx.SetStatusCode(resp.StatusCode)
	ctx.SetContentType("application/json")

	parsed, perr := parseMultipartResponse(body)
	if perr != nil {
		ctx.SetBodyString(`{"error":"Invalid JSON response"}`)
		return
	}
	out, _ := json.Marshal(parsed)
	ctx.SetBody(out)
}

// parseMultipartResponse applies the best-effort parse chain from
// spec.md §4.9: primary JSON parse, fallback re-decode as UTF-8 then parse.
func parseMultipartResponse(body []byte) (any, error) {
	var parsed any
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed, nil
	}
	text := string(bytes.ToValidUTF8(body, []byte("�")))
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed, nil
	}
	return nil, errInvalidJSON
}

var errInvalidJSON = &invalidJSONError{}

type invalidJSONError struct{}

func (*invalidJSONError) Error() string { return "invalid JSON response" }

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
