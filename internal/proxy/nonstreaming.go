package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llmgateway/internal/header"
	"github.com/nulpointcorp/llmgateway/internal/metrics"
	"github.com/nulpointcorp/llmgateway/internal/provider"
	"github.com/nulpointcorp/llmgateway/internal/retry"
	"github.com/nulpointcorp/llmgateway/internal/trace"
	"github.com/nulpointcorp/llmgateway/pkg/apierr"
)

// NonStreamingForwarder buffers the upstream JSON response and extracts
// usage, per spec.md §4.8.
func (e *Engine) nonStreaming(ctx *fasthttp.RequestCtx, pr *provider.Provider, pathSuffix string, body []byte, groupID, originalModel, strippedModel string, multiProvider bool) {
	start := time.Now()
	method := string(ctx.Method())
	rawQuery := string(ctx.URI().QueryString())

	outboundHeaders := header.Sanitize(collectHeaders(ctx), e.Denylist)
	authHeaders, authErr := pr.AuthBuild.Headers(ctx, pr.Client)
	if authErr != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "authentication error", nil)
		return
	}
	outboundHeaders = append(outboundHeaders, authHeaders...)

	if multiProvider {
		body = rewriteModel(body, originalModel, strippedModel)
	}

	url := buildUpstreamURL(pr.BaseURL, pathSuffix, rawQuery)

	thunk := func(tctx context.Context) (*retry.Result, error) {
		req, err := http.NewRequestWithContext(tctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		applyHeaders(req, outboundHeaders)

		resp, err := pr.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &retry.Result{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header}, nil
	}

	result, _ := retry.Execute(ctx, thunk, pr.Retry, pr.Breaker)

	if result.Synthetic {
		if result.StatusCode == fasthttp.StatusServiceUnavailable {
			apierr.WriteBreakerOpen(ctx, bytes.Contains(result.Body, []byte("activated")))
		} else {
			apierr.WriteTransportError(ctx, string(result.Body))
		}
		return
	}

	if result.StatusCode >= 200 && result.StatusCode < 300 {
		ctx.SetStatusCode(result.StatusCode)
		ctx.SetContentType("application/json")
		ctx.SetBody(result.Body)

		if strings.Contains(pathSuffix, "completions") {
			e.recordCompletionMetrics(groupID, originalModel, strippedModel, pr.Prefix, result.Body, start, multiProvider, false)
		}
		return
	}

	var parsed any
	message := "Proxy request failed"
	if err := json.Unmarshal(result.Body, &parsed); err == nil {
		if obj, ok := parsed.(map[string]any); ok {
			if m, ok := obj["message"].(string); ok && m != "" {
				message = m
			}
		}
	} else {
		parsed = string(result.Body)
	}
	apierr.WriteUpstreamError(ctx, result.StatusCode, message, parsed)
}

func applyHeaders(req *http.Request, headers []header.Header) {
	for _, h := range headers {
		req.Header.Add(h.Name, h.Value)
	}
}

// recordCompletionMetrics parses the upstream JSON body for a "usage"
// object and emits both the MetricsRecorder counters and a TraceSink record.
func (e *Engine) recordCompletionMetrics(groupID, originalModel, strippedModel, providerPrefix string, body []byte, start time.Time, multiProvider, streaming bool) {
	var parsed struct {
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return
	}

	model := parsed.Model
	if model == "" {
		model = strippedModel
	}
	if model == "" {
		model = originalModel
	}

	e.Metrics.RecordTokenUsage(groupID, model, metrics.Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	})

	providerLabel := ""
	if multiProvider {
		providerLabel = providerPrefix
	}

	e.Trace.Emit(trace.Record{
		Model:       model,
		Provider:    providerLabel,
		OutputBody:  string(body),
		StatusCode:  fasthttp.StatusOK,
		DurationMs:  time.Since(start).Milliseconds(),
		GroupID:     groupID,
		IsStreaming: streaming,
		Usage: map[string]any{
			"prompt_tokens":     parsed.Usage.PromptTokens,
			"completion_tokens": parsed.Usage.CompletionTokens,
			"total_tokens":      parsed.Usage.TotalTokens,
		},
	})
}
