package proxy

import (
	"bufio"
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
	"github.com/nulpointcorp/llmgateway/internal/trace"
	"github.com/nulpointcorp/llmgateway/pkg/apierr"
)

// streaming forwards SSE chunks byte-for-byte from upstream to the client,
// per spec.md §4.7. Streaming requests are never retried: a connect/send
// error yields 502; a non-2xx upstream status is returned as a JSON body with
// that status; a 2xx response is forwarded as-is as text/event-stream.
func (e *Engine) streaming(ctx *fasthttp.RequestCtx, pr *provider.Provider, pathSuffix string, body []byte, groupID, originalModel, strippedModel string, multiProvider bool) {
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

	reqCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		apierr.Write(ctx, fasthttp.StatusBadGateway, "Upstream connection failed", nil)
		return
	}
	applyHeaders(req, outboundHeaders)

	resp, err := pr.Client.Do(req)
	if err != nil {
		cancel()
		apierr.Write(ctx, fasthttp.StatusBadGateway, "Upstream connection failed", nil)
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { resp.Body.Close(); cancel() }()
		body, _ := io.ReadAll(resp.Body)
		var parsed any
		if err := json.Unmarshal(body, &parsed); err != nil {
			parsed = string(body)
		}
		ctx.SetStatusCode(resp.StatusCode)
		ctx.SetContentType("application/json")
		out, _ := json.Marshal(parsed)
		ctx.SetBody(out)
		return
	}

	ctx.SetStatusCode(resp.StatusCode)
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	var accumulated bytes.Buffer

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			resp.Body.Close()
			cancel()
		}()

		buf := make([]byte, 4096)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				accumulated.Write(buf[:n])
				if _, werr := w.Write(buf[:n]); werr != nil {
					return // client disconnected; stop forwarding and close upstream
				}
				_ = w.Flush()
			}
			if rerr != nil {
				break
			}
		}

		e.extractStreamMetrics(accumulated.Bytes(), groupID, originalModel, strippedModel, pr.Prefix, start, multiProvider)
	})
}

// extractStreamMetrics implements spec.md §4.7 step 5: split the
// accumulated SSE transcript on newlines, keep the last "data:" line that
// isn't "[DONE]", and parse it for a usage object.
func (e *Engine) extractStreamMetrics(transcript []byte, groupID, originalModel, strippedModel, providerPrefix string, start time.Time, multiProvider bool) {
	text := string(bytes.ToValidUTF8(transcript, []byte("�")))
	lines := strings.Split(text, "\n")

	var lastData string
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		if strings.TrimSpace(line) == "data: [DONE]" {
			continue
		}
		lastData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	}
	if lastData == "" {
		return
	}

	var parsed struct {
		Model string `json:"model"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(lastData), &parsed); err != nil || parsed.Usage == nil {
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
		OutputBody:  lastData,
		StatusCode:  fasthttp.StatusOK,
		DurationMs:  time.Since(start).Milliseconds(),
		GroupID:     groupID,
		IsStreaming: true,
		Usage: map[string]any{
			"prompt_tokens":     parsed.Usage.PromptTokens,
			"completion_tokens": parsed.Usage.CompletionTokens,
			"total_tokens":      parsed.Usage.TotalTokens,
		},
	})
}
