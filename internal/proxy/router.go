package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llmgateway/internal/metrics"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional out-of-core handlers registered alongside
// the proxy routes (spec.md §6's "external collaborators" row).
type ManagementRoutes struct {
	Metrics RouteHandler
}

// HealthFunc returns the current health snapshot for GET /health.
type HealthFunc func() map[string]any

// Server wires an Engine to a fasthttp.Server per spec.md §6's HTTP surface.
type Server struct {
	Engine      *Engine
	CORSOrigins []string
	Health      HealthFunc
	Version     string
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (s *Server) Start(addr string) error {
	return s.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (s *Server) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.GET("/health", s.handleHealth)
	r.GET("/llm/version", s.handleVersion)
	r.GET("/llm/v1/models", s.handleModels)
	r.ANY("/llm/{path:*}", s.handleProxy)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.CORSOrigins),
		securityHeaders,
		s.metricsMiddleware,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := map[string]any{"status": "ok", "version": s.Version}
	if s.Health != nil {
		snap = s.Health()
	}
	writeJSON(ctx, snap)
}

func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	if s.Engine.Registry.Len() > 0 {
		writeJSON(ctx, s.Engine.Registry.MergedModels())
		return
	}
	s.handleProxy(ctx)
}

func (s *Server) handleVersion(ctx *fasthttp.RequestCtx) {
	modelName := string(ctx.QueryArgs().Peek("model_name"))

	reqBody, _ := json.Marshal(map[string]any{
		"model": modelName,
		"messages": []map[string]string{
			{"role": "user", "content": "Reply with any single digit"},
		},
		"stream":          false,
		"update_interval": 0,
	})

	pr, stripped, original, multi := s.Engine.resolveRequest("POST", reqBody)

	// Execute the synthetic probe as a non-streaming forwarder call and
	// intercept the response instead of writing it to the client directly.
	rc := &fasthttp.RequestCtx{}
	rc.Request.Header.SetMethod("POST")
	rc.Request.SetBody(reqBody)
	s.Engine.nonStreaming(rc, pr, "v1/chat/completions", reqBody, defaultGroupID, original, stripped, multi)

	var probeResp struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(rc.Response.Body(), &probeResp); err != nil || probeResp.Model == "" {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		writeJSON(ctx, map[string]string{"error": "malformed upstream model-version response"})
		return
	}

	reformatted, ok := reformatModelVersion(probeResp.Model)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		writeJSON(ctx, map[string]string{"error": "malformed model version"})
		return
	}
	writeJSON(ctx, map[string]string{"version": reformatted})
}

// reformatModelVersion implements spec.md §4.10.1.
func reformatModelVersion(s string) (string, bool) {
	idx := strings.Index(s, ":")
	if idx < 0 {
		return "", false
	}
	name, version := s[:idx], s[idx+1:]

	switch {
	case strings.HasSuffix(name, "-Pro"):
		name = strings.TrimSuffix(name, "-Pro") + "-90b-128k-base"
	case strings.HasSuffix(name, "-Max"):
		name = strings.TrimSuffix(name, "-Max") + "-38b-128k-base"
	default:
		name = name + "-9b-128k-base"
	}
	return name + ":" + version, true
}

func (s *Server) handleProxy(ctx *fasthttp.RequestCtx) {
	pathSuffix := strings.TrimPrefix(string(ctx.Path()), "/llm/")
	method := string(ctx.Method())
	body := ctx.PostBody()
	groupID := groupIDFromHeaders(ctx)

	if isMultipartRequest(ctx) {
		pr, _, _, _ := s.Engine.resolveRequest(method, body)
		s.Engine.multipart(ctx, pr, pathSuffix)
		return
	}

	pr, stripped, original, multi := s.Engine.resolveRequest(method, body)

	if isStreamingBody(body) {
		s.Engine.streaming(ctx, pr, pathSuffix, body, groupID, original, stripped, multi)
		return
	}
	s.Engine.nonStreaming(ctx, pr, pathSuffix, body, groupID, original, stripped, multi)
}

// metricsMiddleware records HTTP-level metrics, skipping multipart/chunked
// POST requests entirely per spec.md §4.11.
func (s *Server) metricsMiddleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		method := string(ctx.Method())
		contentType := string(ctx.Request.Header.ContentType())
		transferEncoding := string(ctx.Request.Header.Peek("Transfer-Encoding"))

		if metrics.IsMultipartOrChunkedPost(method, contentType, transferEncoding) {
			next(ctx)
			return
		}

		start := time.Now()
		s.Engine.Metrics.IncInFlight()
		next(ctx)
		s.Engine.Metrics.DecInFlight()
		s.Engine.Metrics.ObserveHTTP(method, string(ctx.Path()), ctx.Response.StatusCode(), time.Since(start).Seconds())
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
