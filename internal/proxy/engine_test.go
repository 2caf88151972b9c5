package proxy

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nulpointcorp/llmgateway/internal/provider"
	"github.com/nulpointcorp/llmgateway/internal/registry"
)

func TestResolveRequestFallsBackToLegacyOnGET(t *testing.T) {
	legacy := &provider.Provider{Prefix: "legacy"}
	e := &Engine{Legacy: legacy, Registry: &registry.Registry{}}

	p, stripped, original, multi := e.resolveRequest("GET", nil)
	if p != legacy || stripped != "" || original != "" || multi {
		t.Fatalf("expected legacy fallback for GET, got p=%v stripped=%q original=%q multi=%v", p, stripped, original, multi)
	}
}

func TestResolveRequestFallsBackWhenRegistryEmpty(t *testing.T) {
	legacy := &provider.Provider{Prefix: "legacy"}
	e := &Engine{Legacy: legacy, Registry: &registry.Registry{}}

	p, _, _, multi := e.resolveRequest("POST", []byte(`{"model":"openai/gpt-4o"}`))
	if p != legacy || multi {
		t.Fatal("expected legacy fallback when registry has no providers")
	}
}

func TestResolveRequestFallsBackWhenModelHasNoSlash(t *testing.T) {
	dir := t.TempDir()
	contents := `{"prefix":"openai","base_url":"http://x","auth":{"type":"NONE"}}`
	if err := os.WriteFile(filepath.Join(dir, "openai.json"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	reg, err := registry.Load(dir, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}

	legacy := &provider.Provider{Prefix: "legacy"}
	e := &Engine{Legacy: legacy, Registry: reg}

	p, _, _, multi := e.resolveRequest("POST", []byte(`{"model":"gpt-4o"}`))
	if p != legacy || multi {
		t.Fatal("expected legacy fallback when model has no provider prefix")
	}
}

func TestRewriteModelReplacesExactMatch(t *testing.T) {
	body := []byte(`{"model":"openai/gpt-4o","stream":false}`)
	out := rewriteModel(body, "openai/gpt-4o", "gpt-4o")

	if string(out) == string(body) {
		t.Fatal("expected body to change")
	}
	if containsSubstring(string(out), `"model":"gpt-4o"`) == false {
		t.Fatalf("expected rewritten model field, got %s", out)
	}
}

func TestRewriteModelLeavesMismatchedBodyUnchanged(t *testing.T) {
	body := []byte(`{"model":"something-else"}`)
	out := rewriteModel(body, "openai/gpt-4o", "gpt-4o")
	if string(out) != string(body) {
		t.Fatalf("expected body unchanged when model field doesn't match original, got %s", out)
	}
}

func TestBuildUpstreamURLPreservesQueryString(t *testing.T) {
	got := buildUpstreamURL("http://upstream:8080/", "v1/chat/completions", "api-version=2024-01-01")
	want := "http://upstream:8080/v1/chat/completions?api-version=2024-01-01"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildUpstreamURLNoQueryString(t *testing.T) {
	got := buildUpstreamURL("http://upstream:8080", "v1/models", "")
	want := "http://upstream:8080/v1/models"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestIsStreamingBody(t *testing.T) {
	if !isStreamingBody([]byte(`{"stream":true}`)) {
		t.Fatal("expected stream:true to be detected")
	}
	if isStreamingBody([]byte(`{"stream":false}`)) {
		t.Fatal("expected stream:false to be rejected")
	}
	if isStreamingBody([]byte(`not json`)) {
		t.Fatal("malformed body should default to non-streaming")
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
