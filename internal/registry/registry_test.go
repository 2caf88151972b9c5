package registry_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nulpointcorp/llmgateway/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSkipsFilesWithoutPrefix(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "prompt-hub-thing.json", `{"name":"not a provider"}`)

	reg, err := registry.Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected 0 providers, got %d", reg.Len())
	}
}

func TestLoadBuildsProviderAndResolves(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "openai.json", `{
		"prefix": "openai",
		"base_url": "http://localhost:19000",
		"auth": {"type": "NONE"},
		"models": ["gpt-4o", "gpt-3.5-turbo"]
	}`)

	reg, err := registry.Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 provider, got %d", reg.Len())
	}

	p, stripped, ok := reg.Resolve("openai/gpt-4o")
	if !ok {
		t.Fatal("expected openai/gpt-4o to resolve")
	}
	if stripped != "gpt-4o" {
		t.Fatalf("stripped model = %q, want gpt-4o", stripped)
	}
	if p.Prefix != "openai" {
		t.Fatalf("provider prefix = %q, want openai", p.Prefix)
	}
}

func TestResolveRejectsUnknownPrefixAndNoSlash(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "openai.json", `{"prefix":"openai","base_url":"http://x","auth":{"type":"NONE"}}`)
	reg, err := registry.Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, _, ok := reg.Resolve("unknown/gpt-4o"); ok {
		t.Fatal("expected unknown prefix to fail resolution")
	}
	if _, _, ok := reg.Resolve("gpt-4o"); ok {
		t.Fatal("expected model with no slash to fail resolution")
	}
}

func TestLoadFirstPrefixWinsOnDuplicate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a-first.json", `{"prefix":"dup","base_url":"http://first","auth":{"type":"NONE"}}`)
	writeFile(t, dir, "b-second.json", `{"prefix":"dup","base_url":"http://second","auth":{"type":"NONE"}}`)

	reg, err := registry.Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected exactly 1 provider after dedup, got %d", reg.Len())
	}

	p, _, ok := reg.Resolve("dup/model")
	if !ok {
		t.Fatal("expected dup/model to resolve")
	}
	if p.BaseURL != "http://first" {
		t.Fatalf("expected first file's base_url to win, got %q", p.BaseURL)
	}
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("LLMGW_TEST_APIKEY", "expanded-secret")
	defer os.Unsetenv("LLMGW_TEST_APIKEY")

	writeFile(t, dir, "p.json", `{"prefix":"p","base_url":"http://x","auth":{"type":"APIKEY","api_key":"${LLMGW_TEST_APIKEY}"}}`)

	reg, err := registry.Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 provider, got %d", reg.Len())
	}
}

func TestLoadMissingDirReturnsEmptyRegistry(t *testing.T) {
	reg, err := registry.Load(filepath.Join(t.TempDir(), "does-not-exist"), discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry for missing dir, got %d", reg.Len())
	}
}

func TestMergedModelsIncludesPrefixedIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "openai.json", `{"prefix":"openai","base_url":"http://x","auth":{"type":"NONE"},"models":["gpt-4o"]}`)

	reg, err := registry.Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	merged := reg.MergedModels()
	data, ok := merged["data"].([]registry.MergedModelsEntry)
	if !ok {
		t.Fatalf("unexpected data type: %T", merged["data"])
	}
	if len(data) != 1 || data[0].ID != "openai/gpt-4o" {
		t.Fatalf("unexpected merged models: %+v", data)
	}
}
