package header_test

import (
	"testing"

	"github.com/nulpointcorp/llmgateway/internal/header"
)

func TestSanitizeAppliesDenylistedHopByHop(t *testing.T) {
	dl := header.NewDenylist([]string{"host", "connection"})
	in := []header.Header{
		{Name: "Host", Value: "example.com"},
		{Name: "Connection", Value: "keep-alive"},
		{Name: "X-Request-Id", Value: "abc"},
	}
	out := header.Sanitize(in, dl)

	for _, h := range out {
		if h.Name == "Host" || h.Name == "Connection" {
			t.Fatalf("denylisted header %q leaked through Sanitize", h.Name)
		}
	}
}

func TestSanitizeForcesIdentityEncoding(t *testing.T) {
	in := []header.Header{{Name: "Accept-Encoding", Value: "gzip, br"}}
	out := header.Sanitize(in, header.NewDenylist(nil))

	found := false
	for _, h := range out {
		if h.Name == "Accept-Encoding" {
			found = true
			if h.Value != "identity" {
				t.Fatalf("Accept-Encoding = %q, want identity", h.Value)
			}
		}
	}
	if !found {
		t.Fatal("Accept-Encoding header missing from sanitized output")
	}
}

func TestSanitizeAppliesDenylist(t *testing.T) {
	dl := header.NewDenylist([]string{"x-secret-*"})
	in := []header.Header{
		{Name: "X-Secret-Token", Value: "s3cr3t"},
		{Name: "X-Keep-Me", Value: "ok"},
	}
	out := header.Sanitize(in, dl)

	for _, h := range out {
		if h.Name == "X-Secret-Token" {
			t.Fatal("denylisted header X-Secret-Token was not stripped")
		}
	}
}

func TestRedactPreservesPrefix(t *testing.T) {
	in := []header.Header{{Name: "Authorization", Value: "Bearer abcdefgh12345"}}
	out := header.Redact(in)
	if len(out) != 1 {
		t.Fatalf("expected 1 header, got %d", len(out))
	}
	if out[0].Value == in[0].Value {
		t.Fatal("Redact did not modify sensitive header value")
	}
	if out[0].Value != "Bear...[REDACTED]" {
		t.Fatalf("Redact = %q, want the first 4 characters kept: %q", out[0].Value, "Bear...[REDACTED]")
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	in := []header.Header{{Name: "Host", Value: "example.com"}, {Name: "X-Foo", Value: "bar"}}
	inCopy := append([]header.Header(nil), in...)

	header.Sanitize(in, header.NewDenylist(nil))

	for i := range in {
		if in[i] != inCopy[i] {
			t.Fatalf("Sanitize mutated its input slice at index %d", i)
		}
	}
}
