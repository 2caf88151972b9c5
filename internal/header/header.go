// Package header implements header hygiene for the proxy data plane:
// stripping hop-by-hop and denylisted headers before forwarding a request
// upstream, and redacting secrets before a header set is written to a log.
package header

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// sensitiveHeaders are redacted when logged (see Redact), matched case-insensitively.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"x-api-key":           {},
	"x-token":             {},
	"cookie":              {},
	"set-cookie":          {},
	"proxy-authorization": {},
}

const redactPrefixLen = 4

// Denylist compiles a set of lowercase glob patterns (e.g. "host",
// "x-forwarded-*", "jwt-*") used to strip headers before forwarding upstream.
type Denylist struct {
	mu       sync.RWMutex
	patterns []glob.Glob
	raw      []string
}

// NewDenylist compiles patterns. Empty and invalid glob patterns are skipped
// silently; no error is reported for them.
func NewDenylist(patterns []string) *Denylist {
	d := &Denylist{}
	for _, p := range patterns {
		lp := strings.ToLower(strings.TrimSpace(p))
		if lp == "" {
			continue
		}
		g, err := glob.Compile(lp)
		if err != nil {
			continue
		}
		d.patterns = append(d.patterns, g)
		d.raw = append(d.raw, lp)
	}
	return d
}

func (d *Denylist) match(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	lname := strings.ToLower(name)
	for _, g := range d.patterns {
		if g.Match(lname) {
			return true
		}
	}
	return false
}

// Header is a single name/value pair. Forwarding code works against this
// slice representation (rather than a map) so that repeated header names
// are preserved, matching net/http.Header semantics when converted.
type Header struct {
	Name  string
	Value string
}

// Sanitize returns a copy of headers with every entry matching denylist
// removed, plus Accept-Encoding forced to "identity" so that the response
// body stays parseable for usage extraction. Original case and value of
// surviving headers is preserved. The input slice is never mutated.
func Sanitize(headers []Header, denylist *Denylist) []Header {
	out := make([]Header, 0, len(headers)+1)
	sawAcceptEncoding := false
	for _, h := range headers {
		if denylist != nil && denylist.match(h.Name) {
			continue
		}
		if strings.EqualFold(h.Name, "Accept-Encoding") {
			sawAcceptEncoding = true
			out = append(out, Header{Name: h.Name, Value: "identity"})
			continue
		}
		out = append(out, h)
	}
	if !sawAcceptEncoding {
		out = append(out, Header{Name: "Accept-Encoding", Value: "identity"})
	}
	return out
}

// Redact returns a copy of headers suitable for logging: values of
// known-sensitive header names are masked. Values longer than 4 characters
// keep their first 4 characters followed by "...[REDACTED]"; shorter values
// become the literal "[REDACTED]". headers is never mutated.
func Redact(headers []Header) []Header {
	out := make([]Header, len(headers))
	for i, h := range headers {
		out[i] = h
		if _, sensitive := sensitiveHeaders[strings.ToLower(h.Name)]; sensitive {
			out[i].Value = redactValue(h.Value)
		}
	}
	return out
}

func redactValue(v string) string {
	if len(v) <= redactPrefixLen {
		return "[REDACTED]"
	}
	return v[:redactPrefixLen] + "...[REDACTED]"
}
