package cache

import (
	"net/http"
	"sort"
	"strings"
	"time"
)

// Header is a single response header pair. Names are case-preserving but
// compared case-insensitively.
type Header struct {
	Name  string
	Value string
}

// Artifact is a cached response. It is immutable once built: callers share
// the same header slice and body bytes by reference, so cloning an artifact
// never copies the body. Do not mutate Headers or Body after construction.
type Artifact struct {
	Status   int
	Headers  []Header
	Body     []byte
	StoredAt time.Time
	TTL      time.Duration
}

// NewArtifact builds an artifact from an origin response. The header order of
// h is not guaranteed by net/http, so pairs are emitted in sorted-key order
// to keep the artifact deterministic.
func NewArtifact(status int, h http.Header, body []byte) *Artifact {
	headers := make([]Header, 0, len(h))
	for _, k := range sortedKeys(h) {
		for _, v := range h[k] {
			headers = append(headers, Header{Name: k, Value: v})
		}
	}
	return &Artifact{Status: status, Headers: headers, Body: body}
}

// Fresh reports whether the artifact is still within its TTL at now.
func (a *Artifact) Fresh(now time.Time) bool {
	return now.Sub(a.StoredAt) < a.TTL
}

// HeaderValue returns the first value for name, compared case-insensitively.
// Headers are iterated linearly; the slice is small and serving iterates it
// anyway.
func (a *Artifact) HeaderValue(name string) string {
	for _, h := range a.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Size is the in-memory footprint the store accounts for: body bytes plus
// header text.
func (a *Artifact) Size() int64 {
	n := int64(len(a.Body))
	for _, h := range a.Headers {
		n += int64(len(h.Name) + len(h.Value))
	}
	return n
}

func sortedKeys(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
