// Package cache implements the in-memory response cache: request
// fingerprints, immutable response artifacts, the cacheability policy and
// the bounded TTL-aware entry store.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
)

// Fingerprint is the canonical identity of a cacheable request. Two requests
// with the same fingerprint are interchangeable for cache purposes.
//
// The method is uppercased and HEAD is normalized to GET so a HEAD can be
// answered from an artifact a GET populated. Fragments are stripped; the URL
// is otherwise kept verbatim (scheme, host, port, path, query).
type Fingerprint struct {
	Method string
	URL    string
	sum    string
}

// NewFingerprint derives the fingerprint for (method, u). u is not mutated.
func NewFingerprint(method string, u *url.URL) Fingerprint {
	m := strings.ToUpper(method)
	if m == http.MethodHead {
		m = http.MethodGet
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	raw := c.String()
	h := sha256.Sum256([]byte(m + "-" + raw))
	return Fingerprint{Method: m, URL: raw, sum: hex.EncodeToString(h[:])}
}

// Key returns the stable hash form, hex sha256 of "METHOD-URL". This is the
// same format the downstream indexer keys documents by.
func (f Fingerprint) Key() string { return f.sum }

// IsZero reports whether f was never derived.
func (f Fingerprint) IsZero() bool { return f.sum == "" }

func (f Fingerprint) String() string { return f.Method + " " + f.URL }
