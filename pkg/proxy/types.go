// Package proxy implements the forward-proxy front end: the listener, the
// CONNECT tunnel with TLS interception, and the per-request pipeline that
// drives the cache, the single-flight gate, the upstream client and the
// event publisher.
package proxy

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/onixus/bsdm-proxy/pkg/ca"
	"github.com/onixus/bsdm-proxy/pkg/cache"
	"github.com/onixus/bsdm-proxy/pkg/events"
	"github.com/onixus/bsdm-proxy/pkg/flight"
	"github.com/onixus/bsdm-proxy/pkg/upstream"
)

// ConnectionIDKey and RequestIDKey key the per-connection and per-request
// UUIDs carried on the context for log correlation.
type ConnectionIDKey struct{}
type RequestIDKey struct{}

// flightHandle is the completion handle type the pipeline shares with its
// single-flight waiters.
type flightHandle = *flight.Handle[*cache.Artifact]

// Metrics is the minimal counter surface the pipeline reports to. The
// concrete implementation lives in pkg/admin.
type Metrics interface {
	IncTotalRequests()
	IncHit()
	IncMiss()
	IncBypass()
	IncOriginErrors()
	IncTunnels()
	ObserveDuration(outcome string, seconds float64)
}

// Config wires the process-wide singletons into the handlers. All fields
// except Metrics and Events are required.
type Config struct {
	Store    *cache.Store
	Policy   cache.Policy
	Gate     *flight.Gate[*cache.Artifact]
	Mint     *ca.Mint
	Upstream *upstream.Client
	Events   *events.Publisher
	Metrics  Metrics

	// FetchTimeout is the overall per-fingerprint origin deadline.
	FetchTimeout time.Duration
	// IdleTimeout bounds waiting for the next request on a kept-alive
	// connection or tunnel.
	IdleTimeout time.Duration
}

// hopByHopHeaders lists HTTP/1.x hop-by-hop headers that must not be
// forwarded in either direction.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"proxy-connection":    true,
	"proxy-authorization": true,
	"keep-alive":          true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// principalFrom extracts a basic-auth username from the request, preferring
// Proxy-Authorization. Only used to attribute cache events; credential
// verification belongs to the authentication collaborator.
func principalFrom(h http.Header) string {
	for _, name := range []string{"Proxy-Authorization", "Authorization"} {
		v := h.Get(name)
		encoded, ok := strings.CutPrefix(v, "Basic ")
		if !ok {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		if user, _, found := strings.Cut(string(decoded), ":"); found && user != "" {
			return user
		}
	}
	return ""
}
