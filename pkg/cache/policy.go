package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy decides whether a response may be stored and for how long.
type Policy struct {
	// MaxBodySize is the upper bound on cacheable body bytes.
	MaxBodySize int64
	// DefaultTTL applies when the response carries no freshness directives.
	DefaultTTL time.Duration
	// MaxTTL is the ceiling applied to any derived lifetime.
	MaxTTL time.Duration
}

// cacheableStatus is the set of response codes eligible for storage.
var cacheableStatus = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusNoContent:            true,
	http.StatusPartialContent:       true,
	http.StatusMultipleChoices:      true,
	http.StatusMovedPermanently:     true,
	http.StatusNotFound:             true,
	http.StatusMethodNotAllowed:     true,
	http.StatusGone:                 true,
	http.StatusRequestURITooLong:    true,
	http.StatusNotImplemented:       true,
}

// Cacheable reports whether a response may be stored.
//
// A Vary header listing anything other than Accept-Encoding makes the
// response non-cacheable; this is a documented simplification over RFC 9111.
// no-cache is treated as non-cacheable because storage without revalidation
// support would serve it stale.
func (p Policy) Cacheable(method string, status int, bodySize int64, reqHeader, respHeader http.Header) bool {
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	if !cacheableStatus[status] {
		return false
	}
	if bodySize > p.MaxBodySize {
		return false
	}

	cc := parseCacheControl(respHeader.Get("Cache-Control"))
	if cc.noStore || cc.private || cc.noCache {
		return false
	}
	if reqHeader.Get("Authorization") != "" && !cc.public {
		return false
	}
	if v := respHeader.Get("Vary"); v != "" {
		for _, tok := range strings.Split(v, ",") {
			if !strings.EqualFold(strings.TrimSpace(tok), "Accept-Encoding") {
				return false
			}
		}
	}
	return true
}

// EffectiveTTL derives the artifact lifetime from response headers, in
// priority order: Cache-Control max-age, then Expires, then the default.
// The result is capped at MaxTTL.
func (p Policy) EffectiveTTL(respHeader http.Header, now time.Time) time.Duration {
	ttl := p.DefaultTTL

	if cc := parseCacheControl(respHeader.Get("Cache-Control")); cc.maxAge >= 0 {
		ttl = time.Duration(cc.maxAge) * time.Second
	} else if exp := respHeader.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			ttl = t.Sub(now)
			if ttl < 0 {
				ttl = 0
			}
		}
	}

	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		ttl = p.MaxTTL
	}
	return ttl
}

type cacheControl struct {
	noStore bool
	noCache bool
	private bool
	public  bool
	maxAge  int // -1 when absent
}

func parseCacheControl(v string) cacheControl {
	cc := cacheControl{maxAge: -1}
	if v == "" {
		return cc
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		switch {
		case part == "no-store":
			cc.noStore = true
		case part == "no-cache":
			cc.noCache = true
		case part == "private":
			cc.private = true
		case part == "public":
			cc.public = true
		case strings.HasPrefix(part, "max-age="):
			if secs, err := strconv.Atoi(strings.TrimPrefix(part, "max-age=")); err == nil && secs >= 0 {
				cc.maxAge = secs
			}
		}
	}
	return cc
}
