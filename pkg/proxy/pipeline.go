package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/onixus/bsdm-proxy/pkg/cache"
	"github.com/onixus/bsdm-proxy/pkg/events"
	"github.com/onixus/bsdm-proxy/pkg/upstream"
)

// handleRequest drives one client request through the pipeline:
// classify -> lookup -> single-flight -> fetch -> store -> respond -> emit.
// The returned flag tells the connection loop whether to keep reading.
//
// Range requests always bypass the cache. Responses whose body exceeds the
// cap are forwarded in full to this client but never stored; single-flight
// waiters of such a fetch receive the shared error instead, since a live
// stream cannot be replayed.
func (s *Server) handleRequest(ctx context.Context, conn net.Conn, req *http.Request, isTLS bool) (keepAlive bool) {
	start := time.Now()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncTotalRequests()
	}

	u, err := requestURL(req, isTLS)
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("request without usable target")
		writeError(conn, http.StatusBadRequest)
		return false
	}
	principal := principalFrom(req.Header)

	// Classify: only GET/HEAD without a Range header take the cache path.
	if (req.Method != http.MethodGet && req.Method != http.MethodHead) || req.Header.Get("Range") != "" {
		return s.bypass(ctx, conn, req, u, principal, start)
	}

	fp := cache.NewFingerprint(req.Method, u)

	if art := s.cfg.Store.Get(fp); art != nil {
		s.respondArtifact(ctx, conn, req, fp, art, events.CacheHit, start, principal, "")
		return !req.Close
	}

	h, leader := s.cfg.Gate.Acquire(fp.Key())
	for {
		if leader {
			return s.fetchAsLeader(ctx, conn, req, u, fp, h, principal, start)
		}

		art, werr, promoted := h.Wait(ctx)
		if promoted {
			leader = true
			continue
		}
		if werr != nil {
			status := errorStatus(werr)
			writeError(conn, status)
			s.emit(fp, req.Method, status, events.CacheMiss, "", principal, start, 0)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.IncOriginErrors()
			}
			log.Ctx(ctx).Warn().Err(werr).Str("url", fp.URL).Msg("coalesced fetch failed")
			return false
		}
		// The shared artifact satisfied this request without its own
		// upstream fetch, so it counts as a hit.
		s.respondArtifact(ctx, conn, req, fp, art, events.CacheHit, start, principal, "")
		return !req.Close
	}
}

// fetchAsLeader performs the single origin fetch for fp and publishes the
// outcome to the completion handle.
func (s *Server) fetchAsLeader(ctx context.Context, conn net.Conn, req *http.Request, u *url.URL, fp cache.Fingerprint, h flightHandle, principal string, start time.Time) (keepAlive bool) {
	fetchCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.FetchTimeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	// HEAD is cached under the GET fingerprint, so fetch the full body.
	resp, err := s.cfg.Upstream.Send(fetchCtx, fp.Method, u.String(), req.Host, req.Header, nil)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// this client went away; hand the fetch to a waiter
			h.Abandon()
			return false
		}
		h.Resolve(nil, err)
		status := errorStatus(err)
		writeError(conn, status)
		s.emit(fp, req.Method, status, events.CacheMiss, u.Host, principal, start, 0)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncOriginErrors()
		}
		log.Ctx(ctx).Error().Err(err).Str("url", fp.URL).Msg("origin fetch failed")
		return false
	}

	if resp.Overflow != nil {
		h.Resolve(nil, fmt.Errorf("%w (%s)", upstream.ErrBodyTooLarge, fp.URL))
		defer resp.Overflow.Close()

		writeResponseHead(conn, resp.Status, resp.Header, -1, events.CacheBypass, false)
		var copied int64
		if req.Method != http.MethodHead {
			copied, _ = io.Copy(conn, resp.Overflow)
		}
		s.emit(fp, req.Method, resp.Status, events.CacheBypass, u.Host, principal, start, copied)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncBypass()
			s.cfg.Metrics.ObserveDuration(events.CacheBypass, time.Since(start).Seconds())
		}
		log.Ctx(ctx).Info().Str("url", fp.URL).Str("outcome", events.CacheBypass).
			Dur("latency", time.Since(start)).Msg("streamed oversized origin response")
		return false
	}

	art := cache.NewArtifact(resp.Status, filterHopByHop(resp.Header), resp.Body)

	if s.cfg.Policy.Cacheable(fp.Method, resp.Status, int64(len(resp.Body)), req.Header, resp.Header) {
		ttl := s.cfg.Policy.EffectiveTTL(resp.Header, time.Now())
		s.cfg.Store.Insert(fp, art, ttl)
		h.Resolve(art, nil)
		s.respondArtifact(ctx, conn, req, fp, art, events.CacheMiss, start, principal, u.Host)
		return !req.Close
	}

	// Not storable; waiters still share the fetched response.
	h.Resolve(art, nil)
	s.respondArtifact(ctx, conn, req, fp, art, events.CacheBypass, start, principal, u.Host)
	return !req.Close
}

// bypass forwards a request the cache never touches (non-GET/HEAD methods,
// Range requests) and streams the origin response back.
func (s *Server) bypass(ctx context.Context, conn net.Conn, req *http.Request, u *url.URL, principal string, start time.Time) (keepAlive bool) {
	fp := cache.NewFingerprint(req.Method, u)

	fetchCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.FetchTimeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	resp, err := s.cfg.Upstream.Send(fetchCtx, req.Method, u.String(), req.Host, req.Header, req.Body)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		status := errorStatus(err)
		writeError(conn, status)
		s.emit(fp, req.Method, status, events.CacheBypass, u.Host, principal, start, 0)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncOriginErrors()
		}
		log.Ctx(ctx).Error().Err(err).Str("url", fp.URL).Msg("bypass fetch failed")
		return false
	}

	var size int64
	if resp.Overflow != nil {
		defer resp.Overflow.Close()
		writeResponseHead(conn, resp.Status, resp.Header, -1, events.CacheBypass, false)
		if req.Method != http.MethodHead {
			size, _ = io.Copy(conn, resp.Overflow)
		}
		keepAlive = false
	} else {
		writeResponseHead(conn, resp.Status, resp.Header, int64(len(resp.Body)), events.CacheBypass, !req.Close)
		if req.Method != http.MethodHead {
			n, _ := conn.Write(resp.Body)
			size = int64(n)
		}
		keepAlive = !req.Close
	}

	s.emit(fp, req.Method, resp.Status, events.CacheBypass, u.Host, principal, start, size)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncBypass()
		s.cfg.Metrics.ObserveDuration(events.CacheBypass, time.Since(start).Seconds())
	}
	log.Ctx(ctx).Info().Str("url", fp.URL).Str("method", req.Method).
		Str("outcome", events.CacheBypass).Dur("latency", time.Since(start)).Msg("forwarded")
	return keepAlive
}

// respondArtifact serves an artifact and emits the matching event. A HEAD
// request gets the stored headers and Content-Length but no body.
func (s *Server) respondArtifact(ctx context.Context, conn net.Conn, req *http.Request, fp cache.Fingerprint, art *cache.Artifact, decision string, start time.Time, principal, upstreamHost string) {
	keep := !req.Close
	writeArtifactHead(conn, art, decision, keep)
	size := int64(len(art.Body))
	if req.Method != http.MethodHead {
		_, _ = conn.Write(art.Body)
	}

	s.emit(fp, req.Method, art.Status, decision, upstreamHost, principal, start, size)
	if s.cfg.Metrics != nil {
		switch decision {
		case events.CacheHit:
			s.cfg.Metrics.IncHit()
		case events.CacheMiss:
			s.cfg.Metrics.IncMiss()
		case events.CacheBypass:
			s.cfg.Metrics.IncBypass()
		}
		s.cfg.Metrics.ObserveDuration(decision, time.Since(start).Seconds())
	}
	log.Ctx(ctx).Info().Str("url", fp.URL).Str("outcome", decision).
		Dur("latency", time.Since(start)).Msg("served")
}

// emit publishes the cache event for one completed request; nil-safe.
func (s *Server) emit(fp cache.Fingerprint, method string, status int, decision, upstreamHost, principal string, start time.Time, size int64) {
	if s.cfg.Events == nil {
		return
	}
	s.cfg.Events.Publish(events.Event{
		Fingerprint:  fp.Key(),
		Method:       strings.ToUpper(method),
		URL:          fp.URL,
		Status:       status,
		CacheStatus:  decision,
		UpstreamHost: upstreamHost,
		TimestampMS:  time.Now().UnixMilli(),
		LatencyMS:    time.Since(start).Milliseconds(),
		SizeBytes:    size,
		Principal:    principal,
	})
}

// requestURL resolves the absolute origin URL for a request: proxy-form
// requests carry it whole, origin-form requests (inside a tunnel) combine
// the Host header with the request target. Default ports are stripped so
// fingerprints stay stable.
func requestURL(req *http.Request, isTLS bool) (*url.URL, error) {
	u := *req.URL
	if u.Scheme == "" {
		if isTLS {
			u.Scheme = "https"
		} else {
			u.Scheme = "http"
		}
	}
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Host == "" {
		return nil, errors.New("no host in request")
	}
	if host, port, err := net.SplitHostPort(u.Host); err == nil {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = host
		}
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawFragment = ""
	return &u, nil
}

// errorStatus maps an upstream error kind to the client-facing status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, upstream.ErrConnect),
		errors.Is(err, upstream.ErrTLS),
		errors.Is(err, upstream.ErrProtocol),
		errors.Is(err, upstream.ErrBodyTooLarge):
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func filterHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		out[k] = vv
	}
	return out
}

// writeArtifactHead writes the status line and headers for a cached
// artifact, including Content-Length and the X-Cache decision.
func writeArtifactHead(w io.Writer, art *cache.Artifact, outcome string, keepAlive bool) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", art.Status, http.StatusText(art.Status))
	for _, h := range art.Headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(w, "Content-Length: %d\r\n", len(art.Body))
	fmt.Fprintf(w, "X-Cache: %s\r\n", outcome)
	writeConnectionHeader(w, keepAlive)
}

// writeResponseHead writes a live origin response head. contentLength < 0
// means the length is unknown and the connection will close after the body.
func writeResponseHead(w io.Writer, status int, header http.Header, contentLength int64, outcome string, keepAlive bool) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for k, vv := range header {
		if hopByHopHeaders[strings.ToLower(k)] || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vv {
			fmt.Fprintf(w, "%s: %s\r\n", k, v)
		}
	}
	if contentLength >= 0 {
		fmt.Fprintf(w, "Content-Length: %d\r\n", contentLength)
	} else {
		keepAlive = false
	}
	fmt.Fprintf(w, "X-Cache: %s\r\n", outcome)
	writeConnectionHeader(w, keepAlive)
}

func writeConnectionHeader(w io.Writer, keepAlive bool) {
	if keepAlive {
		fmt.Fprintf(w, "Connection: keep-alive\r\n\r\n")
	} else {
		fmt.Fprintf(w, "Connection: close\r\n\r\n")
	}
}

// writeError writes a terse error response and implies connection close.
func writeError(w io.Writer, status int) {
	text := http.StatusText(status)
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, text, len(text), text)
}
