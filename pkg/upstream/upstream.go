// Package upstream wraps the pooled HTTP(S) client used to contact origin
// servers. It classifies transport failures into a small error taxonomy and
// collects response bodies subject to a size cap.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Error kinds the pipeline switches on. Wrapped values keep the transport
// detail; check with errors.Is.
var (
	ErrConnect      = errors.New("upstream unreachable")
	ErrTLS          = errors.New("upstream tls failure")
	ErrTimeout      = errors.New("upstream timeout")
	ErrProtocol     = errors.New("upstream protocol error")
	ErrBodyTooLarge = errors.New("upstream body exceeds cap")
)

// Config tunes the connection pool and body collection.
type Config struct {
	MaxBodyBytes   int64
	MaxIdlePerHost int
	IdleTimeout    time.Duration
	TLSConfig      *tls.Config
}

// Client is the pooled origin client. Safe for concurrent use; connection
// reuse per (scheme, host, port) is handled by the transport.
type Client struct {
	http    *http.Client
	maxBody int64
}

// Response is a collected origin response. When the body fit under the cap,
// Body holds it and Overflow is nil. When it did not, Body is nil and
// Overflow streams the already-read prefix followed by the live remainder;
// the caller owns closing it.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Overflow io.ReadCloser
}

// New builds a client over a tuned transport.
func New(cfg Config) *Client {
	if cfg.MaxIdlePerHost <= 0 {
		cfg.MaxIdlePerHost = 8
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	transport := &http.Transport{
		Proxy:               nil, // this is the proxy; never chain through another
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:     cfg.TLSConfig,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        cfg.MaxIdlePerHost * 16,
		MaxIdleConnsPerHost: cfg.MaxIdlePerHost,
		IdleConnTimeout:     cfg.IdleTimeout,
		ForceAttemptHTTP2:   false, // responses are re-framed as HTTP/1.1 toward the client
	}
	return &Client{
		http:    &http.Client{Transport: transport, CheckRedirect: noRedirect},
		maxBody: cfg.MaxBodyBytes,
	}
}

// redirects are forwarded to the client as-is, never followed by the proxy.
func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Send forwards a request to the origin and collects the response. Request
// headers are cloned minus hop-by-hop fields; Host is preserved for picky
// origins. Cancellation and deadlines come from ctx.
func (c *Client) Send(ctx context.Context, method, rawURL, host string, header http.Header, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	req.Header = make(http.Header, len(header))
	for k, vv := range header {
		if hopByHop[strings.ToLower(k)] {
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	if host != "" {
		req.Host = host
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(err)
	}

	out := &Response{Status: resp.StatusCode, Header: resp.Header}

	if method == http.MethodHead || resp.StatusCode == http.StatusNoContent {
		_ = resp.Body.Close()
		return out, nil
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, classify(err)
	}
	if int64(len(buf)) > c.maxBody {
		// too big to cache; hand the caller a stream it can still forward
		out.Overflow = &overflowBody{
			Reader: io.MultiReader(bytes.NewReader(buf), resp.Body),
			closer: resp.Body,
		}
		return out, nil
	}
	_ = resp.Body.Close()
	out.Body = buf
	return out, nil
}

type overflowBody struct {
	io.Reader
	closer io.Closer
}

func (o *overflowBody) Close() error { return o.closer.Close() }

// classify maps a transport error onto the package taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		// caller went away; not an upstream fault
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var unkAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) ||
		errors.As(err, &unkAuth) || errors.As(err, &hostErr) {
		return fmt.Errorf("%w: %v", ErrTLS, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	return fmt.Errorf("%w: %v", ErrProtocol, err)
}

// hopByHop lists HTTP/1.x hop-by-hop headers that must not be forwarded.
var hopByHop = map[string]bool{
	"connection":          true,
	"proxy-connection":    true,
	"proxy-authorization": true,
	"keep-alive":          true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}
