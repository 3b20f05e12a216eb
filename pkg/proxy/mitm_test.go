package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onixus/bsdm-proxy/pkg/events"
)

// openTunnel dials the proxy, issues CONNECT for target and verifies the
// literal reply, returning the raw connection ready for the TLS handshake.
func openTunnel(t *testing.T, proxyAddr, target string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)

	reply := make([]byte, len(connectEstablished))
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read CONNECT reply: %v", err)
	}
	if string(reply) != connectEstablished {
		t.Fatalf("CONNECT reply = %q", reply)
	}
	return conn
}

func TestConnectTunnelEndToEnd(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = io.WriteString(w, "secure")
	}))
	defer origin.Close()
	target := strings.TrimPrefix(origin.URL, "https://")

	p := startProxy(t, 10_000_000)

	runOnce := func() (string, string) {
		conn := openTunnel(t, p.addr, target)
		defer conn.Close()

		tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
		if err := tlsConn.Handshake(); err != nil {
			t.Fatalf("client handshake: %v", err)
		}

		fmt.Fprintf(tlsConn, "GET / HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", target)
		resp, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
		if err != nil {
			t.Fatalf("read inner response: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body), resp.Header.Get("X-Cache")
	}

	body, xc := runOnce()
	if body != "secure" || xc != "MISS" {
		t.Fatalf("first tunnel request: body=%q x-cache=%s", body, xc)
	}
	body, xc = runOnce()
	if body != "secure" || xc != "HIT" {
		t.Fatalf("second tunnel request: body=%q x-cache=%s", body, xc)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("origin contacted %d times, want 1", n)
	}

	// the inner request is attributed to its https URL
	deadline := time.After(2 * time.Second)
	for {
		if ev := p.sink.find(func(e events.Event) bool {
			return e.URL == "https://"+target+"/" && e.CacheStatus == events.CacheMiss
		}); ev != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("tunnel cache event never arrived")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestTunnelPresentsLeafForConnectTarget(t *testing.T) {
	p := startProxy(t, 10_000_000)

	conn := openTunnel(t, p.addr, "203.0.113.9:443")
	defer conn.Close()

	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		t.Fatal("no certificate presented")
	}
	leaf := certs[0]
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "203.0.113.9" {
		t.Fatalf("leaf should cover the CONNECT target IP, got %v", leaf.IPAddresses)
	}
}

// The leaf follows the ClientHello SNI, not the CONNECT authority.
func TestTunnelSelectsCertBySNI(t *testing.T) {
	p := startProxy(t, 10_000_000)

	conn := openTunnel(t, p.addr, "203.0.113.9:443")
	defer conn.Close()

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         "proxy.bsdm.test",
		InsecureSkipVerify: true,
	})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	leaf := tlsConn.ConnectionState().PeerCertificates[0]
	ok := leaf.Subject.CommonName == "proxy.bsdm.test"
	for _, n := range leaf.DNSNames {
		if n == "proxy.bsdm.test" {
			ok = true
		}
	}
	if !ok {
		t.Fatalf("certificate ignores SNI; CN=%q DNSNames=%v", leaf.Subject.CommonName, leaf.DNSNames)
	}
}

func TestTunnelKeepAlive(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	defer origin.Close()
	target := strings.TrimPrefix(origin.URL, "https://")

	p := startProxy(t, 10_000_000)

	conn := openTunnel(t, p.addr, target)
	defer conn.Close()
	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(tlsConn)

	// two sequential requests on one tunnel
	for _, path := range []string{"/first", "/second"} {
		fmt.Fprintf(tlsConn, "GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", path, target)
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("request %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != path {
			t.Fatalf("request %s got %q", path, body)
		}
	}
	if n := hits.Load(); n != 2 {
		t.Fatalf("origin saw %d requests, want 2", n)
	}
}

func TestConnectInsideTunnelRejected(t *testing.T) {
	p := startProxy(t, 10_000_000)

	conn := openTunnel(t, p.addr, "inner.test:443")
	defer conn.Close()
	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(tlsConn, "CONNECT other.test:443 HTTP/1.1\r\nHost: other.test:443\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("nested CONNECT got %d, want 400", resp.StatusCode)
	}
}
