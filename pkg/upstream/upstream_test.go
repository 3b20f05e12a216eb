package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSendCollectsBody(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Probe") != "yes" {
			t.Error("request header not forwarded")
		}
		if r.Header.Get("Connection") != "" {
			t.Error("hop-by-hop header leaked to origin")
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = io.WriteString(w, "hello")
	}))
	defer origin.Close()

	c := New(Config{MaxBodyBytes: 1024})
	hdr := http.Header{}
	hdr.Set("X-Probe", "yes")
	hdr.Set("Connection", "keep-alive")

	resp, err := c.Send(context.Background(), "GET", origin.URL, "", hdr, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != "hello" {
		t.Fatalf("got %d %q", resp.Status, resp.Body)
	}
	if resp.Header.Get("ETag") != `"v1"` {
		t.Fatal("response header lost")
	}
	if resp.Overflow != nil {
		t.Fatal("small body should not overflow")
	}
}

func TestSendOverflowStreamsFullBody(t *testing.T) {
	payload := strings.Repeat("z", 4096)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, payload)
	}))
	defer origin.Close()

	c := New(Config{MaxBodyBytes: 100})
	resp, err := c.Send(context.Background(), "GET", origin.URL, "", nil, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Overflow == nil {
		t.Fatal("body over the cap should surface as Overflow")
	}
	defer resp.Overflow.Close()
	if resp.Body != nil {
		t.Fatal("collected body must be nil on overflow")
	}
	got, err := io.ReadAll(resp.Overflow)
	if err != nil {
		t.Fatalf("reading overflow: %v", err)
	}
	if string(got) != payload {
		t.Fatalf("overflow stream lost bytes: %d of %d", len(got), len(payload))
	}
}

func TestSendTimeout(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer origin.Close()

	c := New(Config{MaxBodyBytes: 1024})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, "GET", origin.URL, "", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestSendConnectError(t *testing.T) {
	// a listener that was just closed: connection refused
	origin := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := origin.URL
	origin.Close()

	c := New(Config{MaxBodyBytes: 1024})
	_, err := c.Send(context.Background(), "GET", addr, "", nil, nil)
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("want ErrConnect, got %v", err)
	}
}

func TestSendHeadSkipsBody(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "5")
	}))
	defer origin.Close()

	c := New(Config{MaxBodyBytes: 1024})
	resp, err := c.Send(context.Background(), "HEAD", origin.URL, "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Body) != 0 || resp.Overflow != nil {
		t.Fatal("HEAD must not collect a body")
	}
}

func TestSendDoesNotFollowRedirects(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer origin.Close()

	c := New(Config{MaxBodyBytes: 1024})
	resp, err := c.Send(context.Background(), "GET", origin.URL, "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusFound {
		t.Fatalf("redirect was followed: status %d", resp.Status)
	}
}
