package cache

import (
	"net/url"
	"strings"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestFingerprintStable(t *testing.T) {
	u := mustParse(t, "https://a.test/x?b=2&a=1")
	f1 := NewFingerprint("GET", u)
	f2 := NewFingerprint("get", mustParse(t, "https://a.test/x?b=2&a=1"))
	if f1.Key() != f2.Key() {
		t.Fatalf("same request produced different keys: %s vs %s", f1.Key(), f2.Key())
	}
	if len(f1.Key()) != 64 {
		t.Fatalf("key should be hex sha256, got %d chars", len(f1.Key()))
	}
	if !strings.Contains(f1.String(), "https://a.test/x?b=2&a=1") {
		t.Fatalf("String() lost the original URL: %s", f1)
	}
}

func TestFingerprintHeadSharesGet(t *testing.T) {
	u := mustParse(t, "https://a.test/x")
	if NewFingerprint("HEAD", u).Key() != NewFingerprint("GET", u).Key() {
		t.Fatal("HEAD must share the GET fingerprint")
	}
	if NewFingerprint("HEAD", u).Method != "GET" {
		t.Fatal("HEAD should normalize to GET")
	}
}

func TestFingerprintStripsFragment(t *testing.T) {
	withFrag := NewFingerprint("GET", mustParse(t, "https://a.test/x#section"))
	without := NewFingerprint("GET", mustParse(t, "https://a.test/x"))
	if withFrag.Key() != without.Key() {
		t.Fatal("fragment must not affect the fingerprint")
	}
}

func TestFingerprintDistinguishesQueryAndMethod(t *testing.T) {
	u := mustParse(t, "https://a.test/x?a=1")
	v := mustParse(t, "https://a.test/x?a=2")
	if NewFingerprint("GET", u).Key() == NewFingerprint("GET", v).Key() {
		t.Fatal("query must be part of the fingerprint")
	}
	if NewFingerprint("GET", u).Key() == NewFingerprint("POST", u).Key() {
		t.Fatal("method must be part of the fingerprint")
	}
}
