package ca

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"sync"
	"testing"
	"time"
)

func testRoot(t *testing.T) *RootCA {
	t.Helper()
	name, _ := ParseDN("Mint Test Root")
	rc, err := GenerateRootCASelfSigned(name)
	if err != nil {
		t.Fatalf("generate root: %v", err)
	}
	return rc
}

func TestMintLeafShape(t *testing.T) {
	m, err := NewMint(testRoot(t), 16, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	cert, err := m.Leaf("a.test")
	if err != nil {
		t.Fatalf("Leaf: %v", err)
	}
	leaf := cert.Leaf
	if leaf == nil {
		t.Fatal("minted certificate should carry a parsed leaf")
	}
	if leaf.Subject.CommonName != "a.test" {
		t.Fatalf("CN = %q", leaf.Subject.CommonName)
	}
	found := false
	for _, n := range leaf.DNSNames {
		if n == "a.test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("SAN missing host, DNSNames=%v", leaf.DNSNames)
	}
	if leaf.IsCA {
		t.Fatal("leaves must never be CA-capable")
	}
	if err := leaf.CheckSignatureFrom(m.root.Cert); err != nil {
		t.Fatalf("leaf not signed by root: %v", err)
	}
	if !leaf.NotBefore.Before(time.Now()) {
		t.Fatal("NotBefore should be backdated")
	}
}

func TestMintStripsPortAndHandlesIP(t *testing.T) {
	m, _ := NewMint(testRoot(t), 16, time.Hour)

	cert, err := m.Leaf("b.test:443")
	if err != nil {
		t.Fatal(err)
	}
	if cert.Leaf.Subject.CommonName != "b.test" {
		t.Fatalf("port should be stripped, CN = %q", cert.Leaf.Subject.CommonName)
	}

	cert, err = m.Leaf("203.0.113.7:443")
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.Leaf.IPAddresses) != 1 || cert.Leaf.IPAddresses[0].String() != "203.0.113.7" {
		t.Fatalf("IP SAN missing: %v", cert.Leaf.IPAddresses)
	}
}

func TestMintKeyMatchesCA(t *testing.T) {
	// generated roots are ECDSA; the leaf key family must match
	m, _ := NewMint(testRoot(t), 16, time.Hour)
	cert, err := m.Leaf("c.test")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cert.PrivateKey.(*ecdsa.PrivateKey); !ok {
		t.Fatalf("leaf key is %T, want ECDSA to match the CA", cert.PrivateKey)
	}
	if _, ok := cert.PrivateKey.(*rsa.PrivateKey); ok {
		t.Fatal("unexpected RSA key under an ECDSA root")
	}
}

func TestMintIdempotentUnderConcurrency(t *testing.T) {
	m, _ := NewMint(testRoot(t), 16, time.Hour)

	const parallel = 32
	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Leaf("burst.test"); err != nil {
				t.Errorf("Leaf: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := m.Signs(); n != 1 {
		t.Fatalf("%d sign operations for one host, want exactly 1", n)
	}
}

func TestMintReusesCachedLeaf(t *testing.T) {
	m, _ := NewMint(testRoot(t), 16, time.Hour)
	c1, _ := m.Leaf("reuse.test")
	c2, _ := m.Leaf("reuse.test")
	if c1.Leaf.SerialNumber.Cmp(c2.Leaf.SerialNumber) != 0 {
		t.Fatal("second Leaf call should reuse the cached certificate")
	}
	if m.Signs() != 1 {
		t.Fatalf("signs = %d", m.Signs())
	}
}

func TestMintLRUEviction(t *testing.T) {
	m, _ := NewMint(testRoot(t), 2, time.Hour)
	_, _ = m.Leaf("one.test")
	_, _ = m.Leaf("two.test")
	_, _ = m.Leaf("three.test") // evicts one.test
	if m.Len() != 2 {
		t.Fatalf("cache holds %d leaves, want 2", m.Len())
	}
	_, _ = m.Leaf("one.test")
	if n := m.Signs(); n != 4 {
		t.Fatalf("signs = %d, want 4 (re-mint after eviction)", n)
	}
}
