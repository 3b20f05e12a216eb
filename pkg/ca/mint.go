package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/onixus/bsdm-proxy/pkg/flight"
)

// Mint synthesizes and caches leaf certificates signed by the root CA,
// keyed by SNI host. Leaves are shared across concurrent TLS sessions and
// evicted LRU once the cache is full. Concurrent mints for the same host are
// coalesced so a burst of parallel CONNECTs performs one sign operation.
type Mint struct {
	root    *RootCA
	leafTTL time.Duration
	cache   *lru.Cache[string, tls.Certificate]
	gate    *flight.Gate[tls.Certificate]
	signs   atomic.Uint64
}

// NewMint creates a mint holding at most capacity leaves.
func NewMint(root *RootCA, capacity int, leafTTL time.Duration) (*Mint, error) {
	if root == nil {
		return nil, errors.New("root CA is nil")
	}
	if capacity < 1 {
		capacity = 1
	}
	c, err := lru.New[string, tls.Certificate](capacity)
	if err != nil {
		return nil, err
	}
	return &Mint{
		root:    root,
		leafTTL: leafTTL,
		cache:   c,
		gate:    flight.NewGate[tls.Certificate](),
	}, nil
}

// Leaf returns the leaf certificate for host, minting one if needed.
func (m *Mint) Leaf(host string) (tls.Certificate, error) {
	if cert, ok := m.cache.Get(host); ok {
		return cert, nil
	}

	h, leader := m.gate.Acquire(host)
	if !leader {
		cert, err, promoted := h.Wait(context.Background())
		if !promoted {
			return cert, err
		}
		// promoted: the original minter gave up, this caller signs instead
	}

	// a finished flight may have populated the cache between the miss above
	// and leadership here
	if cert, ok := m.cache.Get(host); ok {
		h.Resolve(cert, nil)
		return cert, nil
	}

	cert, err := m.mint(host)
	if err == nil {
		m.cache.Add(host, cert)
	}
	h.Resolve(cert, err)
	return cert, err
}

// Signs reports how many sign operations the mint has performed. One per
// distinct host while the leaf stays cached.
func (m *Mint) Signs() uint64 { return m.signs.Load() }

// Len reports the number of cached leaves.
func (m *Mint) Len() int { return m.cache.Len() }

// mint creates a new leaf for host: CN = host, SAN covers the host (DNS name
// or IP), validity now-1h .. now+leafTTL, key algorithm matching the CA key.
// Leaves are never CA-capable.
func (m *Mint) mint(host string) (tls.Certificate, error) {
	m.signs.Add(1)

	caSigner, err := m.root.signer()
	if err != nil {
		return tls.Certificate{}, err
	}
	leafKey, err := m.leafKey()
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	hostOnly := host
	if strings.Contains(hostOnly, ":") {
		if h, _, err := net.SplitHostPort(hostOnly); err == nil {
			hostOnly = h
		}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostOnly},
		NotBefore:    now.Add(-1 * time.Hour),
		NotAfter:     now.Add(m.leafTTL),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(hostOnly); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostOnly}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.root.Cert, leafKey.Public(), caSigner)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("sign leaf for %s: %w", hostOnly, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der, m.root.Cert.Raw},
		PrivateKey:  leafKey,
		Leaf:        leaf,
	}, nil
}

// leafKey generates a private key of the same family as the CA key.
func (m *Mint) leafKey() (crypto.Signer, error) {
	switch m.root.Priv.(type) {
	case *rsa.PrivateKey:
		return rsa.GenerateKey(rand.Reader, 2048)
	case *ecdsa.PrivateKey:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported root key type %T", m.root.Priv)
	}
}
