// Package ca implements the root CA and the per-host leaf certificate mint
// used for TLS interception.
//
// Responsibilities:
//   - Parse a DN (flexible formats) into pkix.Name
//   - Load a root CA from combined PEM or separate cert/key files
//   - Generate a self-signed root CA when none is provided
//   - Mint per-host leaf certificates signed by the root CA, cached in
//     memory with LRU eviction and single-flighted per host
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"
)

// RootCA holds the parsed root certificate, its private key and the combined
// PEM bytes. The key is loaded once at startup and never written afterwards.
type RootCA struct {
	Cert *x509.Certificate
	Priv crypto.PrivateKey
	pem  []byte
}

// PEM returns the PEM-encoded root certificate material.
func (r *RootCA) PEM() []byte { return r.pem }

// CheckPEMHasCertAndKey checks combined PEM bytes contain at least one
// CERTIFICATE and one PRIVATE KEY block.
func CheckPEMHasCertAndKey(pemBytes []byte) (hasCert bool, hasKey bool) {
	remain := pemBytes
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			hasCert = true
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			hasKey = true
		}
	}
	return
}

// LoadCombinedRoot loads a combined PEM (certificate + private key).
func LoadCombinedRoot(pemBytes []byte) (*RootCA, error) {
	hasCert, hasKey := CheckPEMHasCertAndKey(pemBytes)
	if !hasCert || !hasKey {
		return nil, fmt.Errorf("combined PEM missing certificate or private key")
	}

	var cert *x509.Certificate
	var key crypto.PrivateKey
	remain := pemBytes
	for {
		var block *pem.Block
		block, remain = pem.Decode(remain)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing certificate block: %w", err)
			}
			if cert == nil {
				cert = c
			}
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing PKCS8 private key: %w", err)
			}
			key = k
		case "RSA PRIVATE KEY":
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing RSA private key: %w", err)
			}
			key = k
		case "EC PRIVATE KEY":
			k, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing EC private key: %w", err)
			}
			key = k
		}
	}

	if cert == nil || key == nil {
		return nil, errors.New("combined PEM did not yield both certificate and key")
	}
	if !cert.IsCA {
		return nil, errors.New("root certificate is not a CA")
	}
	return &RootCA{Cert: cert, Priv: key, pem: pemBytes}, nil
}

// NewRootCAFromFiles loads the root CA from a combined PEM file, or from
// separate cert/key files.
func NewRootCAFromFiles(rootPem, rootCert, rootKey string) (*RootCA, error) {
	if rootPem != "" {
		b, err := os.ReadFile(rootPem)
		if err != nil {
			return nil, fmt.Errorf("read root-pem: %w", err)
		}
		return LoadCombinedRoot(b)
	}
	if rootCert != "" && rootKey != "" {
		cb, err := os.ReadFile(rootCert)
		if err != nil {
			return nil, fmt.Errorf("read root-cert: %w", err)
		}
		kb, err := os.ReadFile(rootKey)
		if err != nil {
			return nil, fmt.Errorf("read root-key: %w", err)
		}
		return LoadCombinedRoot(append(cb, kb...))
	}
	return nil, errors.New("no root CA files provided")
}

// SaveCombined writes the combined PEM to disk atomically. Used only when
// the root was generated at startup and the operator asked to keep it.
func (r *RootCA) SaveCombined(path string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, r.PEM(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ParseDN parses a flexible DN string into pkix.Name.
// Supported formats:
//   - plain string without '=' -> treated as CommonName
//   - slash-style:  "/C=US/ST=.../O=Org/CN=Name"
//   - comma/semicolon style: "CN=Name,O=Org,C=US"
func ParseDN(s string) (pkix.Name, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pkix.Name{}, errors.New("empty dn")
	}
	if !strings.Contains(s, "=") {
		return pkix.Name{CommonName: s}, nil
	}
	parts := splitDN(s)
	name := pkix.Name{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.ToUpper(strings.TrimSpace(kv[0]))
		v := strings.TrimSpace(kv[1])
		switch k {
		case "CN":
			name.CommonName = v
		case "O":
			name.Organization = append(name.Organization, v)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, v)
		case "L":
			name.Locality = append(name.Locality, v)
		case "ST", "S":
			name.Province = append(name.Province, v)
		case "C":
			name.Country = append(name.Country, v)
		default:
			// ignore unknown attributes
		}
	}
	if name.CommonName == "" {
		return name, errors.New("dn must include CN")
	}
	return name, nil
}

func splitDN(s string) []string {
	if strings.HasPrefix(s, "/") {
		s = strings.TrimPrefix(s, "/")
		return strings.Split(s, "/")
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})
}

// GenerateRootCASelfSigned generates an ECDSA P-256 self-signed root
// certificate for the provided pkix.Name.
func GenerateRootCASelfSigned(name pkix.Name) (*RootCA, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	combined := append(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})...)
	return &RootCA{Cert: cert, Priv: priv, pem: combined}, nil
}

// signer exposes the root key for leaf issuance.
func (r *RootCA) signer() (crypto.Signer, error) {
	if s, ok := r.Priv.(crypto.Signer); ok {
		return s, nil
	}
	return nil, fmt.Errorf("unsupported root key type %T", r.Priv)
}
