// Package certs generates self-signed ECDSA P-256 certificates for local
// QUIC and WebTransport endpoints, and builds TLS configs that pin a peer by
// its certificate fingerprint instead of a CA chain.
package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

const maxValidity = 14 * 24 * time.Hour // WebTransport hash pinning requires ≤14 days

// ErrFingerprintMismatch is returned by a pinned TLS config when the peer
// presents a certificate other than the pinned one.
var ErrFingerprintMismatch = errors.New("certs: peer certificate fingerprint mismatch")

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// ServerTLS returns a server config presenting the certificate and
// offering the given ALPN protocols.
func (c *CertInfo) ServerTLS(alpn ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS13,
	}
}

// Generate creates a self-signed certificate for localhost plus any extra
// host names or IP addresses, valid for the given duration (capped at 14
// days).
func Generate(validity time.Duration, hosts ...string) (*CertInfo, error) {
	if validity > maxValidity || validity <= 0 {
		validity = maxValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "moqlink"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}

// ParseFingerprint decodes a base64 SHA-256 fingerprint.
func ParseFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("decode fingerprint: %w", err)
	}
	if len(b) != len(fp) {
		return fp, fmt.Errorf("fingerprint is %d bytes, want %d", len(b), len(fp))
	}
	copy(fp[:], b)
	return fp, nil
}

// PinnedClientTLS returns a client config that accepts only a leaf
// certificate whose SHA-256 matches fingerprint.
func PinnedClientTLS(fingerprint [32]byte, alpn ...string) *tls.Config {
	return &tls.Config{
		NextProtos:         alpn,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // replaced by VerifyPeerCertificate
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrFingerprintMismatch
			}
			sum := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(sum[:], fingerprint[:]) {
				return ErrFingerprintMismatch
			}
			return nil
		},
	}
}
