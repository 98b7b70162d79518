// Package certs generates the self-signed ECDSA P-256 certificate shared by
// the HTTPS status API and the QUIC ingest listener. Clients pin it by its
// SHA-256 fingerprint, published at /api/cert-hash.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// DefaultValidity is the lifetime of a generated certificate. Hash-pinning
// clients reject certificates valid for longer than 14 days.
const DefaultValidity = 14 * 24 * time.Hour

// Options controls certificate generation. The zero value produces a
// "h264feed" certificate for localhost valid for DefaultValidity.
type Options struct {
	CommonName string
	// Hosts are extra DNS names or IP addresses besides localhost.
	Hosts    []string
	Validity time.Duration
}

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

// FingerprintHex returns the SHA-256 fingerprint as lowercase hex.
func (c *CertInfo) FingerprintHex() string {
	return hex.EncodeToString(c.Fingerprint[:])
}

// TLSConfig returns a server configuration presenting the certificate and
// advertising the given ALPN protocols.
func (c *CertInfo) TLSConfig(nextProtos ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS13,
	}
}

// ErrFingerprintMismatch is returned by a pinned client when the server
// presents a different certificate.
var ErrFingerprintMismatch = errors.New("certs: certificate fingerprint mismatch")

// PinnedClientConfig returns a client configuration that accepts exactly
// the certificate whose SHA-256 fingerprint is fingerprintBase64. Chain and
// host name verification are skipped; the pin replaces them.
func PinnedClientConfig(fingerprintBase64 string) (*tls.Config, error) {
	want, err := base64.StdEncoding.DecodeString(fingerprintBase64)
	if err != nil {
		return nil, fmt.Errorf("decode fingerprint: %w", err)
	}
	if len(want) != sha256.Size {
		return nil, fmt.Errorf("fingerprint is %d bytes, want %d", len(want), sha256.Size)
	}
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrFingerprintMismatch
			}
			sum := sha256.Sum256(rawCerts[0])
			if string(sum[:]) != string(want) {
				return ErrFingerprintMismatch
			}
			return nil
		},
	}, nil
}

// Generate creates a new self-signed ECDSA P-256 certificate. Validity is
// capped at DefaultValidity.
func Generate(opts Options) (*CertInfo, error) {
	if opts.Validity > DefaultValidity || opts.Validity <= 0 {
		opts.Validity = DefaultValidity
	}
	if opts.CommonName == "" {
		opts.CommonName = "h264feed"
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	dnsNames := []string{"localhost"}
	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	for _, h := range opts.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else if h != "" {
			dnsNames = append(dnsNames, h)
		}
	}

	// Backdated for clock skew; the total span still respects the cap.
	notBefore := time.Now().Add(-1 * time.Minute)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: opts.CommonName},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(opts.Validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
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
