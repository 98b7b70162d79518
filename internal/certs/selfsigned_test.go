package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"net"
	"slices"
	"testing"
	"time"
)

func parse(t *testing.T, c *CertInfo) *x509.Certificate {
	t.Helper()
	if len(c.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}
	x, err := x509.ParseCertificate(c.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	return x
}

func TestGenerateDefaults(t *testing.T) {
	t.Parallel()

	cert, err := Generate(Options{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x := parse(t, cert)

	if x.Subject.CommonName != "h264feed" {
		t.Errorf("CommonName = %q, want h264feed", x.Subject.CommonName)
	}
	if validity := x.NotAfter.Sub(x.NotBefore); validity > DefaultValidity+2*time.Minute {
		t.Errorf("validity too long: %v", validity)
	}
	if x.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if want := sha256.Sum256(cert.TLSCert.Certificate[0]); cert.Fingerprint != want {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}
	if got := cert.FingerprintHex(); got != hex.EncodeToString(cert.Fingerprint[:]) || len(got) != 64 {
		t.Errorf("FingerprintHex = %q", got)
	}
	if !slices.Contains(x.DNSNames, "localhost") {
		t.Error("expected localhost in DNS names")
	}
}

func TestGenerateExtraHostsAndCap(t *testing.T) {
	t.Parallel()

	cert, err := Generate(Options{
		CommonName: "edge-7",
		Hosts:      []string{"decoder.lan", "10.1.2.3"},
		Validity:   30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x := parse(t, cert)

	if validity := x.NotAfter.Sub(x.NotBefore); validity > DefaultValidity+2*time.Minute {
		t.Errorf("validity should be capped, got %v", validity)
	}
	if !slices.Contains(x.DNSNames, "decoder.lan") {
		t.Errorf("DNSNames = %v, missing decoder.lan", x.DNSNames)
	}
	found := false
	for _, ip := range x.IPAddresses {
		if ip.Equal(net.ParseIP("10.1.2.3")) {
			found = true
		}
	}
	if !found {
		t.Errorf("IPAddresses = %v, missing 10.1.2.3", x.IPAddresses)
	}

	cfg := cert.TLSConfig("h264feed")
	if len(cfg.Certificates) != 1 || cfg.NextProtos[0] != "h264feed" {
		t.Errorf("TLSConfig = %+v", cfg)
	}
}

func TestPinnedClientConfig(t *testing.T) {
	t.Parallel()

	a, err := Generate(Options{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	b, err := Generate(Options{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	cfg, err := PinnedClientConfig(a.FingerprintBase64())
	if err != nil {
		t.Fatalf("PinnedClientConfig: %v", err)
	}
	if err := cfg.VerifyPeerCertificate(a.TLSCert.Certificate, nil); err != nil {
		t.Errorf("pinned certificate rejected: %v", err)
	}
	if err := cfg.VerifyPeerCertificate(b.TLSCert.Certificate, nil); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("other certificate: got %v, want ErrFingerprintMismatch", err)
	}
	if err := cfg.VerifyPeerCertificate(nil, nil); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("no certificate: got %v, want ErrFingerprintMismatch", err)
	}

	for _, bad := range []string{"not base64!", "AAAA"} {
		if _, err := PinnedClientConfig(bad); err == nil {
			t.Errorf("PinnedClientConfig(%q) succeeded", bad)
		}
	}
}
