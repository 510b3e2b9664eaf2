package tlsresolver

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func selfSigned(t *testing.T, sans []string) *Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: sans[0]},
		DNSNames:     sans,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &Certificate{
		ID:       sans[0],
		Leaf:     leaf,
		TLSCert:  &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
		SANs:     sans,
		NotAfter: leaf.NotAfter,
		Source:   "manual",
	}
}

func TestResolveExactSNI(t *testing.T) {
	store := NewCertStore()
	cert := selfSigned(t, []string{"api.example.com"})
	store.Install(cert, false)

	got, err := store.Resolve("api.example.com")
	if err != nil || got == nil {
		t.Fatalf("expected match, got %v err=%v", got, err)
	}
}

func TestResolveWildcardSNI(t *testing.T) {
	store := NewCertStore()
	cert := selfSigned(t, []string{"*.example.com"})
	store.Install(cert, false)

	got, err := store.Resolve("foo.example.com")
	if err != nil || got == nil {
		t.Fatalf("expected wildcard match, got %v err=%v", got, err)
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	store := NewCertStore()
	def := selfSigned(t, []string{"default.local"})
	store.Install(def, true)

	got, err := store.Resolve("unmatched.example.com")
	if err != nil || got == nil {
		t.Fatalf("expected default cert fallback, got %v err=%v", got, err)
	}
}

func TestResolveNoMatchNoDefaultReturnsNil(t *testing.T) {
	store := NewCertStore()
	got, err := store.Resolve("nope.example.com")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil certificate to trigger unrecognized_name alert")
	}
}

func TestVerifyReplacementRejectsMissingSAN(t *testing.T) {
	cert := selfSigned(t, []string{"a.example.com"})
	if verifyReplacement(cert, []string{"a.example.com", "b.example.com"}) {
		t.Fatalf("expected rejection when replacement drops a SAN")
	}
}

func TestVerifyReplacementAcceptsCoveringCert(t *testing.T) {
	cert := selfSigned(t, []string{"a.example.com", "b.example.com"})
	if !verifyReplacement(cert, []string{"a.example.com"}) {
		t.Fatalf("expected acceptance when replacement covers original SANs")
	}
}

func TestOriginCAIssueAndVerify(t *testing.T) {
	ca, err := NewOriginCAProvider()
	if err != nil {
		t.Fatal(err)
	}
	cert, err := ca.Issue(nil, []string{"origin.internal"})
	if err != nil {
		t.Fatal(err)
	}
	if !ca.VerifyOriginPull(cert.Leaf) {
		t.Fatalf("expected origin-issued leaf to verify against its own CA")
	}

	otherCA, err := NewOriginCAProvider()
	if err != nil {
		t.Fatal(err)
	}
	if otherCA.VerifyOriginPull(cert.Leaf) {
		t.Fatalf("expected unrelated CA to reject the leaf")
	}
}
