package tlsresolver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/acme"
)

// Provider issues or renews a Certificate for a set of SANs. The three
// variants mirror spec §3's Certificate.source tag (Manual | OriginCA |
// Acme); only ACME does network I/O.
type Provider interface {
	Issue(ctx context.Context, sans []string) (*Certificate, error)
	Source() string
}

// ACMEProvider drives golang.org/x/crypto/acme's HTTP-01/DNS-01
// challenge flow, the same library the teacher wires through
// autocert.Manager in server.go; this module talks to the low-level
// acme.Client directly so it can serve the challenge through the
// vhost router (component B) instead of autocert's built-in HTTP
// handler, since spec §4.B must own all request routing.
type ACMEProvider struct {
	Client      *acme.Client
	AccountKey  interface{}
	ChallengeFn func(token, keyAuth string) // registers the HTTP-01 response with the router
}

func NewACMEProvider(directoryURL string) (*ACMEProvider, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &ACMEProvider{
		Client:     &acme.Client{DirectoryURL: directoryURL, Key: key},
		AccountKey: key,
	}, nil
}

func (p *ACMEProvider) Source() string { return "acme" }

func (p *ACMEProvider) Issue(ctx context.Context, sans []string) (*Certificate, error) {
	if _, err := p.Client.Register(ctx, &acme.Account{}, acme.AcceptTOS); err != nil && err != acme.ErrAccountAlreadyExists {
		return nil, fmt.Errorf("acme register: %w", err)
	}

	order, err := p.Client.AuthorizeOrder(ctx, acme.DomainIDs(sans...))
	if err != nil {
		return nil, fmt.Errorf("acme authorize order: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		authz, err := p.Client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, err
		}
		if authz.Status == acme.StatusValid {
			continue
		}
		var chal *acme.Challenge
		for _, c := range authz.Challenges {
			if c.Type == "http-01" {
				chal = c
				break
			}
		}
		if chal == nil {
			return nil, fmt.Errorf("no http-01 challenge offered for %s", authz.Identifier.Value)
		}
		keyAuth, err := p.Client.HTTP01ChallengeResponse(chal.Token)
		if err != nil {
			return nil, err
		}
		if p.ChallengeFn != nil {
			p.ChallengeFn(chal.Token, keyAuth)
		}
		if _, err := p.Client.Accept(ctx, chal); err != nil {
			return nil, fmt.Errorf("acme accept challenge: %w", err)
		}
		if _, err := p.Client.WaitAuthorization(ctx, authzURL); err != nil {
			return nil, fmt.Errorf("acme wait authorization: %w", err)
		}
	}

	certKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	csr, err := buildCSR(certKey, sans)
	if err != nil {
		return nil, err
	}
	der, certURL, err := p.Client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("acme finalize: %w", err)
	}
	return certFromDER(certURL, sans, "acme", order.AuthzURLs, certKey, der)
}

func buildCSR(key *rsa.PrivateKey, sans []string) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: sans[0]},
		DNSNames: sans,
	}
	return x509.CreateCertificateRequest(rand.Reader, tmpl, key)
}

func certFromDER(id string, sans []string, source string, _ []string, key *rsa.PrivateKey, der [][]byte) (*Certificate, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("acme finalize: empty certificate chain")
	}
	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, fmt.Errorf("acme finalize: parse leaf: %w", err)
	}
	tlsCert := &tls.Certificate{Certificate: der, PrivateKey: key, Leaf: leaf}
	return &Certificate{ID: id, Leaf: leaf, TLSCert: tlsCert, SANs: sans, Source: source, NotAfter: leaf.NotAfter}, nil
}

// OriginCAProvider issues certificates from an internal CA keypair
// instead of a public ACME authority — used for cluster-internal mTLS
// between edge nodes and for origin-pull verification (spec's
// origin_pull supplement, grounded on original_source/ssl/cloudflare.rs).
type OriginCAProvider struct {
	CAKey  *ecdsa.PrivateKey
	CACert *x509.Certificate
}

func NewOriginCAProvider() (*OriginCAProvider, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "edged origin CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(5 * 365 * 24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, err
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &OriginCAProvider{CAKey: caKey, CACert: caCert}, nil
}

func (p *OriginCAProvider) Source() string { return "origin_ca" }

func (p *OriginCAProvider) Issue(_ context.Context, sans []string) (*Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: sans[0]},
		DNSNames:     sans,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, p.CACert, &leafKey.PublicKey, p.CAKey)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	tlsCert := &tls.Certificate{Certificate: [][]byte{der, p.CACert.Raw}, PrivateKey: leafKey, Leaf: leaf}
	return &Certificate{ID: sans[0], Leaf: leaf, TLSCert: tlsCert, SANs: sans, NotAfter: leaf.NotAfter, Source: "origin_ca"}, nil
}

// VerifyOriginPull checks a peer certificate against this CA, for
// vhosts configured with require_origin_pull (spec supplement from
// original_source/ssl/cloudflare.rs): it reports whether cert chains
// to the origin CA. Nothing on the request path calls it, so
// require_origin_pull is carried on VirtualHost but not enforced.
func (p *OriginCAProvider) VerifyOriginPull(cert *x509.Certificate) bool {
	pool := x509.NewCertPool()
	pool.AddCert(p.CACert)
	_, err := cert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	return err == nil
}

// ManualProvider wraps a certificate loaded from disk (PEM files);
// Issue is a no-op reload of whatever Cert already holds, since manual
// certs have no automated renewal (spec §4.A scopes renewal to ACME and
// Origin CA only).
type ManualProvider struct {
	Cert *Certificate
}

func (p *ManualProvider) Source() string { return "manual" }

func (p *ManualProvider) Issue(_ context.Context, _ []string) (*Certificate, error) {
	if p.Cert == nil {
		return nil, fmt.Errorf("manual certificate not loaded")
	}
	return p.Cert, nil
}
