package transport

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/astracat2022/edged/internal/tlsresolver"
)

// clusterServerName is the fixed SAN every node's cluster certificate
// carries; peer identity is established by chain-of-trust to the
// shared cluster CA; the channel does not need per-node hostnames.
const clusterServerName = "edged-cluster"

// NewClusterTLSConfig builds the mutual-TLS config shared by both the
// QUIC listener and every dialed peer connection: each node presents a
// leaf issued by ca, and requires (and verifies) the same from its
// peer. Reusing tlsresolver.OriginCAProvider here means the cluster
// channel and origin-pull verification are backed by the same kind of
// internal CA rather than a second bespoke implementation.
func NewClusterTLSConfig(ca *tlsresolver.OriginCAProvider) (*tls.Config, error) {
	cert, err := ca.Issue(nil, []string{clusterServerName})
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca.CACert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert.TLSCert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ServerName:   clusterServerName,
		NextProtos:   []string{"edged-cluster/1"},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
