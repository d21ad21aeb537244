// Package workloadid sources the agent's X.509 workload identity from a
// local SPIRE agent and turns it into TLS client credentials for the
// connectivity manager's MQTT session.
package workloadid

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// Source wraps an X.509 SVID source obtained from the local SPIRE agent.
type Source struct {
	x509Source *workloadapi.X509Source
}

// NewSource connects to the SPIRE agent at socketPath and fetches an
// initial SVID. A short timeout keeps agent startup from hanging forever
// when no SPIRE agent is reachable — the caller decides whether to fall
// back to a static cert pair or abort.
func NewSource(socketPath string) (*Source, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	x509Source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE agent at %s: %w", socketPath, err)
	}

	svid, err := x509Source.GetX509SVID()
	if err != nil {
		x509Source.Close()
		return nil, fmt.Errorf("fetch initial SVID: %w", err)
	}

	slog.Info("workload identity acquired", "spiffe_id", svid.ID.String(), "socket_path", socketPath)
	return &Source{x509Source: x509Source}, nil
}

// SVID returns the current SPIFFE ID and a stable fingerprint of the leaf
// certificate, useful for correlating MQTT connection logs with the cert
// that was actually presented.
func (s *Source) SVID() (id string, fingerprint uint64, err error) {
	svid, err := s.x509Source.GetX509SVID()
	if err != nil {
		return "", 0, fmt.Errorf("get current SVID: %w", err)
	}
	if len(svid.Certificates) == 0 {
		return "", 0, fmt.Errorf("SVID has no leaf certificate")
	}
	return svid.ID.String(), fingerprintOf(svid.Certificates[0].Raw), nil
}

func fingerprintOf(certDER []byte) uint64 {
	sum := sha256.Sum256(certDER)
	var result uint64
	for i := 0; i < 8; i++ {
		result = (result << 8) | uint64(sum[i])
	}
	return result
}

// ClientTLSConfig returns mTLS client config authorized against any SPIFFE
// ID in the trust domain; the connectivity manager layers its own broker
// hostname/cert validation on top when the broker requires it.
func (s *Source) ClientTLSConfig() (*tls.Config, error) {
	return tlsconfig.MTLSClientConfig(s.x509Source, s.x509Source, tlsconfig.AuthorizeAny()), nil
}

// AuthorizedForTrustDomain restricts presented broker certs to a single
// trust domain, for deployments pinning the fleet's own CA.
func (s *Source) AuthorizedForTrustDomain(trustDomain string) (*tls.Config, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, fmt.Errorf("invalid trust domain %q: %w", trustDomain, err)
	}
	return tlsconfig.MTLSClientConfig(s.x509Source, s.x509Source, tlsconfig.AuthorizeMemberOf(td)), nil
}

// Close releases the SVID source's background watch goroutine.
func (s *Source) Close() error {
	return s.x509Source.Close()
}
