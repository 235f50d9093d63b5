package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"
)

// CertificateTrust decides whether a server certificate chain is trusted.
// chain[0] is the leaf as presented by the server.
type CertificateTrust interface {
	TrustCertificate(chain []*x509.Certificate) error
}

// HostnameVerifier decides whether the leaf certificate is acceptable for
// the host that was dialled.
type HostnameVerifier interface {
	VerifyHostname(host string, leaf *x509.Certificate) error
}

// CertificateTrustFunc adapts a function to CertificateTrust.
type CertificateTrustFunc func(chain []*x509.Certificate) error

// TrustCertificate calls f(chain).
func (f CertificateTrustFunc) TrustCertificate(chain []*x509.Certificate) error { return f(chain) }

// HostnameVerifierFunc adapts a function to HostnameVerifier.
type HostnameVerifierFunc func(host string, leaf *x509.Certificate) error

// VerifyHostname calls f(host, leaf).
func (f HostnameVerifierFunc) VerifyHostname(host string, leaf *x509.Certificate) error {
	return f(host, leaf)
}

// TrustPolicy is a resolved pair of TLS trust strategies. The transport
// applies them without interpreting them. A nil member falls back to the
// system default for that check.
type TrustPolicy struct {
	Certificate CertificateTrust
	Hostname    HostnameVerifier
}

// SystemTrust verifies the chain against Roots, or the system pool when
// Roots is nil.
type SystemTrust struct {
	Roots *x509.CertPool
}

// TrustCertificate implements CertificateTrust.
func (s SystemTrust) TrustCertificate(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return errors.New("no server certificate")
	}
	opts := x509.VerifyOptions{
		Roots:         s.Roots,
		Intermediates: x509.NewCertPool(),
	}
	for _, c := range chain[1:] {
		opts.Intermediates.AddCert(c)
	}
	_, err := chain[0].Verify(opts)
	return err
}

// MatchHostname is the default hostname check (RFC 6125, wildcards allowed
// in the left-most label only).
var MatchHostname HostnameVerifierFunc = func(host string, leaf *x509.Certificate) error {
	return leaf.VerifyHostname(host)
}

// verifyConnection returns a tls.Config VerifyConnection hook for p. host is
// the name that was dialled; when empty the SNI name is used.
func (p TrustPolicy) verifyConnection(host string) func(tls.ConnectionState) error {
	certs := p.Certificate
	if certs == nil {
		certs = SystemTrust{}
	}
	hosts := p.Hostname
	if hosts == nil {
		hosts = MatchHostname
	}
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("transport: server presented no certificate")
		}
		if err := certs.TrustCertificate(cs.PeerCertificates); err != nil {
			return fmt.Errorf("transport: untrusted server certificate: %w", err)
		}
		name := host
		if name == "" {
			name = cs.ServerName
		}
		if err := hosts.VerifyHostname(name, cs.PeerCertificates[0]); err != nil {
			return fmt.Errorf("transport: hostname verification failed: %w", err)
		}
		return nil
	}
}

// dialTLS dials with a per-connection copy of cfg whose hook knows the
// dialled host. The SNI name carried in the connection state is empty for IP
// address targets.
func (p TrustPolicy) dialTLS(cfg *tls.Config) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		c := cfg.Clone()
		if c.ServerName == "" {
			c.ServerName = host
		}
		c.VerifyConnection = p.verifyConnection(c.ServerName)
		d := &tls.Dialer{NetDialer: dialer, Config: c}
		return d.DialContext(ctx, network, addr)
	}
}

// WithTrustPolicy replaces the built-in TLS verification with p. The hook is
// only reached for https URLs.
func WithTrustPolicy(p TrustPolicy) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.trust = &p
	}
}

// applyTrust installs the policy after every other option has run, so a
// later WithTLSConfig cannot drop it.
func (t *HTTPTransport) applyTrust() {
	if t.trust == nil {
		return
	}
	cfg := t.tlsConfig()
	// Go's own chain check runs before the hook and would reject chains the
	// policy accepts.
	cfg.InsecureSkipVerify = true
	// used for connections tunnelled through a proxy
	cfg.VerifyConnection = t.trust.verifyConnection("")
	t.base.DialTLSContext = t.trust.dialTLS(cfg)
}
