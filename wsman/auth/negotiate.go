package auth

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-auth/go-channelbinding"
)

// ErrReauthenticate reports a new challenge to a security context that is
// already established. ChallengeTransport hands the 401 to its caller, which
// renews the engine's context and resends.
var ErrReauthenticate = errors.New("server requested a new security context")

// NegotiateAuth answers Kerberos and Negotiate challenges with the security
// context of a KerberosEngine. Both schemes share the engine's one context.
type NegotiateAuth struct {
	engine *KerberosEngine
	scheme string
	spnego bool
}

// NewNegotiateAuth creates the "Negotiate" scheme (SPNEGO wrapped tokens).
func NewNegotiateAuth(engine *KerberosEngine) *NegotiateAuth {
	return &NegotiateAuth{engine: engine, scheme: "Negotiate", spnego: true}
}

// NewKerberosAuth creates the "Kerberos" scheme (raw Kerberos GSS tokens).
func NewKerberosAuth(engine *KerberosEngine) *NegotiateAuth {
	return &NegotiateAuth{engine: engine, scheme: "Kerberos"}
}

// Name returns the scheme name.
func (a *NegotiateAuth) Name() string {
	return a.scheme
}

// Authorize steps the security context with the server token (empty on the
// first challenge) and returns the resulting Authorization header. The
// request context must carry the engine's Identity.
func (a *NegotiateAuth) Authorize(resp *http.Response, token []byte) (string, error) {
	ctx := context.Background()
	if resp.Request != nil {
		ctx = resp.Request.Context()
	}

	sc, err := a.engine.contextFor(ctx, ContextOptions{
		SPNEGO:         a.spnego,
		ChannelBinding: tlsChannelBinding(resp.TLS),
	})
	if err != nil {
		return "", err
	}
	// A fresh challenge to an established context comes from a new
	// connection. krb5 has nothing more to say, so the caller must renew.
	if len(token) == 0 && sc.Complete() {
		return "", ErrReauthenticate
	}

	var in []byte
	if len(token) > 0 {
		in = token
	}
	out, _, err := sc.Step(ctx, in)
	if err != nil {
		return "", fmt.Errorf("%s step failed: %w", a.scheme, err)
	}
	if len(out) == 0 {
		return "", errors.New("security context produced no token")
	}
	return a.scheme + " " + base64.StdEncoding.EncodeToString(out), nil
}

// tlsChannelBinding returns the tls-server-end-point channel binding of an
// HTTPS connection, or nil for plain HTTP or an unusable certificate.
func tlsChannelBinding(state *tls.ConnectionState) []byte {
	if state == nil || len(state.PeerCertificates) == 0 {
		return nil
	}
	cb, err := channelbinding.MakeTLSChannelBinding(*state, state.PeerCertificates[0], channelbinding.TLSChannelBindingEndpoint)
	if err != nil {
		return nil
	}
	return cb
}
