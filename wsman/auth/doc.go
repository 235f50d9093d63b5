// Package auth provides authentication handlers for WinRM connections.
//
// # Supported Authentication Methods
//
//   - Basic: HTTP Basic authentication with the normalized username
//   - Kerberos: raw Kerberos GSS tokens in the "Kerberos" HTTP scheme
//   - Negotiate: SPNEGO wrapped Kerberos tokens in the "Negotiate" scheme
//
// Schemes are registered on a ChallengeTransport, which answers 401
// challenges and prefers Kerberos over Negotiate over Basic.
//
// # Kerberos
//
// A KerberosEngine logs in once through a Mechanism and owns the single
// security context of a session. The context is created during the first
// challenge, not at login, and becomes protection ready once the server's
// mutual authentication reply has been fed to it. Mechanisms:
//
//   - Krb5Mechanism: pure Go (go-krb5), password, keytab or ccache login
//   - GSSAPIMechanism: any registered go-gssapi provider
//   - SSPIMechanism: Windows SSPI (Windows builds only)
//
// DefaultMechanism picks the platform's choice.
//
// # Usage
//
//	p := auth.NewPrincipal("user@example.com", "password")
//	engine := auth.NewKerberosEngine(auth.DefaultMechanism(auth.Krb5Config{}),
//	    auth.SPNConfig{UseHTTPServiceClass: true}.SPN("server.example.com", 5985))
//	id, err := engine.Login(ctx, p.NormalizedUsername(), p.Password(), false)
//	rt := auth.NewChallengeTransport(http.DefaultTransport,
//	    auth.NewBasicAuth(p), auth.NewKerberosAuth(engine))
//	err = id.Run(ctx, func(ctx context.Context) error {
//	    req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
//	    resp, err := rt.RoundTrip(req)
//	    ...
//	})
package auth
