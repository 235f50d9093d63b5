package auth

import "context"

// SecurityProvider handles the low-level authentication token exchange.
// It abstracts the differences between the pure-Go Kerberos context, GSSAPI
// providers and Windows SSPI.
//
// # Thread Safety
//
// SecurityProvider implementations are NOT safe for concurrent use.
// The WinRM client serializes every exchange, so one provider serves one
// session.
//
// # Authentication Flow
//
// The typical flow is:
//  1. Client calls Step(nil) -> returns Initial Token
//  2. Client sends Token to Server
//  3. Server responds with Server Token (mutual authentication reply)
//  4. Client calls Step(Server Token) -> context established
//  5. Repeat until Complete() returns true.
type SecurityProvider interface {
	// Step processes an input token (challenge) and produces an output token (response).
	// On the first call, inputToken should be nil.
	// Returns:
	// - outputToken: The bytes to send to the server, possibly empty
	// - continueNeeded: True if more steps are expected (GSS_S_CONTINUE_NEEDED)
	// - err: Any error that occurred
	Step(ctx context.Context, inputToken []byte) (outputToken []byte, continueNeeded bool, err error)

	// Complete returns true if the security context has been successfully established.
	Complete() bool

	// Close releases any resources associated with the context (e.g. handles).
	Close() error
}

// SecContext is a security context that can also protect messages.
type SecContext interface {
	SecurityProvider

	// ProtectionReady reports whether Wrap and Unwrap may be used.
	ProtectionReady() bool

	// Wrap seals plaintext into a single GSS wrap token.
	Wrap(plaintext []byte) ([]byte, error)

	// Unwrap opens a wrap token produced by the acceptor.
	Unwrap(token []byte) ([]byte, error)
}

// ContextOptions controls how a security context is created.
type ContextOptions struct {
	// SPNEGO wraps the initial token in a NegTokenInit (HTTP Negotiate scheme).
	// Otherwise a raw Kerberos GSS token is produced (HTTP Kerberos scheme).
	SPNEGO bool

	// ChannelBinding is the application data of the channel bindings,
	// typically "tls-server-end-point:" followed by the certificate hash.
	ChannelBinding []byte
}
