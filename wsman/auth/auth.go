package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// ErrPrecondition is returned when an operation is invoked in a state that
// does not allow it (login twice, logout before login, and so on).
var ErrPrecondition = errors.New("auth: precondition violated")

// Authenticator is an HTTP authentication scheme driven by a server challenge.
type Authenticator interface {
	// Name returns the authentication scheme name as it appears in
	// WWW-Authenticate and Authorization headers.
	Name() string

	// Authorize answers a challenge. resp is the 401 response carrying the
	// challenge (resp.Request is the request that triggered it) and token is
	// the decoded challenge payload, empty for a bare scheme name.
	// It returns the complete Authorization header value.
	Authorize(resp *http.Response, token []byte) (string, error)
}

// Preemptive is implemented by schemes that may send credentials before a
// challenge once the server has accepted them.
type Preemptive interface {
	Preempt(req *http.Request) (string, bool)
}

// Principal is an immutable username/password pair.
// Usernames of the form user@domain are Kerberos principals.
type Principal struct {
	username   string
	normalized string
	password   string
	kerberos   bool
}

// NewPrincipal builds a principal and normalizes its username.
func NewPrincipal(username, password string) Principal {
	return Principal{
		username:   username,
		normalized: NormalizeUsername(username),
		password:   password,
		kerberos:   strings.Contains(username, "@"),
	}
}

// NormalizeUsername upper-cases the domain part of user@domain.
// A domain that is already all upper case, and the local part, are left alone,
// so the function is idempotent.
func NormalizeUsername(username string) string {
	user, domain, ok := strings.Cut(username, "@")
	if !ok {
		return username
	}
	upper := strings.ToUpper(domain)
	if upper == domain {
		return username
	}
	return user + "@" + upper
}

// Username returns the username as supplied.
func (p Principal) Username() string { return p.username }

// NormalizedUsername returns the username with its Kerberos realm upper-cased.
func (p Principal) NormalizedUsername() string { return p.normalized }

// Password returns the password.
func (p Principal) Password() string { return p.password }

// IsKerberos reports whether the username names a Kerberos principal.
func (p Principal) IsKerberos() bool { return p.kerberos }

// Fixed reports whether normalization changed the username.
func (p Principal) Fixed() bool { return p.username != p.normalized }

// LogValue implements slog.LogValuer. The password is never logged.
func (p Principal) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", p.normalized),
		slog.Bool("kerberos", p.kerberos),
		slog.String("password", "[REDACTED]"),
	)
}
