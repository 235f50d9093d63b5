//go:build windows

package auth

// DefaultMechanism returns the platform's Kerberos mechanism.
// On Windows this is always SSPI: it uses the LSA credential store, and the
// pure Go library has neither krb5.conf nor the MSLSA ccache there.
func DefaultMechanism(Krb5Config) Mechanism {
	return NewSSPIMechanism()
}

// SupportsSSO returns true if the platform can log in as the current user
// without a password.
func SupportsSSO() bool {
	return true
}
