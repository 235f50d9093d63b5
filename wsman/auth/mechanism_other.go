//go:build !windows

package auth

// DefaultMechanism returns the platform's Kerberos mechanism.
// On non-Windows platforms this is the pure Go implementation configured
// from krb5.conf.
func DefaultMechanism(cfg Krb5Config) Mechanism {
	return NewKrb5Mechanism(cfg)
}

// SupportsSSO returns true if the platform can log in as the current user
// without a password.
func SupportsSSO() bool {
	return false
}
