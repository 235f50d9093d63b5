package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smnsjas/go-winrm/wsman/auth"
	"github.com/smnsjas/go-winrm/wsman/transport"
)

// Default ports and path of a WinRM listener.
const (
	DefaultHTTPPort  = 5985
	DefaultHTTPSPort = 5986
	DefaultPath      = "/wsman"

	// DefaultEnvelopeSize is the MaxEnvelopeSize advertised in requests.
	DefaultEnvelopeSize = 153600

	// DefaultLocale is the locale advertised in requests.
	DefaultLocale = "en-US"
)

// Target identifies a WinRM listener.
type Target struct {
	// Scheme is "http" or "https".
	Scheme string
	Host   string
	Port   int
	// Path is the context path, normally /wsman.
	Path string
}

// ParseTarget parses an endpoint URL such as https://server:5986/wsman.
// A missing port or path is filled with the defaults for the scheme.
func ParseTarget(endpoint string) (Target, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return Target{}, fmt.Errorf("parse endpoint: %w", err)
	}
	t := Target{Scheme: strings.ToLower(u.Scheme), Host: u.Hostname(), Path: u.Path}
	if p := u.Port(); p != "" {
		if t.Port, err = strconv.Atoi(p); err != nil {
			return Target{}, fmt.Errorf("parse endpoint port: %w", err)
		}
	}
	return t.withDefaults(), nil
}

func (t Target) withDefaults() Target {
	if t.Scheme == "" {
		t.Scheme = "http"
	}
	if t.Port == 0 {
		t.Port = DefaultHTTPPort
		if t.IsHTTPS() {
			t.Port = DefaultHTTPSPort
		}
	}
	if t.Path == "" {
		t.Path = DefaultPath
	}
	if !strings.HasPrefix(t.Path, "/") {
		t.Path = "/" + t.Path
	}
	return t
}

// IsHTTPS reports whether the target uses TLS, and so whether a trust policy
// applies.
func (t Target) IsHTTPS() bool {
	return strings.EqualFold(t.Scheme, "https")
}

// URL renders the endpoint URL.
func (t Target) URL() string {
	u := url.URL{
		Scheme: t.Scheme,
		Host:   net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
		Path:   t.Path,
	}
	return u.String()
}

func (t Target) String() string { return t.URL() }

// Config holds the immutable configuration of a Client.
type Config struct {
	Target Target

	// Username may be "user" (Basic) or "user@REALM" (Kerberos).
	Username string
	Password string

	// Timeout is the HTTP timeout of a single exchange.
	Timeout time.Duration

	// EnvelopeSize and Locale are advertised by callers building envelopes
	// with Client.NewEnvelope.
	EnvelopeSize int
	Locale       string

	// SPN selects the service principal name form for Kerberos.
	SPN auth.SPNConfig
	// SPNHost and SPNPort override the host and port placed in the SPN,
	// for targets reached through an address the KDC does not know.
	SPNHost string
	SPNPort int

	// KerberosDebug enables the Kerberos mechanism's diagnostic output.
	KerberosDebug bool

	// Mechanism is the Kerberos implementation. Nil selects the platform
	// default built from Krb5.
	Mechanism auth.Mechanism
	Krb5      auth.Krb5Config

	// Trust is applied to HTTPS targets only. The zero value uses the system
	// roots and standard hostname matching.
	Trust transport.TrustPolicy

	// Proxy is passed to transport.WithProxy.
	Proxy string
}

// DefaultConfig returns a Config with the WinRM defaults for host over HTTP.
func DefaultConfig(host string) Config {
	return Config{
		Target:       Target{Scheme: "http", Host: host, Port: DefaultHTTPPort, Path: DefaultPath},
		Timeout:      transport.DefaultTimeout,
		EnvelopeSize: DefaultEnvelopeSize,
		Locale:       DefaultLocale,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Target.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q", c.Target.Scheme)
	}
	if c.Target.Host == "" {
		return errors.New("host is required")
	}
	if c.Target.Port <= 0 || c.Target.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Target.Port)
	}
	if c.Username == "" {
		return errors.New("username is required")
	}
	if c.Password == "" && !auth.SupportsSSO() {
		return errors.New("password is required")
	}
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if c.EnvelopeSize < 0 {
		return errors.New("envelope size must not be negative")
	}
	return nil
}

// spn renders the service principal name for the configured target.
func (c *Config) spn() string {
	host, port := c.Target.Host, c.Target.Port
	if c.SPNHost != "" {
		host = c.SPNHost
	}
	if c.SPNPort != 0 {
		port = c.SPNPort
	}
	return c.SPN.SPN(host, port)
}
