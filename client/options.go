package client

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sosodev/duration"

	"github.com/smnsjas/go-winrm/wsman/transport"
)

// Option keys understood by NewFromOptions.
const (
	OptConnectionType        = "connectionType"
	OptPort                  = "port"
	OptCertificateTrust      = "winrmHttpsCertificateTrustStrategy"
	OptHostnameVerification  = "winrmHttpsHostnameVerificationStrategy"
	OptContext               = "winrmContext"
	OptTimeout               = "winrmTimeout"
	OptEnvelopeSize          = "winrmEnvelopSize"
	OptLocale                = "winrmLocale"
	OptKerberosUseHTTPSPN    = "winrmKerberosUseHttpSpn"
	OptKerberosAddPortToSPN  = "winrmKerberosAddPortToSpn"
	OptDebugKerberosAuth     = "winrmDebugKerberosAuth"
	OptKerberosSPNHost       = "winrmKerberosSpnHost"
	OptKerberosSPNPort       = "winrmKerberosSpnPort"
	defaultTimeoutOptionText = "PT60.000S"
)

// Connection types.
const (
	ConnectionHTTP  = "WINRM_HTTP"
	ConnectionHTTPS = "WINRM_HTTPS"
)

// Trust strategy names.
const (
	StrategyStrict            = "STRICT"
	StrategySelfSigned        = "SELF_SIGNED"
	StrategyAllowAll          = "ALLOW_ALL"
	StrategyBrowserCompatible = "BROWSER_COMPATIBLE"
)

// Options is the named option bag of the connection factory layer. Values
// are strings so the bag can be loaded from a flat YAML or properties file.
type Options map[string]string

// Config resolves the bag into a Config for host.
func (o Options) Config(host, username, password string) (Config, error) {
	cfg := DefaultConfig(host)
	cfg.Username = username
	cfg.Password = password

	switch ct := strings.ToUpper(o.get(OptConnectionType, ConnectionHTTP)); ct {
	case ConnectionHTTP:
		cfg.Target.Scheme = "http"
		cfg.Target.Port = DefaultHTTPPort
	case ConnectionHTTPS:
		cfg.Target.Scheme = "https"
		cfg.Target.Port = DefaultHTTPSPort
	default:
		return Config{}, fmt.Errorf("%s: unsupported connection type %q", OptConnectionType, ct)
	}

	var err error
	if v, ok := o[OptPort]; ok && v != "" {
		if cfg.Target.Port, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("%s: %w", OptPort, err)
		}
	}
	cfg.Target.Path = o.get(OptContext, DefaultPath)
	cfg.Target = cfg.Target.withDefaults()

	d, err := duration.Parse(o.get(OptTimeout, defaultTimeoutOptionText))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", OptTimeout, err)
	}
	cfg.Timeout = d.ToTimeDuration()

	if cfg.EnvelopeSize, err = o.integer(OptEnvelopeSize, DefaultEnvelopeSize); err != nil {
		return Config{}, err
	}
	cfg.Locale = o.get(OptLocale, DefaultLocale)

	if cfg.SPN.UseHTTPServiceClass, err = o.boolean(OptKerberosUseHTTPSPN); err != nil {
		return Config{}, err
	}
	if cfg.SPN.AddPort, err = o.boolean(OptKerberosAddPortToSPN); err != nil {
		return Config{}, err
	}
	if cfg.KerberosDebug, err = o.boolean(OptDebugKerberosAuth); err != nil {
		return Config{}, err
	}
	cfg.SPNHost = o[OptKerberosSPNHost]
	if cfg.SPNPort, err = o.integer(OptKerberosSPNPort, 0); err != nil {
		return Config{}, err
	}

	if cfg.Target.IsHTTPS() {
		if cfg.Trust.Certificate, err = CertificateTrustStrategy(o.get(OptCertificateTrust, StrategyStrict)); err != nil {
			return Config{}, err
		}
		if cfg.Trust.Hostname, err = HostnameVerificationStrategy(o.get(OptHostnameVerification, StrategyBrowserCompatible)); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (o Options) get(key, def string) string {
	if v, ok := o[key]; ok && v != "" {
		return v
	}
	return def
}

func (o Options) integer(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func (o Options) boolean(key string) (bool, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// NewFromOptions builds a Client for host from an option bag.
func NewFromOptions(host, username, password string, o Options, opts ...Option) (*Client, error) {
	cfg, err := o.Config(host, username, password)
	if err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return New(cfg, opts...)
}

// CertificateTrustStrategy resolves a certificate trust strategy name.
//
//	STRICT       chain verified against the system roots
//	SELF_SIGNED  a single self-signed certificate is accepted, anything
//	             else is verified as STRICT
//	ALLOW_ALL    every certificate is accepted
func CertificateTrustStrategy(name string) (transport.CertificateTrust, error) {
	switch strings.ToUpper(name) {
	case StrategyStrict:
		return transport.SystemTrust{}, nil
	case StrategySelfSigned:
		return transport.CertificateTrustFunc(trustSelfSigned), nil
	case StrategyAllowAll:
		return transport.CertificateTrustFunc(func([]*x509.Certificate) error { return nil }), nil
	default:
		return nil, fmt.Errorf("%s: unknown strategy %q", OptCertificateTrust, name)
	}
}

func trustSelfSigned(chain []*x509.Certificate) error {
	if len(chain) == 1 {
		leaf := chain[0]
		if leaf.CheckSignatureFrom(leaf) == nil {
			return nil
		}
	}
	return transport.SystemTrust{}.TrustCertificate(chain)
}

// HostnameVerificationStrategy resolves a hostname verification strategy
// name.
//
//	STRICT              the host must equal a DNS name or IP address of the
//	                    certificate exactly, no wildcards
//	BROWSER_COMPATIBLE  RFC 6125 matching with wildcards
//	ALLOW_ALL           no check
func HostnameVerificationStrategy(name string) (transport.HostnameVerifier, error) {
	switch strings.ToUpper(name) {
	case StrategyStrict:
		return transport.HostnameVerifierFunc(matchHostnameExact), nil
	case StrategyBrowserCompatible:
		return transport.MatchHostname, nil
	case StrategyAllowAll:
		return transport.HostnameVerifierFunc(func(string, *x509.Certificate) error { return nil }), nil
	default:
		return nil, fmt.Errorf("%s: unknown strategy %q", OptHostnameVerification, name)
	}
}

var errHostnameMismatch = errors.New("certificate is not valid for host")

func matchHostnameExact(host string, leaf *x509.Certificate) error {
	for _, ip := range leaf.IPAddresses {
		if ip.String() == host {
			return nil
		}
	}
	for _, name := range leaf.DNSNames {
		if !strings.Contains(name, "*") && strings.EqualFold(strings.TrimSuffix(name, "."), strings.TrimSuffix(host, ".")) {
			return nil
		}
	}
	return fmt.Errorf("%w %s", errHostnameMismatch, host)
}
