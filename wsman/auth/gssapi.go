package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-auth/go-gssapi/v3"
)

// gssContextFlags are requested for every GSSAPI context.
const gssContextFlags = gssapi.ContextFlagMutual | gssapi.ContextFlagReplay |
	gssapi.ContextFlagSequence | gssapi.ContextFlagConf | gssapi.ContextFlagInteg

// GSSAPIMechanism implements Mechanism over a go-gssapi provider, such as the
// MIT or Heimdal C bindings registered by their provider packages.
type GSSAPIMechanism struct {
	provider gssapi.Provider
}

// NewGSSAPIMechanism wraps provider.
func NewGSSAPIMechanism(provider gssapi.Provider) *GSSAPIMechanism {
	return &GSSAPIMechanism{provider: provider}
}

// NewGSSAPIMechanismByName looks up a registered provider by name.
func NewGSSAPIMechanismByName(name string) (*GSSAPIMechanism, error) {
	p, err := gssapi.NewProvider(name)
	if err != nil {
		return nil, fmt.Errorf("gssapi provider %q: %w", name, err)
	}
	return NewGSSAPIMechanism(p), nil
}

// Name returns "gssapi".
func (m *GSSAPIMechanism) Name() string { return "gssapi" }

// Login acquires initiator credentials for username. When a password is
// given the provider must support password acquisition; otherwise the
// credential comes from the provider's cache (kinit). The debug flag has no
// effect: GSSAPI libraries are traced through their own environment.
func (m *GSSAPIMechanism) Login(ctx context.Context, username, password string, _ bool) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name, err := m.provider.ImportName(username, gssapi.GSS_NT_USER_NAME)
	if err != nil {
		return nil, fmt.Errorf("import name %s: %w", username, err)
	}
	defer name.Release() //nolint:errcheck

	mechs := []gssapi.GssMech{gssapi.GSS_MECH_KRB5}

	var cred gssapi.Credential
	if password != "" {
		pp, ok := m.provider.(gssapi.ProviderExtCredPassword)
		if !ok {
			return nil, fmt.Errorf("gssapi provider %s cannot acquire credentials with a password", m.provider.Name())
		}
		cred, err = pp.AcquireCredentialWithPassword(name, password, 0, mechs, gssapi.CredUsageInitiateOnly)
	} else {
		cred, err = m.provider.AcquireCredential(name, mechs, gssapi.CredUsageInitiateOnly, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire credential for %s: %w", username, err)
	}
	return NewIdentity(username, m.Name(), cred), nil
}

// NewSecContext starts an initiator context for spn ("CLASS/host").
func (m *GSSAPIMechanism) NewSecContext(ctx context.Context, id *Identity, spn string, opts ContextOptions) (SecContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cred, ok := id.Handle().(gssapi.Credential)
	if !ok {
		return nil, fmt.Errorf("identity %s was not created by the gssapi mechanism", id.Principal())
	}

	// GSSAPI host-based names are service@host
	service, host, _ := strings.Cut(spn, "/")
	target, err := m.provider.ImportName(service+"@"+host, gssapi.GSS_NT_HOSTBASED_SERVICE)
	if err != nil {
		return nil, fmt.Errorf("import service name %s: %w", spn, err)
	}

	mech := gssapi.GssMech(gssapi.GSS_MECH_KRB5)
	if opts.SPNEGO {
		mech = gssapi.GSS_MECH_SPNEGO
	}
	initOpts := []gssapi.InitSecContextOption{
		gssapi.WithInitiatorCredential(cred),
		gssapi.WithInitiatorMech(mech),
		gssapi.WithInitiatorFlags(gssContextFlags),
	}
	if len(opts.ChannelBinding) > 0 {
		initOpts = append(initOpts, gssapi.WithInitiatorChannelBinding(&gssapi.ChannelBinding{Data: opts.ChannelBinding}))
	}

	sc, err := m.provider.InitSecContext(target, initOpts...)
	if err != nil {
		_ = target.Release()
		return nil, fmt.Errorf("init security context: %w", err)
	}
	return &gssContext{sc: sc, target: target}, nil
}

// Logout releases the credential.
func (m *GSSAPIMechanism) Logout(id *Identity) error {
	cred, ok := id.Handle().(gssapi.Credential)
	if !ok {
		return fmt.Errorf("identity %s was not created by the gssapi mechanism", id.Principal())
	}
	return cred.Release()
}

// gssContext adapts a gssapi.SecContext to SecContext.
type gssContext struct {
	mu     sync.Mutex
	sc     gssapi.SecContext
	target gssapi.GssName
	info   gssapi.SecContextInfoPartial
	closed bool
}

func (c *gssContext) Step(ctx context.Context, in []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, errors.New("security context closed")
	}
	if c.info.FullyEstablished {
		return nil, false, nil
	}
	out, info, err := c.sc.Continue(in)
	if err != nil {
		return nil, false, err
	}
	c.info = info
	return out, c.sc.ContinueNeeded(), nil
}

func (c *gssContext) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info.FullyEstablished
}

func (c *gssContext) ProtectionReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info.ProtectionReady
}

func (c *gssContext) Wrap(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, conf, err := c.sc.Wrap(plaintext, true, 0)
	if err != nil {
		return nil, err
	}
	if !conf {
		return nil, errors.New("wrap: confidentiality not applied")
	}
	return out, nil
}

func (c *gssContext) Unwrap(token []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, _, _, err := c.sc.Unwrap(token)
	return out, err
}

func (c *gssContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_, err := c.sc.Delete()
	return errors.Join(err, c.target.Release())
}
