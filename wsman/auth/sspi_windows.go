//go:build windows

package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/alexbrainman/sspi"
	"github.com/alexbrainman/sspi/kerberos"
	"github.com/alexbrainman/sspi/negotiate"
)

// sspiContextFlags are requested for every SSPI context.
const sspiContextFlags = sspi.ISC_REQ_MUTUAL_AUTH | sspi.ISC_REQ_REPLAY_DETECT |
	sspi.ISC_REQ_SEQUENCE_DETECT | sspi.ISC_REQ_CONFIDENTIALITY |
	sspi.ISC_REQ_INTEGRITY | sspi.ISC_REQ_CONNECTION

// SSPIMechanism implements Mechanism with the Windows SSPI Kerberos and
// Negotiate packages. An empty password uses the logged-on user (SSO).
type SSPIMechanism struct{}

// NewSSPIMechanism creates the SSPI mechanism.
func NewSSPIMechanism() *SSPIMechanism { return &SSPIMechanism{} }

// Name returns "sspi".
func (m *SSPIMechanism) Name() string { return "sspi" }

// sspiLogin is the identity handle of the SSPI mechanism.
type sspiLogin struct {
	domain, user, password string
	cred                   *sspi.Credentials
}

// Login acquires Kerberos package credentials. SSPI contacts the KDC lazily,
// so errors in the password surface on the first challenge.
func (m *SSPIMechanism) Login(ctx context.Context, username, password string, _ bool) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	user, domain, _ := strings.Cut(username, "@")
	l := &sspiLogin{domain: domain, user: user, password: password}

	var err error
	if password == "" {
		l.cred, err = kerberos.AcquireCurrentUserCredentials()
	} else {
		l.cred, err = kerberos.AcquireUserCredentials(domain, user, password)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire SSPI credentials for %s: %w", username, err)
	}
	return NewIdentity(username, m.Name(), l), nil
}

// NewSecContext creates the client context and its initial token.
func (m *SSPIMechanism) NewSecContext(ctx context.Context, id *Identity, spn string, opts ContextOptions) (SecContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, ok := id.Handle().(*sspiLogin)
	if !ok {
		return nil, fmt.Errorf("identity %s was not created by the sspi mechanism", id.Principal())
	}

	if !opts.SPNEGO {
		var cb []byte
		if len(opts.ChannelBinding) > 0 {
			cb = sspiChannelBindings(opts.ChannelBinding)
		}
		cc, done, tok, err := kerberos.NewClientContextWithChannelBindings(l.cred, spn, sspiContextFlags, cb)
		if err != nil {
			return nil, fmt.Errorf("initialize SSPI kerberos context: %w", err)
		}
		return &sspiContext{client: cc, pending: tok, complete: done}, nil
	}

	// Negotiate credentials are a separate package handle
	var (
		cred *sspi.Credentials
		err  error
	)
	if l.password == "" {
		cred, err = negotiate.AcquireCurrentUserCredentials()
	} else {
		cred, err = negotiate.AcquireUserCredentials(l.domain, l.user, l.password)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire SSPI negotiate credentials: %w", err)
	}
	cc, tok, err := negotiate.NewClientContextWithFlags(cred, spn, sspiContextFlags)
	if err != nil {
		_ = cred.Release()
		return nil, fmt.Errorf("initialize SSPI negotiate context: %w", err)
	}
	return &sspiContext{client: cc, pending: tok, cred: cred}, nil
}

// Logout releases the credentials.
func (m *SSPIMechanism) Logout(id *Identity) error {
	l, ok := id.Handle().(*sspiLogin)
	if !ok {
		return fmt.Errorf("identity %s was not created by the sspi mechanism", id.Principal())
	}
	return l.cred.Release()
}

// sspiClient is the common surface of the kerberos and negotiate client
// contexts.
type sspiClient interface {
	Update(token []byte) (bool, []byte, error)
	EncryptMessage(msg []byte, qop, seqno uint32) ([]byte, error)
	DecryptMessage(msg []byte, seqno uint32) (uint32, []byte, error)
	Release() error
}

type sspiContext struct {
	mu       sync.Mutex
	client   sspiClient
	cred     *sspi.Credentials // owned only for negotiate contexts
	pending  []byte
	complete bool
	sendSeq  uint32
	recvSeq  uint32
}

func (c *sspiContext) Step(ctx context.Context, in []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// The initial token was produced when the context was created.
	if c.pending != nil {
		tok := c.pending
		c.pending = nil
		return tok, !c.complete, nil
	}
	if c.complete {
		return nil, false, nil
	}
	done, out, err := c.client.Update(in)
	if err != nil {
		return nil, false, fmt.Errorf("SSPI update: %w", err)
	}
	c.complete = done
	return out, !done, nil
}

func (c *sspiContext) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

func (c *sspiContext) ProtectionReady() bool { return c.Complete() }

func (c *sspiContext) Wrap(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, errors.New("security context closed")
	}
	// EncryptMessage works in place
	msg := append([]byte(nil), plaintext...)
	out, err := c.client.EncryptMessage(msg, 0, c.sendSeq)
	if err != nil {
		return nil, fmt.Errorf("SSPI encrypt: %w", err)
	}
	c.sendSeq++
	return out, nil
}

func (c *sspiContext) Unwrap(token []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, errors.New("security context closed")
	}
	msg := append([]byte(nil), token...)
	_, out, err := c.client.DecryptMessage(msg, c.recvSeq)
	if err != nil {
		return nil, fmt.Errorf("SSPI decrypt: %w", err)
	}
	c.recvSeq++
	return out, nil
}

func (c *sspiContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.client != nil {
		errs = append(errs, c.client.Release())
		c.client = nil
	}
	if c.cred != nil {
		errs = append(errs, c.cred.Release())
		c.cred = nil
	}
	return errors.Join(errs...)
}

// sspiChannelBindings lays out a SEC_CHANNEL_BINDINGS structure with only
// application data: eight little-endian uint32 header fields followed by
// the data.
func sspiChannelBindings(appData []byte) []byte {
	const headerSize = 32
	buf := make([]byte, headerSize+len(appData))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(appData)))
	binary.LittleEndian.PutUint32(buf[28:32], headerSize)
	copy(buf[headerSize:], appData)
	return buf
}
