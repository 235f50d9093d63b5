package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Mechanism is a Kerberos implementation: it logs in to a realm and creates
// security contexts for a service.
type Mechanism interface {
	// Name identifies the mechanism in logs ("krb5", "gssapi", "sspi").
	Name() string

	// Login authenticates username to its realm. debug enables the
	// mechanism's own diagnostic output.
	Login(ctx context.Context, username, password string, debug bool) (*Identity, error)

	// NewSecContext creates an initiator context for spn.
	NewSecContext(ctx context.Context, id *Identity, spn string, opts ContextOptions) (SecContext, error)

	// Logout releases the credentials behind id.
	Logout(id *Identity) error
}

// EngineState is the login state of a KerberosEngine.
type EngineState int

// Engine states.
const (
	StateNotLoggedIn EngineState = iota
	StateLoggingIn
	StateLoggedIn
	StateLoggedOut
)

func (s EngineState) String() string {
	switch s {
	case StateNotLoggedIn:
		return "NotLoggedIn"
	case StateLoggingIn:
		return "LoggingIn"
	case StateLoggedIn:
		return "LoggedIn"
	case StateLoggedOut:
		return "LoggedOut"
	default:
		return fmt.Sprintf("EngineState(%d)", int(s))
	}
}

// SPNConfig selects the form of the service principal name. Servers differ
// in which form they register, and a mismatch shows up as a 401.
type SPNConfig struct {
	// UseHTTPServiceClass selects "HTTP" instead of "WSMAN".
	UseHTTPServiceClass bool

	// AddPort appends ":port" to the host.
	AddPort bool
}

// SPN renders the service principal name for host and port.
func (c SPNConfig) SPN(host string, port int) string {
	class := "WSMAN"
	if c.UseHTTPServiceClass {
		class = "HTTP"
	}
	if c.AddPort {
		return class + "/" + net.JoinHostPort(host, strconv.Itoa(port))
	}
	return class + "/" + host
}

// KerberosEngine owns a realm login and the single security context of a
// session. Schemes create the context on the first challenge; the transport
// uses it for message protection.
type KerberosEngine struct {
	mech Mechanism
	spn  string

	mu       sync.Mutex
	state    EngineState
	identity *Identity
	sc       SecContext
}

// NewKerberosEngine creates an engine that authenticates to spn with mech.
func NewKerberosEngine(mech Mechanism, spn string) *KerberosEngine {
	return &KerberosEngine{mech: mech, spn: spn}
}

// SPN returns the service principal name contexts are created for.
func (e *KerberosEngine) SPN() string { return e.spn }

// Mechanism returns the underlying mechanism.
func (e *KerberosEngine) Mechanism() Mechanism { return e.mech }

// State returns the login state.
func (e *KerberosEngine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Login performs the realm login. It may be called at most once; a second
// call, or a call after Logout, fails with ErrPrecondition. A failed login
// leaves the engine logged out.
func (e *KerberosEngine) Login(ctx context.Context, username, password string, debug bool) (*Identity, error) {
	e.mu.Lock()
	if e.state != StateNotLoggedIn {
		state := e.state
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: login called in state %s", ErrPrecondition, state)
	}
	e.state = StateLoggingIn
	e.mu.Unlock()

	id, err := e.mech.Login(ctx, username, password, debug)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = StateLoggedOut
		return nil, fmt.Errorf("kerberos login of %s: %w", username, err)
	}
	e.identity = id
	e.state = StateLoggedIn
	return id, nil
}

// Identity returns the logged in identity, or nil.
func (e *KerberosEngine) Identity() *Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// Context returns the live security context, nil until the first challenge.
func (e *KerberosEngine) Context() SecContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sc
}

// Established reports whether the security context is fully established.
func (e *KerberosEngine) Established() bool {
	sc := e.Context()
	return sc != nil && sc.Complete()
}

// ProtectionReady reports whether messages can be wrapped.
func (e *KerberosEngine) ProtectionReady() bool {
	sc := e.Context()
	return sc != nil && sc.ProtectionReady()
}

// contextFor returns the session's security context, creating it on first
// use. The identity must be attached to ctx.
func (e *KerberosEngine) contextFor(ctx context.Context, opts ContextOptions) (SecContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sc != nil {
		return e.sc, nil
	}
	if e.state != StateLoggedIn {
		return nil, fmt.Errorf("%w: security context requested in state %s", ErrPrecondition, e.state)
	}
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return nil, errors.New("no authenticated identity in request context")
	}
	if id != e.identity {
		return nil, errors.New("request identity does not belong to this engine")
	}
	sc, err := e.mech.NewSecContext(ctx, id, e.spn, opts)
	if err != nil {
		return nil, fmt.Errorf("create security context for %s: %w", e.spn, err)
	}
	e.sc = sc
	return sc, nil
}

// Renew discards the security context so the next challenge creates a new
// one under the same login. A server binds the context to the connection
// that established it, so a session that has to open a new connection
// must authenticate it again.
func (e *KerberosEngine) Renew() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateLoggedIn {
		return fmt.Errorf("%w: renew called in state %s", ErrPrecondition, e.state)
	}
	sc := e.sc
	e.sc = nil
	if sc == nil {
		return nil
	}
	if err := sc.Close(); err != nil {
		return fmt.Errorf("close security context: %w", err)
	}
	return nil
}

// Logout closes the security context and releases the login. It is best
// effort: the engine always ends in StateLoggedOut and the first error, if
// any, is returned for the caller to report. Logout before Login fails with
// ErrPrecondition.
func (e *KerberosEngine) Logout() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateNotLoggedIn:
		return fmt.Errorf("%w: logout before login", ErrPrecondition)
	case StateLoggedOut:
		return nil
	}
	e.state = StateLoggedOut

	var errs []error
	if e.sc != nil {
		if err := e.sc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close security context: %w", err))
		}
	}
	if e.identity != nil {
		if err := e.mech.Logout(e.identity); err != nil {
			errs = append(errs, fmt.Errorf("logout: %w", err))
		}
	}
	e.sc = nil
	e.identity = nil
	return errors.Join(errs...)
}
