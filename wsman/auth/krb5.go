package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/go-krb5/krb5/client"
	"github.com/go-krb5/krb5/config"
	"github.com/go-krb5/krb5/credentials"
	"github.com/go-krb5/krb5/keytab"
)

// DefaultKrb5ConfPath is used when neither Krb5ConfPath nor KRB5_CONFIG is set.
const DefaultKrb5ConfPath = "/etc/krb5.conf"

// Krb5Config configures the pure Go Kerberos mechanism.
type Krb5Config struct {
	// Krb5ConfPath is the path to krb5.conf.
	// Defaults to $KRB5_CONFIG, then /etc/krb5.conf.
	Krb5ConfPath string

	// Krb5Conf, when set, is used instead of loading Krb5ConfPath.
	Krb5Conf *config.Config

	// KeytabPath logs in with a keytab instead of the password (optional).
	KeytabPath string

	// CCachePath uses an existing credential cache, e.g. after kinit (optional).
	CCachePath string

	// DebugOutput receives the Kerberos library log and a diagnostics dump
	// when login is called with debug enabled. Defaults to os.Stderr.
	DebugOutput io.Writer
}

// Krb5Mechanism implements Mechanism with the pure Go go-krb5 library.
// It works on every platform and needs no system Kerberos libraries.
type Krb5Mechanism struct {
	cfg Krb5Config
}

// NewKrb5Mechanism creates the pure Go mechanism.
func NewKrb5Mechanism(cfg Krb5Config) *Krb5Mechanism {
	return &Krb5Mechanism{cfg: cfg}
}

// Name returns "krb5".
func (m *Krb5Mechanism) Name() string { return "krb5" }

// Login authenticates user@REALM with the KDC. An empty realm selects the
// default realm of krb5.conf.
func (m *Krb5Mechanism) Login(ctx context.Context, username, password string, debug bool) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conf, err := m.loadConfig()
	if err != nil {
		return nil, err
	}

	settings := []func(*client.Settings){client.DisablePAFXFAST(true)}
	if debug {
		settings = append(settings, client.Logger(log.New(m.debugOutput(), "krb5: ", log.LstdFlags)))
	}

	user, realm, _ := strings.Cut(username, "@")

	var cl *client.Client
	switch {
	case m.cfg.KeytabPath != "":
		kt, err := keytab.Load(m.cfg.KeytabPath)
		if err != nil {
			return nil, fmt.Errorf("load keytab from %s: %w", m.cfg.KeytabPath, err)
		}
		cl = client.NewWithKeytab(user, realm, kt, conf, settings...)
	case m.cfg.CCachePath != "":
		cc, err := credentials.LoadCCache(m.cfg.CCachePath)
		if err != nil {
			return nil, fmt.Errorf("load ccache from %s: %w", m.cfg.CCachePath, err)
		}
		cl, err = client.NewFromCCache(cc, conf, settings...)
		if err != nil {
			return nil, fmt.Errorf("create client from ccache: %w", err)
		}
	case password != "":
		cl = client.NewWithPassword(user, realm, password, conf, settings...)
	default:
		return nil, errors.New("no credentials provided (keytab, ccache, or password required)")
	}

	if err := cl.Login(); err != nil {
		return nil, fmt.Errorf("kerberos login: %w", err)
	}
	if debug {
		if err := cl.Diagnostics(m.debugOutput()); err != nil {
			fmt.Fprintf(m.debugOutput(), "krb5: diagnostics: %v\n", err)
		}
	}

	principal := cl.Credentials.CName().PrincipalNameString() + "@" + cl.Credentials.Domain()
	return NewIdentity(principal, m.Name(), cl), nil
}

// NewSecContext creates a Kerberos initiator context for spn.
func (m *Krb5Mechanism) NewSecContext(ctx context.Context, id *Identity, spn string, opts ContextOptions) (SecContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cl, ok := id.Handle().(*client.Client)
	if !ok {
		return nil, fmt.Errorf("identity %s was not created by the krb5 mechanism", id.Principal())
	}
	return newKrb5Context(cl, spn, opts), nil
}

// Logout destroys the client's tickets.
func (m *Krb5Mechanism) Logout(id *Identity) error {
	cl, ok := id.Handle().(*client.Client)
	if !ok {
		return fmt.Errorf("identity %s was not created by the krb5 mechanism", id.Principal())
	}
	cl.Destroy()
	return nil
}

func (m *Krb5Mechanism) loadConfig() (*config.Config, error) {
	if m.cfg.Krb5Conf != nil {
		return m.cfg.Krb5Conf, nil
	}
	path := m.cfg.Krb5ConfPath
	if path == "" {
		path = os.Getenv("KRB5_CONFIG")
		if path == "" {
			path = DefaultKrb5ConfPath
		}
	}
	conf, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load krb5.conf from %s: %w", path, err)
	}
	return conf, nil
}

func (m *Krb5Mechanism) debugOutput() io.Writer {
	if m.cfg.DebugOutput != nil {
		return m.cfg.DebugOutput
	}
	return os.Stderr
}
