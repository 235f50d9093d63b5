package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-winrm/wsman"
	"github.com/smnsjas/go-winrm/wsman/auth"
	"github.com/smnsjas/go-winrm/wsman/encryption"
	"github.com/smnsjas/go-winrm/wsman/transport"
)

// State is the session state of a Client.
type State int

// Session states. A client moves Disconnected -> Connecting -> Connected ->
// Disconnected once; it cannot be connected again after Disconnect.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures a Client.
type Option func(*Client)

// WithObserver sets the diagnostics observer.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger is shorthand for WithObserver(NewSlogObserver(l)).
func WithLogger(l *slog.Logger) Option {
	return WithObserver(NewSlogObserver(l))
}

// WithTransportOptions adds options for the underlying HTTP transport.
// They are applied after the options derived from Config.
func WithTransportOptions(opts ...transport.HTTPTransportOption) Option {
	return func(c *Client) {
		c.httpOpts = append(c.httpOpts, opts...)
	}
}

// Client is a WinRM transport: it authenticates to one endpoint and
// exchanges SOAP messages with it, one at a time.
type Client struct {
	cfg           Config
	endpoint      string
	principal     auth.Principal
	observer      Observer
	correlationID string
	httpOpts      []transport.HTTPTransportOption

	http *transport.HTTPTransport
	base http.RoundTripper
	sess atomic.Pointer[session]

	stateMu sync.Mutex
	state   State
	used    bool

	// sendMu serializes exchanges: the security context is stepped and
	// its sequence numbers advanced by every exchange.
	sendMu    sync.Mutex
	closeOnce sync.Once
}

// session is the state created by Connect.
type session struct {
	challenge *auth.ChallengeTransport
	// engine and identity are nil unless the principal is a Kerberos one.
	engine   *auth.KerberosEngine
	identity *auth.Identity
}

// protection returns the security context when messages must be encrypted.
func (s *session) protection() auth.SecContext {
	if s == nil || s.engine == nil || !s.engine.ProtectionReady() {
		return nil
	}
	return s.engine.Context()
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// New validates cfg and builds a Client. No network I/O happens until
// Connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.Target = cfg.Target.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		cfg:           cfg,
		endpoint:      cfg.Target.URL(),
		principal:     auth.NewPrincipal(cfg.Username, cfg.Password),
		observer:      nopObserver{},
		correlationID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}

	httpOpts := []transport.HTTPTransportOption{
		transport.WithTimeout(cfg.Timeout),
		transport.WithProxy(cfg.Proxy),
	}
	if cfg.Target.IsHTTPS() {
		httpOpts = append(httpOpts, transport.WithTrustPolicy(cfg.Trust))
	}
	if c.principal.IsKerberos() {
		// the security context is bound to the connection that
		// established it
		httpOpts = append(httpOpts, transport.WithSingleConnection())
	}
	httpOpts = append(httpOpts, c.httpOpts...)
	httpOpts = append(httpOpts, transport.WithRoundTripperWrapper(c.wrap))
	c.http = transport.NewHTTPTransport(httpOpts...)

	if c.principal.Fixed() {
		c.observer.Warn(fmt.Sprintf("username %q normalized to %q: Kerberos realms are upper case",
			c.principal.Username(), c.principal.NormalizedUsername()), nil)
	}
	return c, nil
}

// wrap routes requests through the challenge handler of the current
// session.
func (c *Client) wrap(base http.RoundTripper) http.RoundTripper {
	c.base = base
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		s := c.sess.Load()
		if s == nil {
			return nil, errors.New("client: no session")
		}
		return s.challenge.RoundTrip(r)
	})
}

// Endpoint returns the endpoint URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Target returns the configured target.
func (c *Client) Target() Target { return c.cfg.Target }

// Principal returns the credential principal.
func (c *Client) Principal() auth.Principal { return c.principal }

// State returns the session state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Connect authenticates the session. Basic credentials are registered for
// any server challenge. For a Kerberos principal the realm login is
// performed, the Kerberos and Negotiate schemes are registered and an empty
// message is sent to complete the handshake. Failures are KindSetup.
func (c *Client) Connect(ctx context.Context) error {
	c.stateMu.Lock()
	if c.used {
		c.stateMu.Unlock()
		return c.precondition("connect after disconnect")
	}
	if c.state != StateDisconnected {
		st := c.state
		c.stateMu.Unlock()
		return c.precondition("connect in state %s", st)
	}
	c.state = StateConnecting
	c.stateMu.Unlock()

	err := c.connect(ctx)

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if err != nil {
		c.sess.Store(nil)
		c.state = StateDisconnected
		c.event(EventConnection, SubtypeConnFailed, SeverityError, OutcomeFailure, map[string]any{"error": err.Error()})
		return err
	}
	c.used = true
	c.state = StateConnected
	c.event(EventConnection, SubtypeConnEstablished, SeverityInfo, OutcomeSuccess, map[string]any{
		"kerberos":  c.principal.IsKerberos(),
		"encrypted": c.sess.Load().protection() != nil,
	})
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	s := &session{challenge: auth.NewChallengeTransport(c.base)}
	basic := auth.NewBasicAuth(c.principal)
	basic.OnInsecure = func(host string) {
		c.observer.Warn("basic credentials sent over plain HTTP to "+host, nil)
	}
	s.challenge.Register(basic)
	c.sess.Store(s)

	if !c.principal.IsKerberos() {
		return nil
	}

	mech := c.cfg.Mechanism
	if mech == nil {
		krb5 := c.cfg.Krb5
		if dw, ok := c.observer.(interface{ DebugWriter() io.Writer }); ok && c.cfg.KerberosDebug && krb5.DebugOutput == nil {
			krb5.DebugOutput = dw.DebugWriter()
		}
		mech = auth.DefaultMechanism(krb5)
	}
	s.engine = auth.NewKerberosEngine(mech, c.cfg.spn())
	c.event(EventAuthentication, SubtypeAuthAttempt, SeverityInfo, OutcomeAttempt, map[string]any{
		"mechanism": mech.Name(),
		"spn":       s.engine.SPN(),
	})

	id, err := s.engine.Login(ctx, c.principal.NormalizedUsername(), c.principal.Password(), c.cfg.KerberosDebug)
	if err != nil {
		c.event(EventAuthentication, SubtypeAuthFailure, SeverityError, OutcomeFailure, map[string]any{"error": err.Error()})
		return c.failure(KindSetup, err)
	}
	s.identity = id
	s.challenge.Register(auth.NewKerberosAuth(s.engine))
	s.challenge.Register(auth.NewNegotiateAuth(s.engine))

	c.sendMu.Lock()
	_, err = c.send(ctx, s, uuid.NewString(), "", "")
	c.sendMu.Unlock()
	if err != nil {
		c.event(EventAuthentication, SubtypeAuthFailure, SeverityError, OutcomeFailure, map[string]any{"error": err.Error()})
		if lerr := s.engine.Logout(); lerr != nil {
			c.observer.Warn("kerberos logout after failed handshake", lerr)
		}
		c.http.CloseIdleConnections()
		return c.failure(KindSetup, fmt.Errorf("kerberos handshake: %w", err))
	}
	c.event(EventAuthentication, SubtypeAuthSuccess, SeverityInfo, OutcomeSuccess, map[string]any{
		"mechanism":   mech.Name(),
		"established": s.engine.Established(),
	})
	return nil
}

// Disconnect logs out of the Kerberos realm, if one was used, and closes the
// connections of the transport. Logout failures are reported to the
// observer only. Disconnect fails with KindPrecondition unless the client is
// connected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.stateMu.Lock()
	if c.state != StateConnected {
		st := c.state
		c.stateMu.Unlock()
		return c.precondition("disconnect in state %s", st)
	}
	c.state = StateDisconnected
	c.stateMu.Unlock()

	// wait for an exchange in flight
	c.sendMu.Lock()
	s := c.sess.Swap(nil)
	c.sendMu.Unlock()

	if s != nil && s.engine != nil {
		if err := s.engine.Logout(); err != nil {
			c.observer.Warn("kerberos logout failed", err)
		} else {
			c.event(EventAuthentication, SubtypeAuthLogout, SeverityInfo, OutcomeSuccess, nil)
		}
	}
	c.closeOnce.Do(c.http.CloseIdleConnections)
	c.event(EventConnection, SubtypeConnClosed, SeverityInfo, OutcomeSuccess, nil)
	return nil
}

// SendRequest sends a SOAP message and returns the response text. An empty
// string is returned when the server answers without content.
func (c *Client) SendRequest(ctx context.Context, text string) (string, error) {
	return c.SendRequestAction(ctx, text, "")
}

// SendRequestAction is SendRequest with an action name for diagnostics. The
// action is not transmitted.
func (c *Client) SendRequestAction(ctx context.Context, text, action string) (string, error) {
	return c.do(ctx, uuid.NewString(), text, action)
}

// SendDocument encodes d, sends it and decodes the response. A response
// without content decodes to an empty document.
func (c *Client) SendDocument(ctx context.Context, d *wsman.Document) (*wsman.Document, error) {
	text, err := wsman.Encode(d)
	if err != nil {
		return nil, c.failure(KindDecode, fmt.Errorf("encode request: %w", err))
	}
	id := uuid.NewString()
	c.observer.Document(id, Outbound, d)

	out, err := c.do(ctx, id, text, documentAction(d))
	if err != nil {
		return nil, err
	}
	resp, err := wsman.Decode(out)
	if err != nil {
		return nil, &TransportError{URL: c.endpoint, Request: text, Response: out, Kind: KindDecode, Err: err}
	}
	c.observer.Document(id, Inbound, resp)
	return resp, nil
}

// NewEnvelope starts an envelope addressed to this endpoint with the
// configured envelope size, locale and operation timeout.
func (c *Client) NewEnvelope(action, resourceURI string) *wsman.Envelope {
	env := wsman.NewEnvelope().
		WithTo(c.endpoint).
		WithAction(action).
		WithResourceURI(resourceURI)
	if c.cfg.EnvelopeSize > 0 {
		env.WithMaxEnvelopeSize(c.cfg.EnvelopeSize)
	}
	if c.cfg.Locale != "" {
		env.WithLocale(c.cfg.Locale)
	}
	if c.cfg.Timeout > 0 {
		env.WithOperationTimeout(c.cfg.Timeout)
	}
	return env
}

// Identify sends a WS-Management Identify request.
func (c *Client) Identify(ctx context.Context) (wsman.IdentifyResponse, error) {
	resp, err := c.SendDocument(ctx, wsman.NewIdentify())
	if err != nil {
		return wsman.IdentifyResponse{}, err
	}
	if err := wsman.CheckFault(resp); err != nil {
		return wsman.IdentifyResponse{}, c.failure(KindDecode, err)
	}
	ir, ok := wsman.ParseIdentify(resp)
	if !ok {
		return wsman.IdentifyResponse{}, c.failure(KindDecode, errors.New("response is not an IdentifyResponse"))
	}
	return ir, nil
}

func documentAction(d *wsman.Document) string {
	if h := d.Header(); h != nil {
		if a := h.FindElement("./Action"); a != nil {
			return strings.TrimSpace(a.Text())
		}
	}
	return ""
}

func (c *Client) do(ctx context.Context, id, text, action string) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if st := c.State(); st != StateConnected {
		return "", c.precondition("send in state %s", st)
	}
	s := c.sess.Load()
	out, err := c.send(ctx, s, id, text, action)
	if err != nil && rechallenged(s, err) {
		if err = c.reauthenticate(ctx, s); err == nil {
			out, err = c.send(ctx, s, id, text, action)
		}
	}
	return out, err
}

// rechallenged reports whether an established Kerberos session was answered
// with 401. The server holds the context per connection, so this is what a
// new connection looks like once the old one has been closed.
func rechallenged(s *session, err error) bool {
	if s.engine == nil || !s.engine.Established() {
		return false
	}
	var te *TransportError
	return errors.As(err, &te) && te.Kind == KindStatus && te.StatusCode == http.StatusUnauthorized
}

// reauthenticate replaces the security context of s and establishes the new
// one with an empty message, as Connect does.
func (c *Client) reauthenticate(ctx context.Context, s *session) error {
	c.event(EventAuthentication, SubtypeAuthAttempt, SeverityInfo, OutcomeAttempt, map[string]any{
		"spn":    s.engine.SPN(),
		"reason": "connection reset",
	})
	if err := s.engine.Renew(); err != nil {
		c.observer.Warn("renew security context", err)
	}
	if _, err := c.send(ctx, s, uuid.NewString(), "", ""); err != nil {
		c.event(EventAuthentication, SubtypeAuthFailure, SeverityError, OutcomeFailure, map[string]any{"error": err.Error()})
		return err
	}
	c.event(EventAuthentication, SubtypeAuthSuccess, SeverityInfo, OutcomeSuccess, map[string]any{
		"established": s.engine.Established(),
	})
	return nil
}

// send performs one exchange. The caller holds sendMu. With Kerberos the
// exchange runs in the identity scope; errors from inside the scope come
// back as the underlying *TransportError, or as KindPrivileged.
func (c *Client) send(ctx context.Context, s *session, id, text, action string) (out string, err error) {
	ex := &Exchange{ID: id, Endpoint: c.endpoint, Action: action, Request: text}
	start := time.Now()
	defer func() {
		ex.Elapsed = time.Since(start)
		ex.Err = err
		c.observer.Exchange(ex)
	}()

	run := func(ctx context.Context) error {
		var rerr error
		out, rerr = c.exchange(ctx, s, ex)
		return rerr
	}

	if s.identity == nil {
		return out, c.asTransportError(run(ctx), text, KindIO)
	}
	err = s.identity.Run(ctx, run)
	var scope *auth.ScopeError
	if errors.As(err, &scope) {
		err = scope.Err
	}
	return out, c.asTransportError(err, text, KindPrivileged)
}

func (c *Client) asTransportError(err error, request string, kind Kind) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{URL: c.endpoint, Request: request, Kind: kind, Err: err}
}

// exchange posts the request, encrypted when the security context allows
// it, and validates the response.
func (c *Client) exchange(ctx context.Context, s *session, ex *Exchange) (string, error) {
	body := []byte(ex.Request)
	contentType := transport.ContentTypeSOAP
	if sc := s.protection(); sc != nil {
		payload, err := encryption.Encode(sc, body)
		if err != nil {
			return "", fmt.Errorf("encrypt request: %w", err)
		}
		body, contentType = payload, encryption.ContentType
		ex.Encrypted = true
	}

	resp, err := c.http.Post(ctx, c.endpoint, contentType, body)
	if err != nil {
		return "", &TransportError{URL: c.endpoint, Request: ex.Request, Kind: KindIO, Err: err}
	}
	ex.StatusCode, ex.Reason, ex.Header = resp.StatusCode, resp.Reason, resp.Header
	return c.validate(ctx, s, ex, resp)
}

// validate checks the response in order: status, authentication tokens,
// content type, then returns the (decrypted) body.
func (c *Client) validate(ctx context.Context, s *session, ex *Exchange, resp *transport.Response) (string, error) {
	fail := func(kind Kind, response string, err error) *TransportError {
		return &TransportError{URL: c.endpoint, Request: ex.Request, Response: response, Kind: kind, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		text := c.errorBody(s, resp)
		ex.Response = text
		te := fail(KindStatus, text, nil)
		te.StatusCode, te.Reason = resp.StatusCode, resp.Reason
		if resp.StatusCode == http.StatusUnauthorized {
			te.Err = transport.ErrUnauthorized
		}
		if f, _ := wsman.ParseFault([]byte(text)); f != nil {
			te.Fault = f
			if te.Err == nil {
				te.Err = f
			}
		}
		return "", te
	}

	if err := stepChallenges(ctx, s, resp.Header); err != nil {
		return "", err
	}

	if resp.ContentType == "" {
		return "", nil
	}

	body, contentType := resp.Body, resp.ContentType
	if encryption.IsEncrypted(contentType) {
		sc := s.protection()
		if sc == nil {
			return "", fail(KindContentType, "", fmt.Errorf("encrypted response without an established security context (%s)", contentType))
		}
		plain, inner, err := encryption.Decode(sc, body)
		if err != nil {
			if errors.Is(err, encryption.ErrMalformed) {
				return "", fail(KindDecode, string(body), err)
			}
			return "", fmt.Errorf("decrypt response: %w", err)
		}
		body, contentType = plain, inner
	}

	text := string(body)
	ex.Response = text
	if !strings.HasPrefix(strings.ToLower(contentType), "application/soap+xml") {
		return "", fail(KindContentType, text, fmt.Errorf("unexpected content type %q", contentType))
	}
	return text, nil
}

// errorBody returns the text of an error response, decrypting it when
// possible. It never fails: undecryptable bodies are returned as is.
func (c *Client) errorBody(s *session, resp *transport.Response) string {
	if !encryption.IsEncrypted(resp.ContentType) {
		return string(resp.Body)
	}
	if sc := s.protection(); sc != nil {
		if plain, _, err := encryption.Decode(sc, resp.Body); err == nil {
			return string(plain)
		}
	}
	return string(resp.Body)
}

// stepChallenges feeds every Negotiate or Kerberos token of a successful
// response to the security context. This completes mutual authentication.
func stepChallenges(ctx context.Context, s *session, h http.Header) error {
	if s.engine == nil {
		return nil
	}
	for _, v := range h.Values("WWW-Authenticate") {
		scheme, token, ok := strings.Cut(strings.TrimSpace(v), " ")
		if !ok || !(strings.EqualFold(scheme, "Negotiate") || strings.EqualFold(scheme, "Kerberos")) {
			continue
		}
		sc := s.engine.Context()
		if sc == nil {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
		if err != nil {
			return fmt.Errorf("decode %s token: %w", scheme, err)
		}
		if _, _, err := sc.Step(ctx, raw); err != nil {
			return fmt.Errorf("%s mutual authentication: %w", scheme, err)
		}
	}
	return nil
}
