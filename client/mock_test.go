package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smnsjas/go-winrm/wsman"
	"github.com/smnsjas/go-winrm/wsman/auth"
	"github.com/smnsjas/go-winrm/wsman/encryption"
)

const sealPrefix = "sealed:"

// mockSecContext completes after its first step and, like krb5, has no
// token to offer a new challenge once complete. Wrap prefixes "sealed:" and
// Unwrap strips it.
type mockSecContext struct {
	mu       sync.Mutex
	steps    [][]byte
	complete bool
	closed   bool
	stepErr  error
}

func (m *mockSecContext) Step(_ context.Context, in []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, in)
	if m.stepErr != nil && len(in) > 0 {
		return nil, false, m.stepErr
	}
	if m.complete && len(in) == 0 {
		return nil, false, nil
	}
	m.complete = true
	return []byte("token"), false, nil
}

func (m *mockSecContext) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete
}

func (m *mockSecContext) ProtectionReady() bool { return m.Complete() }

func (m *mockSecContext) Wrap(p []byte) ([]byte, error) {
	return append([]byte(sealPrefix), p...), nil
}

func (m *mockSecContext) Unwrap(p []byte) ([]byte, error) {
	if !bytes.HasPrefix(p, []byte(sealPrefix)) {
		return nil, errors.New("not sealed")
	}
	return p[len(sealPrefix):], nil
}

func (m *mockSecContext) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSecContext) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockSecContext) stepped() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.steps...)
}

// mockMechanism hands out ctx for the first security context and a new
// mockSecContext for every later one. It counts logins and logouts.
type mockMechanism struct {
	loginErr  error
	logoutErr error
	ctx       *mockSecContext

	mu       sync.Mutex
	logins   int
	logouts  int
	spn      string
	user     string
	contexts []*mockSecContext
}

func newMockMechanism() *mockMechanism {
	return &mockMechanism{ctx: &mockSecContext{}}
}

func (m *mockMechanism) Name() string { return "mock" }

func (m *mockMechanism) Login(_ context.Context, username, _ string, _ bool) (*auth.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins++
	m.user = username
	if m.loginErr != nil {
		return nil, m.loginErr
	}
	return auth.NewIdentity(username, m.Name(), nil), nil
}

func (m *mockMechanism) NewSecContext(ctx context.Context, id *auth.Identity, spn string, _ auth.ContextOptions) (auth.SecContext, error) {
	if got, ok := auth.IdentityFromContext(ctx); !ok || got != id {
		return nil, errors.New("context does not carry the identity")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spn = spn
	sc := m.ctx
	if len(m.contexts) > 0 {
		sc = &mockSecContext{}
	}
	m.contexts = append(m.contexts, sc)
	return sc, nil
}

func (m *mockMechanism) created() []*mockSecContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*mockSecContext(nil), m.contexts...)
}

func (m *mockMechanism) Logout(*auth.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logouts++
	return m.logoutErr
}

func (m *mockMechanism) counts() (logins, logouts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logins, m.logouts
}

// serverSeal is the server side of the mock protection.
type serverSeal struct{}

func (serverSeal) Wrap(p []byte) ([]byte, error) { return append([]byte(sealPrefix), p...), nil }

func (serverSeal) Unwrap(p []byte) ([]byte, error) {
	if !bytes.HasPrefix(p, []byte(sealPrefix)) {
		return nil, errors.New("not sealed")
	}
	return p[len(sealPrefix):], nil
}

// received is one request as seen by fakeWinRM, decrypted when needed.
type received struct {
	Body      string
	Encrypted bool
	Auth      string
}

// fakeWinRM is a WinRM listener for tests. In Kerberos mode it challenges
// every new connection with "Kerberos", accepts the mock token and replies
// with an AP-REP token; later requests on that connection must be encrypted
// and are answered encrypted. In Basic mode
// it checks the credentials.
type fakeWinRM struct {
	t        *testing.T
	kerberos bool
	user     string
	password string
	// reply produces the SOAP response for a request body. The default
	// echoes an empty SOAP envelope.
	reply func(body string) (status int, contentType, response string)
	delay time.Duration

	mu         sync.Mutex
	authed     map[string]bool // by remote address
	handshakes int
	requests   []received

	// refuse makes the server reject every Kerberos token.
	refuse atomic.Bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	hits        atomic.Int32

	srv *httptest.Server
}

func newFakeWinRM(t *testing.T, kerberos bool) *fakeWinRM {
	t.Helper()
	f := &fakeWinRM{t: t, kerberos: kerberos, user: "admin", password: "secret", authed: map[string]bool{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeWinRM) target() Target {
	return mustTarget(f.t, f.srv.URL+"/wsman")
}

func mustTarget(t *testing.T, endpoint string) Target {
	t.Helper()
	tg, err := ParseTarget(endpoint)
	if err != nil {
		t.Fatalf("ParseTarget(%q): %v", endpoint, err)
	}
	return tg
}

func (f *fakeWinRM) recorded() []received {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]received(nil), f.requests...)
}

func (f *fakeWinRM) serveHTTP(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	body, _ := io.ReadAll(r.Body)
	authz := r.Header.Get("Authorization")

	if f.kerberos {
		f.serveKerberos(w, r, body, authz)
		return
	}

	user, pass, ok := r.BasicAuth()
	if !ok || user != f.user || pass != f.password {
		w.Header().Set("WWW-Authenticate", `Basic realm="WSMAN"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.record(received{Body: string(body), Auth: authz})
	f.respond(w, string(body), false)
}

func (f *fakeWinRM) serveKerberos(w http.ResponseWriter, r *http.Request, body []byte, authz string) {
	f.mu.Lock()
	authed := f.authed[r.RemoteAddr]
	f.mu.Unlock()

	if !authed {
		if f.refuse.Load() || authz != "Kerberos "+base64.StdEncoding.EncodeToString([]byte("token")) {
			w.Header().Add("WWW-Authenticate", "Kerberos")
			w.Header().Add("WWW-Authenticate", "Negotiate")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.authed[r.RemoteAddr] = true
		f.handshakes++
		f.mu.Unlock()
		f.record(received{Body: string(body), Auth: authz})
		w.Header().Set("WWW-Authenticate", "Kerberos "+base64.StdEncoding.EncodeToString([]byte("ap-rep")))
		w.WriteHeader(http.StatusOK)
		return
	}

	if !encryption.IsEncrypted(r.Header.Get("Content-Type")) {
		f.t.Errorf("request after authentication not encrypted: %q", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	plain, inner, err := encryption.Decode(serverSeal{}, body)
	if err != nil {
		f.t.Errorf("server decode: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if inner != encryption.OriginalContentType {
		f.t.Errorf("inner content type = %q", inner)
	}
	f.record(received{Body: string(plain), Encrypted: true, Auth: authz})
	f.respond(w, string(plain), true)
}

func (f *fakeWinRM) handshakeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshakes
}

func (f *fakeWinRM) record(r received) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
}

func (f *fakeWinRM) respond(w http.ResponseWriter, body string, encrypt bool) {
	status, ct, out := http.StatusOK, "application/soap+xml;charset=UTF-8", emptyEnvelope
	if f.reply != nil {
		status, ct, out = f.reply(body)
	}
	if encrypt && ct != "" && strings.HasPrefix(ct, "application/soap+xml") {
		payload, err := encryption.Encode(serverSeal{}, []byte(out))
		if err != nil {
			f.t.Errorf("server encode: %v", err)
		}
		ct, out = encryption.ContentType, string(payload)
	}
	if ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		// suppress content sniffing
		w.Header()["Content-Type"] = nil
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, out)
}

const emptyEnvelope = `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"><s:Header/><s:Body/></s:Envelope>`

// recordingObserver keeps everything it is told.
type recordingObserver struct {
	mu        sync.Mutex
	exchanges []Exchange
	documents []Direction
	events    []SecurityEvent
	warnings  []string
}

func (o *recordingObserver) Exchange(ex *Exchange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exchanges = append(o.exchanges, *ex)
}

func (o *recordingObserver) Document(_ string, dir Direction, _ *wsman.Document) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.documents = append(o.documents, dir)
}

func (o *recordingObserver) Event(ev *SecurityEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, *ev)
}

func (o *recordingObserver) Warn(msg string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.warnings = append(o.warnings, msg)
}

func (o *recordingObserver) subtypes(eventType string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, ev := range o.events {
		if ev.EventType == eventType {
			out = append(out, ev.Subtype)
		}
	}
	return out
}
