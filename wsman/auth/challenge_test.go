package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newResponse(status int, challenges ...string) *http.Response {
	h := http.Header{}
	for _, c := range challenges {
		h.Add("WWW-Authenticate", c)
	}
	return &http.Response{StatusCode: status, Header: h, Body: io.NopCloser(strings.NewReader(""))}
}

// TestParseChallenges verifies header splitting and token decoding.
func TestParseChallenges(t *testing.T) {
	tok := base64.StdEncoding.EncodeToString([]byte("server-token"))

	got := parseChallenges([]string{
		"Negotiate",
		`Basic realm="WSMAN", charset="UTF-8"`,
		"Kerberos " + tok + ", Negotiate " + tok,
	})

	want := []struct {
		scheme string
		token  string
	}{
		{"Negotiate", ""},
		{"Basic", ""},
		{"Kerberos", "server-token"},
		{"Negotiate", "server-token"},
	}
	if len(got) != len(want) {
		t.Fatalf("parseChallenges returned %d challenges, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].scheme != w.scheme || string(got[i].token) != w.token {
			t.Errorf("challenge %d = {%s %q}, want {%s %q}", i, got[i].scheme, got[i].token, w.scheme, w.token)
		}
	}
}

// TestChallengeTransport_NoChallenge verifies a request that is not challenged
// passes through untouched.
func TestChallengeTransport_NoChallenge(t *testing.T) {
	requests := 0
	base := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			requests++
			if h := req.Header.Get("Authorization"); h != "" {
				t.Errorf("unexpected Authorization header %q", h)
			}
			return newResponse(http.StatusOK), nil
		},
	}

	rt := NewChallengeTransport(base, NewBasicAuth(NewPrincipal("u", "p")))
	req, _ := http.NewRequest(http.MethodPost, "https://example.com/wsman", strings.NewReader("body"))
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d; want 200", resp.StatusCode)
	}
	if requests != 1 {
		t.Errorf("requests = %d; want 1", requests)
	}
}

// TestChallengeTransport_Basic verifies the Basic challenge flow against a
// real server, the body replay and the preemptive header on later requests.
func TestChallengeTransport_Basic(t *testing.T) {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user@EXAMPLE.COM:pw"))
	var unauthenticated int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("Authorization") != want {
			unauthenticated++
			w.Header().Set("WWW-Authenticate", `Basic realm="WSMAN"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if string(body) != "payload" {
			t.Errorf("body = %q, want %q", body, "payload")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rt := NewChallengeTransport(http.DefaultTransport, NewBasicAuth(NewPrincipal("user@example.com", "pw")))
	client := &http.Client{Transport: rt}

	for i := 0; i < 2; i++ {
		resp, err := client.Post(server.URL, "application/soap+xml", strings.NewReader("payload"))
		if err != nil {
			t.Fatalf("Post %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Post %d status = %d, want 200", i, resp.StatusCode)
		}
	}
	if unauthenticated != 1 {
		t.Errorf("unauthenticated requests = %d, want 1 (second request should be preemptive)", unauthenticated)
	}
}

// TestChallengeTransport_Rejected verifies a repeated challenge without a
// token is returned to the caller instead of looping.
func TestChallengeTransport_Rejected(t *testing.T) {
	requests := 0
	base := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			requests++
			return newResponse(http.StatusUnauthorized, `Basic realm="WSMAN"`), nil
		},
	}

	rt := NewChallengeTransport(base, NewBasicAuth(NewPrincipal("u", "bad")))
	req, _ := http.NewRequest(http.MethodPost, "https://example.com/wsman", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d; want 401", resp.StatusCode)
	}
	if requests != 2 {
		t.Errorf("requests = %d; want 2", requests)
	}
}

// TestChallengeTransport_UnknownScheme verifies an unanswerable challenge is
// returned as-is.
func TestChallengeTransport_UnknownScheme(t *testing.T) {
	base := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			return newResponse(http.StatusUnauthorized, "NTLM"), nil
		},
	}
	rt := NewChallengeTransport(base, NewBasicAuth(NewPrincipal("u", "p")))
	req, _ := http.NewRequest(http.MethodPost, "https://example.com/wsman", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d; want 401", resp.StatusCode)
	}
}

// TestChallengeTransport_SchemeOrder verifies Kerberos is preferred whatever
// the registration order.
func TestChallengeTransport_SchemeOrder(t *testing.T) {
	engine := NewKerberosEngine(&MockMechanism{}, "HTTP/host")
	rt := NewChallengeTransport(nil,
		NewBasicAuth(NewPrincipal("u", "p")),
		NewNegotiateAuth(engine),
		NewKerberosAuth(engine),
	)
	got := strings.Join(rt.Schemes(), ",")
	if got != "Kerberos,Negotiate,Basic" {
		t.Errorf("Schemes() = %s, want Kerberos,Negotiate,Basic", got)
	}
}

// TestChallengeTransport_Kerberos verifies the Kerberos flow: the AP-REQ is
// sent in answer to the challenge and the final 200 carrying the reply token
// is returned for the caller to complete the context.
func TestChallengeTransport_Kerberos(t *testing.T) {
	sc := &MockSecContext{
		StepFunc: func(_ context.Context, in []byte) ([]byte, bool, error) {
			if len(in) == 0 {
				return []byte("ap-req"), true, nil
			}
			return nil, false, nil
		},
	}
	mech := &MockMechanism{Ctx: sc}
	engine := NewKerberosEngine(mech, "WSMAN/host")
	id, err := engine.Login(context.Background(), "user@REALM", "pw", false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	apRep := base64.StdEncoding.EncodeToString([]byte("ap-rep"))
	requests := 0
	base := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			requests++
			switch requests {
			case 1:
				return newResponse(http.StatusUnauthorized, "Negotiate", "Kerberos", `Basic realm="WSMAN"`), nil
			case 2:
				want := "Kerberos " + base64.StdEncoding.EncodeToString([]byte("ap-req"))
				if h := req.Header.Get("Authorization"); h != want {
					t.Errorf("Authorization = %q, want %q", h, want)
				}
				return newResponse(http.StatusOK, "Kerberos "+apRep), nil
			}
			return nil, errors.New("unexpected request")
		},
	}

	rt := NewChallengeTransport(base, NewBasicAuth(NewPrincipal("user@REALM", "pw")), NewKerberosAuth(engine))

	err = id.Run(context.Background(), func(ctx context.Context) error {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "http://host:5985/wsman", http.NoBody)
		resp, err := rt.RoundTrip(req)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
		}
		if got := resp.Header.Get("WWW-Authenticate"); got != "Kerberos "+apRep {
			t.Errorf("WWW-Authenticate = %q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if engine.Context() != sc {
		t.Error("engine did not retain the security context")
	}
	if mech.opts.SPNEGO {
		t.Error("Kerberos scheme requested SPNEGO")
	}
	if mech.opts.ChannelBinding != nil {
		t.Error("plain HTTP must not carry channel bindings")
	}
}

// TestChallengeTransport_NoIdentity verifies the Kerberos scheme refuses to
// run outside an identity scope.
func TestChallengeTransport_NoIdentity(t *testing.T) {
	engine := NewKerberosEngine(&MockMechanism{}, "HTTP/host")
	if _, err := engine.Login(context.Background(), "u@R", "p", false); err != nil {
		t.Fatalf("Login: %v", err)
	}
	base := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			return newResponse(http.StatusUnauthorized, "Kerberos"), nil
		},
	}
	rt := NewChallengeTransport(base, NewKerberosAuth(engine))
	req, _ := http.NewRequest(http.MethodPost, "http://host/wsman", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("RoundTrip succeeded without an identity")
	}
}

// TestChallengeTransport_MaxRounds verifies a server that keeps sending
// continuation tokens cannot loop forever.
func TestChallengeTransport_MaxRounds(t *testing.T) {
	sc := &MockSecContext{
		StepFunc: func(context.Context, []byte) ([]byte, bool, error) {
			return []byte("more"), true, nil
		},
	}
	engine := NewKerberosEngine(&MockMechanism{Ctx: sc}, "HTTP/host")
	id, _ := engine.Login(context.Background(), "u@R", "p", false)

	tok := base64.StdEncoding.EncodeToString([]byte("again"))
	requests := 0
	base := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			requests++
			return newResponse(http.StatusUnauthorized, "Negotiate "+tok), nil
		},
	}
	rt := NewChallengeTransport(base, NewNegotiateAuth(engine))

	err := id.Run(context.Background(), func(ctx context.Context) error {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "http://host/wsman", nil)
		_, err := rt.RoundTrip(req)
		return err
	})
	if err == nil {
		t.Fatal("expected an error after too many rounds")
	}
	if requests != maxChallengeRounds {
		t.Errorf("requests = %d, want %d", requests, maxChallengeRounds)
	}
}

// TestChallengeTransport_Reauthenticate verifies a challenge to an
// established context, as a server sends on a new connection, is handed back
// unread, and that after Renew the next request authenticates with a new
// context.
func TestChallengeTransport_Reauthenticate(t *testing.T) {
	first := &MockSecContext{
		StepFunc: func(_ context.Context, in []byte) ([]byte, bool, error) {
			if len(in) == 0 {
				return []byte("ap-req"), true, nil
			}
			return nil, false, nil
		},
	}
	mech := &MockMechanism{Ctx: first}
	engine := NewKerberosEngine(mech, "WSMAN/host")
	id, err := engine.Login(context.Background(), "user@REALM", "pw", false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	apReq := "Kerberos " + base64.StdEncoding.EncodeToString([]byte("ap-req"))
	authorized := false
	requests := 0
	base := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			requests++
			if req.Header.Get("Authorization") == apReq {
				authorized = true
			}
			if authorized {
				return newResponse(http.StatusOK), nil
			}
			resp := newResponse(http.StatusUnauthorized, "Kerberos")
			resp.Body = io.NopCloser(strings.NewReader("unauthenticated connection"))
			return resp, nil
		},
	}
	rt := NewChallengeTransport(base, NewKerberosAuth(engine))

	post := func() *http.Response {
		t.Helper()
		var resp *http.Response
		err := id.Run(context.Background(), func(ctx context.Context) error {
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "http://host:5985/wsman", strings.NewReader("<s:Envelope/>"))
			var err error
			resp, err = rt.RoundTrip(req)
			return err
		})
		if err != nil {
			t.Fatalf("RoundTrip: %v", err)
		}
		return resp
	}

	if resp := post(); resp.StatusCode != http.StatusOK {
		t.Fatalf("first StatusCode = %d", resp.StatusCode)
	}
	if _, _, err := first.Step(context.Background(), []byte("ap-rep")); err != nil || !engine.Established() {
		t.Fatalf("context not established: %v", err)
	}

	// New connection: the server has forgotten the context.
	authorized = false
	requests = 0
	resp := post()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("StatusCode = %d, want 401", resp.StatusCode)
	}
	if body, _ := io.ReadAll(resp.Body); string(body) != "unauthenticated connection" {
		t.Errorf("401 body = %q, want it unread", body)
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}

	if err := engine.Renew(); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if resp := post(); resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode after Renew = %d", resp.StatusCode)
	}
	if !first.isClosed() {
		t.Error("Renew did not close the old context")
	}
	if mech.contexts != 2 || engine.Context() == first {
		t.Errorf("contexts = %d, want a second context", mech.contexts)
	}
}
