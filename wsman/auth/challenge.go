package auth

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// maxChallengeRounds bounds the number of 401 round trips per request.
// This prevents infinite loops from misbehaving servers.
const maxChallengeRounds = 5

// schemeRank orders schemes when a server offers more than one.
var schemeRank = map[string]int{
	"kerberos":  0,
	"negotiate": 1,
	"basic":     2,
}

// challenge is one parsed WWW-Authenticate challenge.
type challenge struct {
	scheme string
	token  []byte
}

// ChallengeTransport answers HTTP 401 challenges with the registered schemes.
//
// A request is first sent as-is (or with a preemptive header when a scheme
// allows it). On 401 the most preferred offered scheme authorizes the retry.
// A 401 that the transport cannot or should not answer is returned unchanged
// so the caller sees the status. That includes a challenge to an established
// Negotiate or Kerberos context (ErrReauthenticate).
type ChallengeTransport struct {
	base http.RoundTripper

	mu      sync.Mutex
	schemes []Authenticator
}

// NewChallengeTransport wraps base with challenge handling.
func NewChallengeTransport(base http.RoundTripper, schemes ...Authenticator) *ChallengeTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &ChallengeTransport{base: base}
	for _, s := range schemes {
		t.Register(s)
	}
	return t
}

// Register adds a scheme. Kerberos is preferred over Negotiate, which is
// preferred over Basic; other schemes rank last in registration order.
func (t *ChallengeTransport) Register(a Authenticator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schemes = append(t.schemes, a)
	sort.SliceStable(t.schemes, func(i, j int) bool {
		return rank(t.schemes[i].Name()) < rank(t.schemes[j].Name())
	})
}

// Schemes returns the registered scheme names in preference order.
func (t *ChallengeTransport) Schemes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, len(t.schemes))
	for i, s := range t.schemes {
		names[i] = s.Name()
	}
	return names
}

func rank(name string) int {
	if r, ok := schemeRank[strings.ToLower(name)]; ok {
		return r
	}
	return len(schemeRank)
}

// RoundTrip implements http.RoundTripper.
func (t *ChallengeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Buffer the request body upfront so we can retry
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	var active Authenticator
	header := t.preempt(req)

	for round := 0; round < maxChallengeRounds; round++ {
		// Clone request to avoid mutating the caller's copy
		attempt := req.Clone(req.Context())
		attempt.Body = http.NoBody
		attempt.ContentLength = 0
		if body != nil {
			attempt.Body = io.NopCloser(bytes.NewReader(body))
			attempt.ContentLength = int64(len(body))
			attempt.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
		}
		if header != "" {
			attempt.Header.Set("Authorization", header)
		}

		resp, err := t.base.RoundTrip(attempt)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}

		scheme, token, ok := t.pick(parseChallenges(resp.Header.Values("WWW-Authenticate")), active)
		if !ok {
			return resp, nil
		}
		// The server re-challenged the scheme we answered without any
		// continuation token: the credentials were rejected.
		if active != nil && len(token) == 0 {
			return resp, nil
		}

		if resp.Request == nil {
			resp.Request = attempt
		}
		header, err = scheme.Authorize(resp, token)
		if errors.Is(err, ErrReauthenticate) {
			return resp, nil
		}
		drain(resp)
		if err != nil {
			return nil, fmt.Errorf("%s authorization: %w", scheme.Name(), err)
		}
		active = scheme
	}

	return nil, fmt.Errorf("authentication did not complete after %d rounds", maxChallengeRounds)
}

// preempt returns a header from the first scheme willing to send one.
func (t *ChallengeTransport) preempt(req *http.Request) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.schemes {
		if p, ok := s.(Preemptive); ok {
			if h, ok := p.Preempt(req); ok {
				return h
			}
		}
	}
	return ""
}

// pick selects the scheme that answers the challenges. Once a scheme has
// been answered, only that scheme may continue.
func (t *ChallengeTransport) pick(challenges []challenge, active Authenticator) (Authenticator, []byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.schemes {
		if active != nil && s != active {
			continue
		}
		for _, c := range challenges {
			if strings.EqualFold(c.scheme, s.Name()) {
				return s, c.token, true
			}
		}
	}
	return nil, nil, false
}

// parseChallenges splits WWW-Authenticate values into challenges. A single
// header may carry several comma separated challenges; a segment whose first
// word contains '=' is an auth-param of the preceding challenge.
func parseChallenges(values []string) []challenge {
	var out []challenge
	for _, v := range values {
		for _, seg := range strings.Split(v, ",") {
			seg = strings.TrimSpace(seg)
			if seg == "" {
				continue
			}
			name, rest, _ := strings.Cut(seg, " ")
			if strings.Contains(name, "=") {
				continue
			}
			c := challenge{scheme: name}
			if rest = strings.TrimSpace(rest); rest != "" {
				// Decode errors ignored: Basic carries auth-params, not a token
				if tok, err := base64.StdEncoding.DecodeString(rest); err == nil {
					c.token = tok
				}
			}
			out = append(out, c)
		}
	}
	return out
}

// drain reads the body to completion and closes it so the connection can be
// reused.
func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
