package auth

import (
	"encoding/base64"
	"net/http"
	"sync"
	"sync/atomic"
)

// BasicAuth implements HTTP Basic authentication.
type BasicAuth struct {
	principal Principal

	// OnInsecure is called once when credentials are about to be sent over
	// plain HTTP. It may be nil.
	OnInsecure func(host string)

	warnOnce sync.Once
	accepted atomic.Bool
}

// NewBasicAuth creates a new Basic authentication handler.
func NewBasicAuth(p Principal) *BasicAuth {
	return &BasicAuth{principal: p}
}

// Name returns the authentication scheme name.
func (a *BasicAuth) Name() string {
	return "Basic"
}

// Authorize answers a Basic challenge.
func (a *BasicAuth) Authorize(resp *http.Response, _ []byte) (string, error) {
	if req := resp.Request; req != nil && req.URL.Scheme != "https" {
		a.warnOnce.Do(func() {
			if a.OnInsecure != nil {
				a.OnInsecure(req.URL.Host)
			}
		})
	}
	a.accepted.Store(true)
	return a.header(), nil
}

// Preempt returns the Authorization header once a challenge has been answered,
// so later requests skip the 401 round trip.
func (a *BasicAuth) Preempt(*http.Request) (string, bool) {
	if !a.accepted.Load() {
		return "", false
	}
	return a.header(), true
}

// header builds base64(username:password) with the normalized username.
func (a *BasicAuth) header() string {
	raw := a.principal.NormalizedUsername() + ":" + a.principal.Password()
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}
