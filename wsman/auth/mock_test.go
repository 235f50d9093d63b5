package auth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
)

// MockRoundTripper captures requests and returns canned responses
type MockRoundTripper struct {
	RoundTripFunc func(req *http.Request) (*http.Response, error)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if m.RoundTripFunc != nil {
		return m.RoundTripFunc(req)
	}
	return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
}

// MockSecContext is a SecContext driven by StepFunc. Wrap prefixes
// "sealed:" and Unwrap strips it.
type MockSecContext struct {
	StepFunc func(ctx context.Context, in []byte) ([]byte, bool, error)

	mu       sync.Mutex
	complete bool
	closed   bool
	steps    [][]byte
}

func (m *MockSecContext) Step(ctx context.Context, in []byte) ([]byte, bool, error) {
	m.mu.Lock()
	m.steps = append(m.steps, in)
	m.mu.Unlock()
	if m.StepFunc != nil {
		out, cont, err := m.StepFunc(ctx, in)
		if err == nil && !cont {
			m.mu.Lock()
			m.complete = true
			m.mu.Unlock()
		}
		return out, cont, err
	}
	return []byte("token"), false, nil
}

func (m *MockSecContext) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete
}

func (m *MockSecContext) ProtectionReady() bool { return m.Complete() }

func (m *MockSecContext) Wrap(p []byte) ([]byte, error) {
	return append([]byte("sealed:"), p...), nil
}

func (m *MockSecContext) Unwrap(p []byte) ([]byte, error) {
	if !bytes.HasPrefix(p, []byte("sealed:")) {
		return nil, errors.New("not sealed")
	}
	return p[len("sealed:"):], nil
}

func (m *MockSecContext) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockSecContext) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MockMechanism records calls and hands out Ctx until it is closed, then a
// new context driven by the same StepFunc.
type MockMechanism struct {
	LoginErr  error
	LogoutErr error
	Ctx       *MockSecContext

	mu       sync.Mutex
	logins   int
	logouts  int
	contexts int
	spn      string
	opts     ContextOptions
}

func (m *MockMechanism) Name() string { return "mock" }

func (m *MockMechanism) Login(_ context.Context, username, _ string, _ bool) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins++
	if m.LoginErr != nil {
		return nil, m.LoginErr
	}
	return NewIdentity(username, m.Name(), "handle"), nil
}

func (m *MockMechanism) NewSecContext(_ context.Context, _ *Identity, spn string, opts ContextOptions) (SecContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spn = spn
	m.opts = opts
	m.contexts++
	switch {
	case m.Ctx == nil:
		m.Ctx = &MockSecContext{}
	case m.Ctx.isClosed():
		m.Ctx = &MockSecContext{StepFunc: m.Ctx.StepFunc}
	}
	return m.Ctx, nil
}

func (m *MockMechanism) Logout(*Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logouts++
	return m.LogoutErr
}
