package log

import (
	"context"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// secretKeyFragments mark an attribute key as secret when any of them occurs
// in it, ignoring case. "auth" covers Authorization and WWW-Authenticate.
var secretKeyFragments = []string{
	"password", "pass", "secret", "token", "key", "hash", "auth", "ticket", "cred",
}

// credentialSchemes are the HTTP authentication schemes whose parameters are
// credentials or GSS tokens.
var credentialSchemes = []string{"Basic ", "Negotiate ", "Kerberos "}

// RedactingHandler wraps a slog.Handler and masks secrets before they reach
// it: the whole value of an attribute with a secret-looking key, and the
// token part of any "Basic ...", "Negotiate ..." or "Kerberos ..." value
// regardless of its key.
type RedactingHandler struct {
	next slog.Handler
}

// NewRedactingHandler wraps next.
func NewRedactingHandler(next slog.Handler) *RedactingHandler {
	return &RedactingHandler{next: next}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, redactAttr(a))
	}
	return &RedactingHandler{next: h.next.WithAttrs(clean)}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name)}
}

func secretKey(key string) bool {
	key = strings.ToLower(key)
	for _, frag := range secretKeyFragments {
		if strings.Contains(key, frag) {
			return true
		}
	}
	return false
}

func redactAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()

	if v.Kind() == slog.KindGroup {
		members := v.Group()
		clean := make([]any, 0, len(members))
		for _, m := range members {
			clean = append(clean, redactAttr(m))
		}
		return slog.Group(a.Key, clean...)
	}
	if secretKey(a.Key) {
		return slog.String(a.Key, redacted)
	}

	switch v.Kind() {
	case slog.KindString:
		if masked, ok := redactCredential(v.String()); ok {
			return slog.String(a.Key, masked)
		}
	case slog.KindAny:
		// multi-valued HTTP headers
		if values, ok := v.Any().([]string); ok {
			return slog.Any(a.Key, redactCredentials(values))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

// redactCredential masks the parameters of an authentication header value
// ("Negotiate YIIG..." becomes "Negotiate [REDACTED]").
func redactCredential(v string) (string, bool) {
	for _, scheme := range credentialSchemes {
		if len(v) > len(scheme) && strings.EqualFold(v[:len(scheme)], scheme) {
			return v[:len(scheme)] + redacted, true
		}
	}
	return "", false
}

func redactCredentials(values []string) []string {
	var out []string
	for i, v := range values {
		masked, ok := redactCredential(v)
		if !ok {
			continue
		}
		if out == nil {
			out = append([]string(nil), values...)
		}
		out[i] = masked
	}
	if out == nil {
		return values
	}
	return out
}
