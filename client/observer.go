package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/smnsjas/go-winrm/wsman"
)

// NIST SP 800-92 event types
const (
	EventAuthentication = "authentication"
	EventConnection     = "connection"
)

// Security event subtypes
const (
	SubtypeConnEstablished = "established"
	SubtypeConnClosed      = "closed"
	SubtypeConnFailed      = "failed"
	SubtypeAuthAttempt     = "attempt"
	SubtypeAuthSuccess     = "success"
	SubtypeAuthFailure     = "failure"
	SubtypeAuthLogout      = "logout"
)

// Security event outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeAttempt = "attempt"
)

// Security event severities
const (
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
)

// SecurityEvent is a structured connection or authentication event.
type SecurityEvent struct {
	Timestamp string `json:"timestamp"` // ISO 8601 UTC
	EventType string `json:"event_type"`
	Subtype   string `json:"subtype"`
	Severity  string `json:"severity"`

	User          string `json:"user,omitempty"`
	Source        string `json:"source"`
	Target        string `json:"target"`
	CorrelationID string `json:"correlation_id"` // one per client

	Action  string         `json:"action"`
	Outcome string         `json:"outcome"`
	Details map[string]any `json:"details,omitempty"`
}

// String returns the JSON representation of the event
func (e *SecurityEvent) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// Direction tells whether a document was sent or received.
type Direction string

// Document directions.
const (
	Outbound Direction = "request"
	Inbound  Direction = "response"
)

// Exchange describes one HTTP round trip of SendRequest. Bodies are the
// plaintext SOAP texts, never the encrypted envelope.
type Exchange struct {
	ID        string
	Endpoint  string
	Action    string
	Encrypted bool

	Request    string
	StatusCode int
	Reason     string
	Header     http.Header
	Response   string

	Elapsed time.Duration
	Err     error
}

// Observer receives the diagnostics of a Client. Implementations must be safe
// for concurrent use; the client calls them from Connect, SendRequest and
// Disconnect.
type Observer interface {
	// Exchange is called once per SendRequest, after validation.
	Exchange(ex *Exchange)
	// Document is called with every document passed to or returned from
	// SendDocument.
	Document(id string, dir Direction, d *wsman.Document)
	// Event reports connection and authentication events.
	Event(ev *SecurityEvent)
	// Warn reports a failure the client recovered from.
	Warn(msg string, err error)
}

type nopObserver struct{}

func (nopObserver) Exchange(*Exchange)                           {}
func (nopObserver) Document(string, Direction, *wsman.Document) {}
func (nopObserver) Event(*SecurityEvent)                         {}
func (nopObserver) Warn(string, error)                           {}

// SlogObserver writes diagnostics to a slog.Logger. Exchanges and documents
// are logged at debug level; pretty printing only happens when debug is
// enabled.
type SlogObserver struct {
	logger *slog.Logger
}

// NewSlogObserver returns an Observer logging to logger.
func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogObserver{logger: logger}
}

// Exchange implements Observer.
func (o *SlogObserver) Exchange(ex *Exchange) {
	ctx := context.Background()
	if !o.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	attrs := []slog.Attr{
		slog.String("id", ex.ID),
		slog.String("endpoint", ex.Endpoint),
		slog.Bool("encrypted", ex.Encrypted),
		slog.Duration("elapsed", ex.Elapsed),
	}
	if ex.Action != "" {
		attrs = append(attrs, slog.String("action", ex.Action))
	}
	if ex.StatusCode != 0 {
		attrs = append(attrs, slog.Int("status", ex.StatusCode), slog.String("reason", ex.Reason))
	}
	if len(ex.Header) > 0 {
		attrs = append(attrs, headerGroup(ex.Header))
	}
	attrs = append(attrs, slog.String("request", ex.Request), slog.String("response", ex.Response))
	if ex.Err != nil {
		attrs = append(attrs, slog.Any("error", ex.Err))
	}
	o.logger.LogAttrs(ctx, slog.LevelDebug, "winrm exchange", attrs...)
}

func headerGroup(h http.Header) slog.Attr {
	args := make([]any, 0, len(h))
	for name, values := range h {
		if len(values) == 1 {
			args = append(args, slog.String(name, values[0]))
			continue
		}
		args = append(args, slog.Any(name, values))
	}
	return slog.Group("headers", args...)
}

// Document implements Observer.
func (o *SlogObserver) Document(id string, dir Direction, d *wsman.Document) {
	if d == nil || !o.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	o.logger.Debug("winrm document", "id", id, "direction", string(dir), "xml", wsman.Pretty(d))
}

// Event implements Observer.
func (o *SlogObserver) Event(ev *SecurityEvent) {
	switch ev.Severity {
	case SeverityWarning:
		o.logger.Warn("SecurityEvent", "event", ev)
	case SeverityError:
		o.logger.Error("SecurityEvent", "event", ev)
	default:
		o.logger.Info("SecurityEvent", "event", ev)
	}
}

// DebugWriter returns a writer whose lines are logged at debug level. The
// client hands it to the Kerberos mechanism when KerberosDebug is set.
func (o *SlogObserver) DebugWriter() io.Writer {
	return slog.NewLogLogger(o.logger.Handler(), slog.LevelDebug).Writer()
}

// Warn implements Observer.
func (o *SlogObserver) Warn(msg string, err error) {
	if err == nil {
		o.logger.Warn(msg)
		return
	}
	o.logger.Warn(msg, "error", err)
}

// event builds and emits a security event for this client.
func (c *Client) event(eventType, subtype, severity, outcome string, details map[string]any) {
	if details == nil {
		details = make(map[string]any)
	}
	c.observer.Event(&SecurityEvent{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		EventType:     eventType,
		Subtype:       subtype,
		Severity:      severity,
		User:          c.principal.NormalizedUsername(),
		Source:        "go-winrm",
		Target:        c.endpoint,
		CorrelationID: c.correlationID,
		Action:        subtype,
		Outcome:       outcome,
		Details:       details,
	})
}
