package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/smnsjas/go-winrm/wsman"
)

// Kind classifies a TransportError.
type Kind int

// Transport failure kinds.
const (
	// KindSetup: trust, authentication or Kerberos login failed in Connect.
	KindSetup Kind = iota + 1
	// KindPrecondition: the API was used in the wrong state.
	KindPrecondition
	// KindStatus: the server answered with a status other than 200.
	KindStatus
	// KindContentType: the response carried an unexpected content type.
	KindContentType
	// KindDecode: the response body is not well-formed XML (or not a valid
	// encrypted envelope).
	KindDecode
	// KindPrivileged: a failure inside the authenticated identity scope.
	KindPrivileged
	// KindIO: the HTTP exchange itself failed.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "setup failure"
	case KindPrecondition:
		return "precondition violation"
	case KindStatus:
		return "unexpected status"
	case KindContentType:
		return "unexpected content type"
	case KindDecode:
		return "protocol decode failure"
	case KindPrivileged:
		return "privileged execution failure"
	case KindIO:
		return "I/O failure"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// TransportError is the single error type returned by Client operations.
type TransportError struct {
	// URL is the endpoint; always set.
	URL string
	// Request and Response hold the message texts when they are known.
	Request  string
	Response string

	Kind       Kind
	StatusCode int
	Reason     string
	// Fault is the SOAP fault carried by an error response, if any.
	Fault *wsman.Fault
	Err   error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString("winrm ")
	b.WriteString(e.Kind.String())
	b.WriteString(" [")
	b.WriteString(e.URL)
	b.WriteString("]")
	if e.Kind == KindStatus {
		fmt.Fprintf(&b, ": %d %s", e.StatusCode, e.Reason)
		if e.Fault != nil {
			fmt.Fprintf(&b, " (%s)", e.Fault.Reason)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsKind reports whether err is a TransportError of the given kind.
func IsKind(err error, kind Kind) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == kind
}

// ErrPrecondition is the cause of every KindPrecondition error.
var ErrPrecondition = errors.New("client: operation not valid in the current state")

func (c *Client) failure(kind Kind, err error) *TransportError {
	return &TransportError{URL: c.endpoint, Kind: kind, Err: err}
}

func (c *Client) precondition(format string, args ...any) *TransportError {
	return c.failure(KindPrecondition, fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...)))
}
