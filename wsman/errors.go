package wsman

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Windows error code carried by WSManFault for access denied.
const errorAccessDenied = 5

// Fault is a SOAP 1.2 fault from a WinRM listener, with the details of the
// Microsoft WSManFault element when present.
type Fault struct {
	Code    string // s:Code/s:Value, e.g. "s:Sender"
	Subcode string // s:Code/s:Subcode/s:Value, e.g. "w:AccessDenied"
	Reason  string

	// From s:Detail/p:WSManFault.
	WSManCode uint32
	Machine   string
	Message   string
}

func (f *Fault) Error() string {
	var b strings.Builder
	b.WriteString("wsman fault")
	if code := strings.Trim(f.Code+"/"+f.Subcode, "/"); code != "" {
		b.WriteString(" ")
		b.WriteString(code)
	}
	if f.Reason != "" {
		b.WriteString(": ")
		b.WriteString(f.Reason)
	}
	if f.WSManCode != 0 {
		fmt.Fprintf(&b, " (code %d", f.WSManCode)
		if f.Machine != "" {
			fmt.Fprintf(&b, " on %s", f.Machine)
		}
		b.WriteString(")")
	}
	return b.String()
}

// IsAccessDenied reports whether the listener refused the request for the
// authenticated user.
func (f *Fault) IsAccessDenied() bool {
	return strings.HasSuffix(f.Subcode, "AccessDenied") || f.WSManCode == errorAccessDenied
}

// IsTimeout reports whether the operation timeout expired on the server.
func (f *Fault) IsTimeout() bool {
	return strings.HasSuffix(f.Subcode, "TimedOut") || strings.Contains(strings.ToLower(f.Reason), "timed out")
}

// IsFault reports whether err is or wraps a *Fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// FaultFromDocument returns the fault in the document body, or nil.
func FaultFromDocument(d *Document) *Fault {
	body := d.Body()
	if body == nil {
		return nil
	}
	el := body.FindElement("./Fault")
	if el == nil {
		return nil
	}
	text := func(path string) string {
		if c := el.FindElement(path); c != nil {
			return strings.TrimSpace(c.Text())
		}
		return ""
	}

	f := &Fault{
		Code:    text("./Code/Value"),
		Subcode: text("./Code/Subcode/Value"),
		Reason:  text("./Reason/Text"),
	}
	if detail := el.FindElement("./Detail/WSManFault"); detail != nil {
		f.Machine = detail.SelectAttrValue("Machine", "")
		if n, err := strconv.ParseUint(detail.SelectAttrValue("Code", ""), 10, 32); err == nil {
			f.WSManCode = uint32(n)
		}
		if msg := detail.FindElement("./Message"); msg != nil {
			f.Message = strings.TrimSpace(msg.Text())
		}
	}
	if f.Code == "" && f.Reason == "" {
		return nil
	}
	return f
}

// ParseFault decodes an error response body and returns its fault. It
// returns nil, nil when the body holds no fault.
func ParseFault(data []byte) (*Fault, error) {
	if !bytes.Contains(data, []byte("Fault")) {
		return nil, nil
	}
	d, err := Decode(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse fault: %w", err)
	}
	return FaultFromDocument(d), nil
}

// CheckFault returns the fault in d as an error, or nil.
func CheckFault(d *Document) error {
	if f := FaultFromDocument(d); f != nil {
		return f
	}
	return nil
}
