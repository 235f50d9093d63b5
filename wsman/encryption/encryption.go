package encryption

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
)

const (
	// ContentType is the HTTP content type of an encrypted request.
	ContentType = `multipart/encrypted;protocol="application/HTTP-Kerberos-session-encrypted";boundary="Encrypted Boundary"`

	// Protocol is the protocol parameter of the multipart content type and the
	// content type of the first part.
	Protocol = "application/HTTP-Kerberos-session-encrypted"

	// OriginalContentType is the content type of the protected SOAP message.
	OriginalContentType = "application/soap+xml;charset=UTF-8"

	boundary      = "--Encrypted Boundary"
	octetStream   = "application/octet-stream"
	trailerLength = 4
)

var (
	// ErrOverheadTooLarge is returned when the protection overhead does not
	// fit the single-byte length field of the envelope.
	ErrOverheadTooLarge = errors.New("encryption: wrap overhead does not fit in one byte")

	// ErrMalformed is returned when an encrypted payload cannot be parsed.
	ErrMalformed = errors.New("encryption: malformed encrypted envelope")
)

// Wrapper seals a message with an established security context.
type Wrapper interface {
	Wrap(plaintext []byte) ([]byte, error)
}

// Unwrapper opens a message sealed by the peer.
type Unwrapper interface {
	Unwrap(token []byte) ([]byte, error)
}

// Encode seals body and frames it as a multipart/encrypted payload.
//
// The length field preceding the sealed bytes holds the protection overhead
// (sealed length minus plaintext length) in its first byte; the remaining
// three bytes are zero.
func Encode(w Wrapper, body []byte) ([]byte, error) {
	wrapped, err := w.Wrap(body)
	if err != nil {
		return nil, fmt.Errorf("encryption: wrap: %w", err)
	}

	overhead := len(wrapped) - len(body)
	if overhead < 0 || overhead > 0xff {
		return nil, fmt.Errorf("%w: %d bytes", ErrOverheadTooLarge, overhead)
	}

	var b bytes.Buffer
	b.Grow(len(wrapped) + 256)
	b.WriteString(boundary + "\r")
	b.WriteString("Content-Type: " + Protocol + "\r")
	b.WriteString("OriginalContent: type=" + OriginalContentType + ";Length=" + strconv.Itoa(len(body)) + "\r")
	b.WriteString(boundary + "\r")
	b.WriteString("Content-Type: " + octetStream + "\r")
	b.Write([]byte{byte(overhead), 0, 0, 0})
	b.Write(wrapped)
	b.WriteString(boundary + "\r")
	return b.Bytes(), nil
}

// IsEncrypted reports whether a response content type announces an encrypted
// payload.
func IsEncrypted(contentType string) bool {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(contentType), "multipart/encrypted")
	}
	if mt != "multipart/encrypted" {
		return false
	}
	p, ok := params["protocol"]
	return !ok || strings.EqualFold(p, Protocol)
}

// Decode parses an encrypted payload, unwraps it and returns the plaintext
// with its original content type. Lines may end in "\r" or "\r\n", and the
// payload may close with either the plain or the final ("--") boundary.
func Decode(u Unwrapper, payload []byte) ([]byte, string, error) {
	r := &partReader{buf: payload}

	if line, err := r.line(); err != nil || line != boundary {
		return nil, "", fmt.Errorf("%w: missing opening boundary", ErrMalformed)
	}
	headers, err := r.headers()
	if err != nil {
		return nil, "", err
	}
	if !strings.EqualFold(mediaType(headers["content-type"]), Protocol) {
		return nil, "", fmt.Errorf("%w: unexpected part type %q", ErrMalformed, headers["content-type"])
	}
	innerType, length, err := parseOriginalContent(headers["originalcontent"])
	if err != nil {
		return nil, "", err
	}

	headers, err = r.headers()
	if err != nil {
		return nil, "", err
	}
	if !strings.EqualFold(mediaType(headers["content-type"]), octetStream) {
		return nil, "", fmt.Errorf("%w: unexpected data part type %q", ErrMalformed, headers["content-type"])
	}

	data := r.rest()
	end := bytes.LastIndex(data, []byte(boundary))
	if end < trailerLength {
		return nil, "", fmt.Errorf("%w: missing closing boundary", ErrMalformed)
	}
	sigLen := binary.LittleEndian.Uint32(data[:trailerLength])
	token := data[trailerLength:end]
	if int64(sigLen) > int64(len(token)) {
		return nil, "", fmt.Errorf("%w: signature length %d exceeds token length %d", ErrMalformed, sigLen, len(token))
	}

	plain, err := u.Unwrap(token)
	if err != nil {
		return nil, "", fmt.Errorf("encryption: unwrap: %w", err)
	}
	if len(plain) != length {
		return nil, "", fmt.Errorf("%w: declared length %d, got %d bytes", ErrMalformed, length, len(plain))
	}
	return plain, innerType, nil
}

// partReader walks the text portion of an encrypted payload. The line ending
// seen on the first line is used for the rest of the payload.
type partReader struct {
	buf  []byte
	pos  int
	crlf bool
	seen bool
}

func (r *partReader) line() (string, error) {
	i := bytes.IndexByte(r.buf[r.pos:], '\r')
	if i < 0 {
		return "", fmt.Errorf("%w: unterminated line", ErrMalformed)
	}
	line := string(r.buf[r.pos : r.pos+i])
	r.pos += i + 1

	hasLF := r.pos < len(r.buf) && r.buf[r.pos] == '\n'
	if !r.seen {
		r.crlf = hasLF
		r.seen = true
	}
	if r.crlf {
		if !hasLF {
			return "", fmt.Errorf("%w: inconsistent line endings", ErrMalformed)
		}
		r.pos++
	}
	return line, nil
}

// headers reads "Name: value" lines of one part. The octet-stream part has
// no blank separator line; its data starts right after the Content-Type line.
func (r *partReader) headers() (map[string]string, error) {
	h := make(map[string]string)
	for {
		line, err := r.line()
		if err != nil {
			return nil, err
		}
		if line == boundary {
			return h, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformed, line)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		h[name] = strings.TrimSpace(value)
		if name == "content-type" && strings.EqualFold(mediaType(h[name]), octetStream) {
			return h, nil
		}
	}
}

func (r *partReader) rest() []byte {
	return r.buf[r.pos:]
}

func mediaType(v string) string {
	mt, _, _ := strings.Cut(v, ";")
	return strings.TrimSpace(mt)
}

// parseOriginalContent splits "type=<content type>;Length=<n>".
func parseOriginalContent(v string) (string, int, error) {
	rest, ok := strings.CutPrefix(v, "type=")
	if !ok {
		return "", 0, fmt.Errorf("%w: OriginalContent %q has no type", ErrMalformed, v)
	}
	i := strings.LastIndex(strings.ToLower(rest), ";length=")
	if i < 0 {
		return "", 0, fmt.Errorf("%w: OriginalContent %q has no length", ErrMalformed, v)
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest[i+len(";length="):]))
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("%w: OriginalContent length %q", ErrMalformed, rest[i+len(";length="):])
	}
	return rest[:i], n, nil
}
