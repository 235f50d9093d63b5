package wsman

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Document is a SOAP message in tree form.
type Document struct {
	tree *etree.Document
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{tree: etree.NewDocument()}
}

// NewDocumentWithRoot returns a document whose root is e.
func NewDocumentWithRoot(e *etree.Element) *Document {
	return &Document{tree: etree.NewDocumentWithRoot(e)}
}

// Root returns the root element, or nil for an empty document.
func (d *Document) Root() *etree.Element {
	if d == nil || d.tree == nil {
		return nil
	}
	return d.tree.Root()
}

// IsEmpty reports whether the document has no root element.
func (d *Document) IsEmpty() bool {
	return d.Root() == nil
}

// Tree exposes the underlying etree document.
func (d *Document) Tree() *etree.Document {
	if d.tree == nil {
		d.tree = etree.NewDocument()
	}
	return d.tree
}

// Body returns the SOAP Body element, or nil.
func (d *Document) Body() *etree.Element {
	root := d.Root()
	if root == nil {
		return nil
	}
	return root.FindElement("./Body")
}

// Header returns the SOAP Header element, or nil.
func (d *Document) Header() *etree.Element {
	root := d.Root()
	if root == nil {
		return nil
	}
	return root.FindElement("./Header")
}

// DecodeError is returned when a message is not well-formed XML. Text holds
// the message exactly as received.
type DecodeError struct {
	Text string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wsman: malformed XML response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes the document without indentation. The same tree always
// produces the same text.
func Encode(d *Document) (string, error) {
	if d.IsEmpty() {
		return "", nil
	}
	s, err := d.tree.WriteToString()
	if err != nil {
		return "", fmt.Errorf("wsman: encode document: %w", err)
	}
	return s, nil
}

// Decode parses text into a document. Empty (or all whitespace) text yields
// an empty document.
func Decode(text string) (*Document, error) {
	if strings.TrimSpace(text) == "" {
		return NewDocument(), nil
	}

	tree := etree.NewDocument()
	tree.ReadSettings.ValidateInput = true
	if err := tree.ReadFromString(text); err != nil {
		return nil, &DecodeError{Text: text, Err: err}
	}
	if tree.Root() == nil {
		return nil, &DecodeError{Text: text, Err: fmt.Errorf("no root element")}
	}
	return &Document{tree: tree}, nil
}

// Pretty returns an indented rendering of the document for diagnostics.
// The document itself is left untouched.
func Pretty(d *Document) string {
	if d.IsEmpty() {
		return ""
	}
	c := d.tree.Copy()
	c.Indent(2)
	s, err := c.WriteToString()
	if err != nil {
		return ""
	}
	return s
}
