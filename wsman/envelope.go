package wsman

import (
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/sosodev/duration"
)

// Envelope builds a SOAP 1.2 envelope carrying WS-Addressing and
// WS-Management headers.
type Envelope struct {
	action           string
	to               string
	messageID        string
	replyTo          string
	resourceURI      string
	maxEnvelopeSize  int
	operationTimeout time.Duration
	locale           string
	dataLocale       string
	selectors        []Selector
	options          []Option
	body             []*etree.Element
}

// Selector is a single WS-Management selector.
type Selector struct {
	Name  string
	Value string
}

// Option is a single WS-Management option.
type Option struct {
	Name  string
	Value string
}

// NewEnvelope creates an envelope with a fresh MessageID and the anonymous
// ReplyTo address.
func NewEnvelope() *Envelope {
	return &Envelope{
		messageID: NewMessageID(),
		replyTo:   AddressAnonymous,
	}
}

// NewMessageID returns a WS-Addressing message ID of the form "uuid:...".
func NewMessageID() string {
	return "uuid:" + uuid.NewString()
}

// FormatTimeout renders d as an ISO 8601 duration (e.g. "PT1M30S").
func FormatTimeout(d time.Duration) string {
	return duration.Format(d)
}

// WithAction sets the WS-Addressing Action header.
func (e *Envelope) WithAction(action string) *Envelope {
	e.action = action
	return e
}

// WithTo sets the WS-Addressing To header (the endpoint URL).
func (e *Envelope) WithTo(to string) *Envelope {
	e.to = to
	return e
}

// WithMessageID overrides the generated MessageID.
func (e *Envelope) WithMessageID(messageID string) *Envelope {
	e.messageID = messageID
	return e
}

// WithReplyTo sets the WS-Addressing ReplyTo address.
func (e *Envelope) WithReplyTo(address string) *Envelope {
	e.replyTo = address
	return e
}

// WithResourceURI sets the WS-Management ResourceURI header.
func (e *Envelope) WithResourceURI(uri string) *Envelope {
	e.resourceURI = uri
	return e
}

// WithMaxEnvelopeSize sets the WS-Management MaxEnvelopeSize header.
func (e *Envelope) WithMaxEnvelopeSize(size int) *Envelope {
	e.maxEnvelopeSize = size
	return e
}

// WithOperationTimeout sets the WS-Management OperationTimeout header.
func (e *Envelope) WithOperationTimeout(d time.Duration) *Envelope {
	e.operationTimeout = d
	return e
}

// WithLocale sets both the Locale and DataLocale headers.
func (e *Envelope) WithLocale(locale string) *Envelope {
	e.locale = locale
	e.dataLocale = locale
	return e
}

// WithSelector adds a selector to the SelectorSet.
func (e *Envelope) WithSelector(name, value string) *Envelope {
	e.selectors = append(e.selectors, Selector{Name: name, Value: value})
	return e
}

// WithOption adds an option to the OptionSet.
func (e *Envelope) WithOption(name, value string) *Envelope {
	e.options = append(e.options, Option{Name: name, Value: value})
	return e
}

// WithBody appends elements to the SOAP body. The elements are copied when
// the document is built.
func (e *Envelope) WithBody(elems ...*etree.Element) *Envelope {
	e.body = append(e.body, elems...)
	return e
}

// Document builds the envelope tree.
func (e *Envelope) Document() *Document {
	env := etree.NewElement(PrefixSoap + ":Envelope")
	env.CreateAttr("xmlns:"+PrefixSoap, NsSoap)
	env.CreateAttr("xmlns:"+PrefixAddressing, NsAddressing)
	env.CreateAttr("xmlns:"+PrefixWsman, NsWsman)
	env.CreateAttr("xmlns:"+PrefixMicrosoft, NsWsmanMicrosoft)

	hdr := env.CreateElement(PrefixSoap + ":Header")
	text := func(tag, value string) *etree.Element {
		if value == "" {
			return nil
		}
		el := hdr.CreateElement(tag)
		el.SetText(value)
		return el
	}

	text("a:To", e.to)
	if e.replyTo != "" {
		addr := hdr.CreateElement("a:ReplyTo").CreateElement("a:Address")
		addr.CreateAttr("s:mustUnderstand", "true")
		addr.SetText(e.replyTo)
	}
	if el := text("a:Action", e.action); el != nil {
		el.CreateAttr("s:mustUnderstand", "true")
	}
	text("a:MessageID", e.messageID)
	if el := text("w:ResourceURI", e.resourceURI); el != nil {
		el.CreateAttr("s:mustUnderstand", "true")
	}
	if e.maxEnvelopeSize > 0 {
		text("w:MaxEnvelopeSize", strconv.Itoa(e.maxEnvelopeSize)).CreateAttr("s:mustUnderstand", "true")
	}
	if e.operationTimeout > 0 {
		text("w:OperationTimeout", FormatTimeout(e.operationTimeout))
	}
	if e.locale != "" {
		el := hdr.CreateElement("w:Locale")
		el.CreateAttr("xml:lang", e.locale)
		el.CreateAttr("s:mustUnderstand", "false")
	}
	if e.dataLocale != "" {
		el := hdr.CreateElement("p:DataLocale")
		el.CreateAttr("xml:lang", e.dataLocale)
		el.CreateAttr("s:mustUnderstand", "false")
	}
	if len(e.selectors) > 0 {
		set := hdr.CreateElement("w:SelectorSet")
		for _, s := range e.selectors {
			el := set.CreateElement("w:Selector")
			el.CreateAttr("Name", s.Name)
			el.SetText(s.Value)
		}
	}
	if len(e.options) > 0 {
		set := hdr.CreateElement("w:OptionSet")
		for _, o := range e.options {
			el := set.CreateElement("w:Option")
			el.CreateAttr("Name", o.Name)
			el.SetText(o.Value)
		}
	}

	body := env.CreateElement(PrefixSoap + ":Body")
	for _, b := range e.body {
		body.AddChild(b.Copy())
	}
	return NewDocumentWithRoot(env)
}

// NewIdentify returns the WS-Management Identify request. It carries no
// addressing headers and is answered without authentication by most
// endpoints.
func NewIdentify() *Document {
	env := etree.NewElement(PrefixSoap + ":Envelope")
	env.CreateAttr("xmlns:"+PrefixSoap, NsSoap)
	env.CreateAttr("xmlns:"+PrefixIdentity, NsIdentity)
	env.CreateElement(PrefixSoap + ":Header")
	env.CreateElement(PrefixSoap + ":Body").CreateElement(PrefixIdentity + ":Identify")
	return NewDocumentWithRoot(env)
}

// IdentifyResponse holds the fields of an Identify reply.
type IdentifyResponse struct {
	ProtocolVersion string
	ProductVendor   string
	ProductVersion  string
}

// ParseIdentify extracts the Identify reply fields. ok is false when the
// document is not an IdentifyResponse.
func ParseIdentify(d *Document) (resp IdentifyResponse, ok bool) {
	body := d.Body()
	if body == nil {
		return resp, false
	}
	ir := body.FindElement("./IdentifyResponse")
	if ir == nil {
		return resp, false
	}
	get := func(tag string) string {
		if el := ir.FindElement("./" + tag); el != nil {
			return el.Text()
		}
		return ""
	}
	resp.ProtocolVersion = get("ProtocolVersion")
	resp.ProductVendor = get("ProductVendor")
	resp.ProductVersion = get("ProductVersion")
	return resp, true
}
