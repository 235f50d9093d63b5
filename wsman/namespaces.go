package wsman

// Namespaces of the headers the envelope builder writes and the fault parser
// reads.
const (
	NsSoap           = "http://www.w3.org/2003/05/soap-envelope"
	NsAddressing     = "http://schemas.xmlsoap.org/ws/2004/08/addressing"
	NsWsman          = "http://schemas.dmtf.org/wbem/wsman/1/wsman.xsd"
	NsWsmanMicrosoft = "http://schemas.microsoft.com/wbem/wsman/1/wsman.xsd"
	NsIdentity       = "http://schemas.dmtf.org/wbem/wsman/identity/1/wsmanidentity.xsd"
)

// Prefixes bound to the namespaces above in every built envelope.
const (
	PrefixSoap       = "s"
	PrefixAddressing = "a"
	PrefixWsman      = "w"
	PrefixMicrosoft  = "p"
	PrefixIdentity   = "wsmid"
)

// AddressAnonymous is the ReplyTo address for request/response exchanges.
const AddressAnonymous = NsAddressing + "/role/anonymous"

// ActionGet is the WS-Transfer Get action.
const ActionGet = "http://schemas.xmlsoap.org/ws/2004/09/transfer/Get"

// ResourceURIWinRMConfig addresses the WinRM service configuration.
const ResourceURIWinRMConfig = "http://schemas.microsoft.com/wbem/wsman/1/config"
