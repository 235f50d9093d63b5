// Package wsman is the SOAP layer of the WinRM client.
//
// It provides a [Document] type backed by github.com/beevik/etree, a codec
// ([Encode], [Decode], [Pretty]) used by the transport to move documents on
// and off the wire, an [Envelope] builder for WS-Addressing and
// WS-Management headers, and SOAP 1.2 fault extraction ([ParseFault],
// [CheckFault]).
//
// # Subpackages
//
//   - auth: HTTP authentication schemes (Basic, Kerberos, Negotiate) and the
//     Kerberos negotiation engine
//   - encryption: the multipart/encrypted message envelope
//   - transport: HTTP/TLS transport and the trust policy hook
//
// # Example
//
//	doc := wsman.NewEnvelope().
//		WithTo("https://server:5986/wsman").
//		WithAction(wsman.ActionGet).
//		WithResourceURI(wsman.ResourceURIWinRMConfig).
//		WithOperationTimeout(60 * time.Second).
//		Document()
//	text, err := wsman.Encode(doc)
package wsman
