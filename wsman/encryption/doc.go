// Package encryption frames SOAP messages sealed with a GSS-API security
// context as the multipart/encrypted payload WinRM expects when Kerberos
// message encryption is in use.
//
// An outbound payload looks like this, every line ending in a bare "\r":
//
//	--Encrypted Boundary
//	Content-Type: application/HTTP-Kerberos-session-encrypted
//	OriginalContent: type=application/soap+xml;charset=UTF-8;Length=<N>
//	--Encrypted Boundary
//	Content-Type: application/octet-stream
//	<4 byte length field><sealed message>--Encrypted Boundary
//
// The sealing itself is done by the security context passed to [Encode] and
// [Decode]; this package only handles the framing.
package encryption
