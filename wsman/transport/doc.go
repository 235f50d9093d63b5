// Package transport provides HTTP/TLS transport for WSMan communication.
//
// The transport layer handles:
//   - HTTP/HTTPS connections with pooled response buffers
//   - TLS configuration (TLS 1.2 minimum)
//   - Trust policies: caller supplied certificate and hostname checks
//     installed through the TLS VerifyConnection hook
//   - Request/response handling; responses are returned fully read so the
//     caller can validate status and content type itself
package transport
