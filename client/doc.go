// Package client is the WinRM transport: it authenticates an HTTP(S)
// session to a WinRM listener and exchanges SOAP messages over it.
//
// Usernames of the form user@REALM use Kerberos. The realm login happens in
// Connect, followed by one empty message that completes the Kerberos (or
// SPNEGO) handshake. From then on every message is encrypted with the
// session key using the multipart/encrypted envelope, whether or not TLS is
// in use. Other usernames use HTTP Basic.
//
// Exchanges are serialized: a Client has at most one request in flight.
// Every failure is a *TransportError; use IsKind to classify it.
//
// # Quick Start
//
//	cfg := client.DefaultConfig("server.example.com")
//	cfg.Username = "admin@EXAMPLE.COM"
//	cfg.Password = password
//
//	c, err := client.New(cfg, client.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Disconnect(ctx)
//
//	resp, err := c.SendDocument(ctx, doc)
//
// NewFromOptions builds the same client from a string option bag
// (connectionType, port, winrmTimeout and so on), as loaded from a file.
package client
