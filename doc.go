// Package winrm is a WinRM (WS-Management over HTTP) transport client.
//
// It authenticates to a WinRM listener with HTTP Basic or Kerberos, encrypts
// messages with the Kerberos session key when Kerberos is used, and exchanges
// SOAP documents with the server.
//
// # Architecture
//
// The library is organized into layers:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  client/            Session lifecycle, SendRequest      │
//	├─────────────────────────────────────────────────────────┤
//	│  wsman/             SOAP codec, envelopes, faults       │
//	│  wsman/encryption   multipart/encrypted message format  │
//	├─────────────────────────────────────────────────────────┤
//	│  wsman/auth         Basic, Kerberos/SPNEGO, principals  │
//	│  wsman/transport    HTTP(S), trust policy               │
//	└─────────────────────────────────────────────────────────┘
//
// # Quick Start
//
//	cfg := client.DefaultConfig("server.example.com")
//	cfg.Username = "admin@EXAMPLE.COM"
//	cfg.Password = password
//
//	c, err := client.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Disconnect(ctx)
//
//	id, err := c.Identify(ctx)
//
// The winrm-send command under cmd/ wraps the same API for the shell.
package winrm
