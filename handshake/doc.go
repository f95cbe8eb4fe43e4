// Package handshake implements the connection establishment state
// machine: capability exchange, fixed-suite negotiation, ephemeral key
// exchange with optional identity binding, trust-on-first-use host
// verification, and optional mutual password authentication.
//
// The suite is fixed (X25519, XSalsa20-Poly1305, HMAC-SHA256); any
// other announcement fails the handshake rather than negotiating down.
//
// Example:
//
//	framer := wire.NewFramer(conn)
//	result, err := handshake.Client(framer, handshake.ClientConfig{
//	    ServerHost: "chat.example.com",
//	    ServerPort: 27224,
//	    Password:   password,
//	    TrustStore: store,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	secure := wire.NewSecureFramer(framer, result.Session, true)
package handshake
