// Package wire implements the binary packet framing layer for the
// ascii-chat transport.
//
// Every packet carries an 18-byte big-endian header (magic, type,
// length, CRC32 checksum, reserved) followed by the payload. The
// Framer binds framing to a single net.Conn with deadline-bounded
// reads and writes; the SecureFramer layers a crypto.Session on top,
// passing handshake packets in plaintext and wrapping everything else
// in an encrypted envelope.
//
// Example:
//
//	framer := wire.NewFramer(conn)
//
//	err := framer.Send(wire.TypeTextMessage, []byte("hello"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	env, err := framer.Receive()
//	if err != nil {
//	    log.Fatal(err)
//	}
package wire
