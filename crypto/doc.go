// Package crypto implements the per-connection cryptographic session for
// ascii-chat: X25519 ephemeral key exchange, XSalsa20-Poly1305
// authenticated encryption, optional Argon2id password binding, Ed25519
// host identity signatures, and the in-band session rekeying state
// machine.
//
// A Session is owned by exactly one connection and is not safe for
// concurrent mutation; encryption order must match network send order
// because nonces are derived from a monotonic counter.
//
// Example:
//
//	sess, err := crypto.NewSession()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := sess.CompleteKeyExchange(peerPublic); err != nil {
//	    log.Fatal(err)
//	}
//	sess.MarkReady()
//	ciphertext, err := sess.Encrypt(payload)
package crypto
