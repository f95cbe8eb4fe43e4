package wire

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/asciichat/asciichat/crypto"
)

// SecureFramer layers a crypto session over a Framer. Handshake and
// rekey packets pass through in plaintext; every other packet is
// serialized (inner header plus payload) and sealed as a unit into an
// Encrypted envelope, so the real packet type and length are hidden
// from the wire.
type SecureFramer struct {
	framer  *Framer
	session *crypto.Session

	// requireEncryption rejects inbound plaintext application packets.
	// Off only when the endpoints negotiated the no-encryption mode.
	requireEncryption bool
}

// NewSecureFramer wraps a framer with a crypto session. The session may
// still be mid-handshake; handshake packets flow regardless of its
// state.
func NewSecureFramer(framer *Framer, session *crypto.Session, requireEncryption bool) *SecureFramer {
	return &SecureFramer{
		framer:            framer,
		session:           session,
		requireEncryption: requireEncryption,
	}
}

// Framer returns the underlying plaintext framer, used by the handshake
// before the session exists.
func (sf *SecureFramer) Framer() *Framer { return sf.framer }

// Session returns the wrapped crypto session.
func (sf *SecureFramer) Session() *crypto.Session { return sf.session }

// RequireEncryption reports whether plaintext application packets are
// rejected on receive.
func (sf *SecureFramer) RequireEncryption() bool { return sf.requireEncryption }

// Send transmits one packet, encrypting it unless the type belongs to
// the handshake or the endpoints run in plaintext mode.
func (sf *SecureFramer) Send(t Type, payload []byte) error {
	if IsHandshakeType(t) {
		return sf.framer.Send(t, payload)
	}

	if !sf.requireEncryption && sf.session == nil {
		return sf.framer.Send(t, payload)
	}
	if sf.session == nil {
		return ErrSessionNotReady
	}

	inner, err := EncodePacket(t, payload)
	if err != nil {
		return err
	}

	ciphertext, err := sf.session.Encrypt(inner)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s packet: %w", t, err)
	}

	return sf.framer.Send(TypeEncrypted, ciphertext)
}

// Receive reads the next packet. Encrypted envelopes are opened and
// their inner packet fully re-validated (magic, size class, checksum);
// plaintext packets are only accepted for handshake types unless the
// no-encryption mode is active.
func (sf *SecureFramer) Receive() (*Envelope, error) {
	env, err := sf.framer.Receive()
	if err != nil {
		return nil, err
	}
	return sf.Open(env)
}

// Open applies the decryption and downgrade policy to an
// already-received envelope. Split out from Receive so callers that
// interleave receiving with other session work can separate the
// blocking read from the session-touching half.
func (sf *SecureFramer) Open(env *Envelope) (*Envelope, error) {
	if env.Type != TypeEncrypted {
		if IsHandshakeType(env.Type) {
			return env, nil
		}
		if sf.requireEncryption {
			logrus.WithFields(logrus.Fields{
				"function":    "Receive",
				"packet_type": env.Type.String(),
			}).Warn("Rejecting plaintext packet, encryption is required")
			return nil, ErrEncryptionRequired
		}
		return env, nil
	}

	if sf.session == nil {
		return nil, ErrSessionNotReady
	}

	inner, err := sf.session.Decrypt(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt envelope: %w", err)
	}

	decoded, err := DecodePacket(inner)
	if err != nil {
		return nil, fmt.Errorf("invalid inner packet: %w", err)
	}
	if decoded.Type == TypeEncrypted {
		return nil, &ProtocolError{
			Kind:   KindSizeViolation,
			Detail: "encrypted envelope nested inside an encrypted envelope",
		}
	}

	return decoded, nil
}
