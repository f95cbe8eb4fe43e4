package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Ed25519 sizes as they appear on the wire.
const (
	IdentityPublicKeySize = ed25519.PublicKeySize
	SignatureSize         = ed25519.SignatureSize
)

// ErrBadSignature indicates an identity signature failed verification.
var ErrBadSignature = errors.New("identity signature verification failed")

// Identity is a long-term Ed25519 identity key pair. Servers use it to
// sign their ephemeral key-exchange keys so clients can pin the identity
// in the known-hosts store.
type Identity struct {
	Public  [IdentityPublicKeySize]byte
	private ed25519.PrivateKey
}

// GenerateIdentity creates a new long-term Ed25519 identity.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}

	id := &Identity{private: priv}
	copy(id.Public[:], pub)
	return id, nil
}

// IdentityFromSeed reconstructs an identity from a 32-byte Ed25519 seed.
func IdentityFromSeed(seed [32]byte) *Identity {
	priv := ed25519.NewKeyFromSeed(seed[:])
	id := &Identity{private: priv}
	copy(id.Public[:], priv.Public().(ed25519.PublicKey))
	return id
}

// SignEphemeralKey signs an ephemeral public key with the long-term
// identity key, binding the ephemeral exchange to this identity.
func (id *Identity) SignEphemeralKey(ephemeral [32]byte) [SignatureSize]byte {
	sig := ed25519.Sign(id.private, ephemeral[:])

	logrus.WithFields(logrus.Fields{
		"function":        "SignEphemeralKey",
		"identity_prefix": fmt.Sprintf("%x", id.Public[:8]),
	}).Debug("Signed ephemeral key with identity key")

	var out [SignatureSize]byte
	copy(out[:], sig)
	return out
}

// VerifyEphemeralKey verifies a peer's signature over its ephemeral public
// key. Failure means the ephemeral key was not produced by the holder of
// the presented identity and the handshake must not proceed.
func VerifyEphemeralKey(identity [IdentityPublicKeySize]byte, ephemeral [32]byte, sig [SignatureSize]byte) error {
	if !ed25519.Verify(identity[:], ephemeral[:], sig[:]) {
		logrus.WithFields(logrus.Fields{
			"function":        "VerifyEphemeralKey",
			"identity_prefix": fmt.Sprintf("%x", identity[:8]),
		}).Error("Ephemeral key signature verification failed")
		return ErrBadSignature
	}
	return nil
}

// Wipe erases the identity's private key material.
func (id *Identity) Wipe() {
	ZeroBytes(id.private)
}
