package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"
)

// Cipher layout constants for the XSalsa20-Poly1305 session cipher.
const (
	// NonceSize is the XSalsa20 nonce size: 16-byte session ID plus an
	// 8-byte counter.
	NonceSize = 24
	// MACSize is the Poly1305 authentication tag size.
	MACSize = secretbox.Overhead
	// SessionIDSize is the size of the per-connection session identifier.
	SessionIDSize = 16
	// Overhead is the total ciphertext expansion per encrypted message.
	Overhead = NonceSize + MACSize
	// MaxPlaintextSize bounds a single encryption call (1 MiB).
	MaxPlaintextSize = 1024 * 1024
)

// State is the session's lifecycle state. The pending rekey key material
// only exists while the session is in StateRekeying.
type State int

const (
	// StateUninitialized means no peer key has been received yet.
	StateUninitialized State = iota
	// StateKeyExchanged means the shared secret is derived but the
	// handshake (trust decision, authentication) has not completed.
	StateKeyExchanged
	// StateReady means the session can encrypt and decrypt payloads.
	StateReady
	// StateRekeying means a rekey negotiation is in flight; the old key
	// remains active until the rekey commits.
	StateRekeying
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateKeyExchanged:
		return "key-exchange-complete"
	case StateReady:
		return "ready"
	case StateRekeying:
		return "rekeying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotReady indicates an encrypt/decrypt call before the session
	// reached the ready state.
	ErrNotReady = errors.New("session not ready for encryption")
	// ErrNonceExhausted indicates the nonce counter reached its reserved
	// sentinel; the caller must force a rekey, this is not a connection
	// error by itself.
	ErrNonceExhausted = errors.New("nonce counter exhausted, rekey required")
	// ErrDecryptFailed indicates authentication tag verification failed.
	// No plaintext is ever returned alongside this error.
	ErrDecryptFailed = errors.New("decryption failed: invalid MAC or corrupted data")
	// ErrCiphertextTooShort indicates a ciphertext smaller than the
	// mandatory nonce plus MAC overhead.
	ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce and MAC")
	// ErrPlaintextTooLarge indicates a plaintext above MaxPlaintextSize.
	ErrPlaintextTooLarge = errors.New("plaintext too large")
	// ErrEmptyPlaintext indicates an empty encryption request.
	ErrEmptyPlaintext = errors.New("empty plaintext")
	// ErrKeyExchangeIncomplete indicates a key operation before the peer
	// key was received.
	ErrKeyExchangeIncomplete = errors.New("key exchange not complete")
	// ErrNoPassword indicates a password-only setup without a configured
	// password.
	ErrNoPassword = errors.New("no password configured")
)

// Stats reports session traffic bookkeeping.
type Stats struct {
	BytesEncrypted   uint64
	BytesDecrypted   uint64
	PacketsEncrypted uint64
	PacketsDecrypted uint64
	NonceCounter     uint64
	RekeysCompleted  uint64
	RekeyFailures    int
}

// pendingRekey holds key material for an in-flight rekey. It is only
// reachable through a Session in StateRekeying and is wiped on abort.
type pendingRekey struct {
	keyPair   *KeyPair
	sharedKey [32]byte
	hasSecret bool
	startedAt time.Time
}

// Session owns all per-connection cryptographic state: the ephemeral key
// pair, the derived session key, the optional password key, the nonce
// counter, and rekey bookkeeping. It is not safe for concurrent use.
type Session struct {
	state State

	keyPair    *KeyPair
	peerPublic [32]byte
	dhSecret   [32]byte
	sessionKey [32]byte

	// prevKey is the session key retired by the last rekey commit. It
	// only decrypts; packets sealed under it can still be in flight when
	// the commit lands, and dropping them would break the stream.
	prevKey    [32]byte
	hasPrevKey bool

	passwordKey [32]byte
	hasPassword bool

	sessionID    [SessionIDSize]byte
	nonceCounter uint64

	pending *pendingRekey
	policy  RekeyPolicy

	packetsSinceRekey uint64
	lastRekey         time.Time
	lastRekeyRequest  time.Time
	rekeyFailures     int
	rekeysCompleted   uint64

	bytesEncrypted   uint64
	bytesDecrypted   uint64
	packetsEncrypted uint64
	packetsDecrypted uint64
}

// NewSession creates a session with a fresh ephemeral key pair, a random
// session identifier, and the default rekey policy. The nonce counter
// starts at 1; 0 is reserved.
func NewSession() (*Session, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}

	s := &Session{
		state:        StateUninitialized,
		keyPair:      kp,
		nonceCounter: 1,
		policy:       DefaultRekeyPolicy(),
		lastRekey:    time.Now(),
	}
	if _, err := rand.Read(s.sessionID[:]); err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewSession",
		"session_id": fmt.Sprintf("%x", s.sessionID[:4]),
	}).Debug("Crypto session initialized with ephemeral X25519 keypair")

	return s, nil
}

// NewSessionWithPassword creates a session that additionally derives an
// Argon2id password key, binding password knowledge into the session key.
func NewSessionWithPassword(password string) (*Session, error) {
	s, err := NewSession()
	if err != nil {
		return nil, err
	}
	if err := s.SetPassword(password); err != nil {
		return nil, err
	}
	return s, nil
}

// SetPassword derives and installs the password key. Must be called before
// CompleteKeyExchange so the password is mixed into the session key.
func (s *Session) SetPassword(password string) error {
	key, err := DerivePasswordKey(password)
	if err != nil {
		return err
	}
	s.passwordKey = key
	s.hasPassword = true
	return nil
}

// HasPassword reports whether a password key is configured.
func (s *Session) HasPassword() bool { return s.hasPassword }

// PublicKey returns the session's current ephemeral public key.
func (s *Session) PublicKey() [32]byte { return s.keyPair.Public }

// PeerPublicKey returns the peer's ephemeral public key.
func (s *Session) PeerPublicKey() [32]byte { return s.peerPublic }

// SessionID returns the fixed per-connection session identifier used as
// the nonce prefix.
func (s *Session) SessionID() [SessionIDSize]byte { return s.sessionID }

// State returns the current session state.
func (s *Session) State() State { return s.state }

// SetRekeyPolicy replaces the rekey policy. Intended for configuration at
// session setup; changing policy mid-connection only affects future
// threshold checks.
func (s *Session) SetRekeyPolicy(p RekeyPolicy) { s.policy = p }

// CompleteKeyExchange derives the shared secret from the peer's ephemeral
// public key and transitions to key-exchange-complete. When a password is
// configured the session key becomes HMAC-SHA256(passwordKey, dhSecret),
// so producing a working key requires knowing both the DH secret and the
// password.
func (s *Session) CompleteKeyExchange(peerPublic [32]byte) error {
	if s.state != StateUninitialized {
		return fmt.Errorf("key exchange in state %s: %w", s.state, ErrKeyExchangeIncomplete)
	}

	secret, err := DeriveSharedSecret(peerPublic, s.keyPair.Private)
	if err != nil {
		return err
	}

	s.peerPublic = peerPublic
	s.dhSecret = secret
	s.sessionKey = s.mixSessionKey(secret)
	s.state = StateKeyExchanged

	logrus.WithFields(logrus.Fields{
		"function":     "CompleteKeyExchange",
		"has_password": s.hasPassword,
	}).Debug("Key exchange completed, session key derived")

	return nil
}

// mixSessionKey combines the DH secret with the password key when one is
// configured.
func (s *Session) mixSessionKey(dhSecret [32]byte) [32]byte {
	if !s.hasPassword {
		return dhSecret
	}
	mac := hmac.New(sha256.New, s.passwordKey[:])
	mac.Write(dhSecret[:])

	var key [32]byte
	copy(key[:], mac.Sum(nil))
	return key
}

// UsePasswordOnly activates the password key directly as the session
// key, skipping the Diffie-Hellman exchange. Compatibility mode for
// peers that cannot run a key exchange; it gives up forward secrecy,
// so the handshake prefers a full exchange whenever one is possible.
func (s *Session) UsePasswordOnly() error {
	if s.state != StateUninitialized {
		return fmt.Errorf("password-only setup in state %s: %w", s.state, ErrKeyExchangeIncomplete)
	}
	if !s.hasPassword {
		return ErrNoPassword
	}
	s.sessionKey = s.passwordKey
	s.state = StateKeyExchanged

	logrus.WithFields(logrus.Fields{
		"function": "UsePasswordOnly",
	}).Warn("Session keyed from password only, no forward secrecy")

	return nil
}

// SharedSecret returns the raw DH shared secret. The handshake uses it to
// bind authentication responses to the key exchange.
func (s *Session) SharedSecret() [32]byte { return s.dhSecret }

// PasswordKey returns the derived password key. Only meaningful when
// HasPassword reports true.
func (s *Session) PasswordKey() [32]byte { return s.passwordKey }

// MarkReady transitions to the ready state after the handshake's trust
// decision and authentication succeeded.
func (s *Session) MarkReady() error {
	if s.state != StateKeyExchanged {
		return fmt.Errorf("cannot mark ready from state %s: %w", s.state, ErrNotReady)
	}
	s.state = StateReady
	s.lastRekey = time.Now()
	return nil
}

// nextNonce builds sessionID || counter and consumes exactly one counter
// value. Counter value 0 is reserved and math.MaxUint64 is the exhaustion
// sentinel; hitting it yields ErrNonceExhausted so the caller can force a
// rekey.
func (s *Session) nextNonce() ([NonceSize]byte, error) {
	if s.nonceCounter == 0 || s.nonceCounter == math.MaxUint64 {
		return [NonceSize]byte{}, ErrNonceExhausted
	}

	var nonce [NonceSize]byte
	copy(nonce[:SessionIDSize], s.sessionID[:])
	binary.BigEndian.PutUint64(nonce[SessionIDSize:], s.nonceCounter)
	s.nonceCounter++
	return nonce, nil
}

// Encrypt encrypts a payload under the active session key, producing
// nonce || ciphertext || tag. Requires the session to be ready; during a
// rekey the old key continues to encrypt until the rekey commits.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if s.state != StateReady && s.state != StateRekeying {
		return nil, ErrNotReady
	}
	return s.encryptUnder(&s.sessionKey, plaintext)
}

func (s *Session) encryptUnder(key *[32]byte, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, ErrPlaintextTooLarge
	}

	nonce, err := s.nextNonce()
	if err != nil {
		return nil, err
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+MACSize)
	copy(out, nonce[:])
	out = secretbox.Seal(out, plaintext, &nonce, key)

	s.bytesEncrypted += uint64(len(plaintext))
	s.packetsEncrypted++
	s.packetsSinceRekey++

	return out, nil
}

// Decrypt verifies and decrypts a nonce || ciphertext || tag message under
// the active session key, falling back to the key retired by the last
// rekey for packets that were in flight across the commit. Tag
// verification failure is unrecoverable for that packet and never
// yields partial plaintext.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	if s.state != StateReady && s.state != StateRekeying {
		return nil, ErrNotReady
	}

	plaintext, err := s.decryptUnder(&s.sessionKey, ciphertext)
	if err == ErrDecryptFailed && s.hasPrevKey {
		plaintext, err = s.decryptUnder(&s.prevKey, ciphertext)
	}
	if err == ErrDecryptFailed {
		logrus.WithFields(logrus.Fields{
			"function":       "Decrypt",
			"ciphertext_len": len(ciphertext),
		}).Error("Decryption failed: invalid MAC or corrupted data")
	}
	return plaintext, err
}

func (s *Session) decryptUnder(key *[32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrCiphertextTooShort
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecryptFailed
	}

	s.bytesDecrypted += uint64(len(plaintext))
	s.packetsDecrypted++

	return plaintext, nil
}

// Stats returns a snapshot of session traffic bookkeeping.
func (s *Session) Stats() Stats {
	return Stats{
		BytesEncrypted:   s.bytesEncrypted,
		BytesDecrypted:   s.bytesDecrypted,
		PacketsEncrypted: s.packetsEncrypted,
		PacketsDecrypted: s.packetsDecrypted,
		NonceCounter:     s.nonceCounter,
		RekeysCompleted:  s.rekeysCompleted,
		RekeyFailures:    s.rekeyFailures,
	}
}

// Wipe erases all key material and resets the session to uninitialized.
func (s *Session) Wipe() {
	if s.keyPair != nil {
		_ = WipeKeyPair(s.keyPair)
	}
	ZeroBytes(s.dhSecret[:])
	ZeroBytes(s.sessionKey[:])
	ZeroBytes(s.prevKey[:])
	s.hasPrevKey = false
	ZeroBytes(s.passwordKey[:])
	if s.pending != nil {
		s.wipePending()
	}
	s.state = StateUninitialized

	logrus.WithFields(logrus.Fields{
		"function":         "Wipe",
		"bytes_encrypted":  s.bytesEncrypted,
		"bytes_decrypted":  s.bytesDecrypted,
		"rekeys_completed": s.rekeysCompleted,
	}).Debug("Crypto session wiped")
}
