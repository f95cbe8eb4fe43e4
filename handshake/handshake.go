package handshake

import (
	"errors"
	"fmt"
	"time"

	"github.com/asciichat/asciichat/crypto"
	"github.com/asciichat/asciichat/wire"
)

// State is the handshake lifecycle state.
type State int

const (
	// StateDisabled means encryption was negotiated off; the channel
	// stays plaintext.
	StateDisabled State = iota
	// StateInit is the capability exchange phase.
	StateInit
	// StateKeyExchange is the ephemeral key exchange phase.
	StateKeyExchange
	// StateAuthenticating is the challenge-response phase.
	StateAuthenticating
	// StateReady means the handshake completed and the session key is
	// active.
	StateReady
	// StateFailed is terminal; the connection must be torn down.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateInit:
		return "init"
	case StateKeyExchange:
		return "key-exchange"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Protocol constants.
const (
	// ProtocolVersion is the handshake message format version.
	ProtocolVersion = 1

	// Fixed cipher suite identifiers. Anything else in a capability or
	// parameter message fails the handshake; there is no downgrade path.
	SuiteKexX25519      = 1
	SuiteCipherXSalsa20 = 1
	SuiteAuthHMACSHA256 = 1

	// Capability flags (client to server).
	FlagEncryptionSupported = 0x01

	// Authentication requirement flags (server to client, echoed in the
	// challenge).
	AuthRequirePassword  = 0x01
	AuthRequireClientKey = 0x02

	// HandshakeTimeout bounds each handshake read, independent of the
	// payload timeouts used after establishment.
	HandshakeTimeout = 10 * time.Second
)

var (
	// ErrUnsupportedSuite indicates the peer announced a cipher suite
	// other than the fixed one.
	ErrUnsupportedSuite = errors.New("unsupported cipher suite")
	// ErrUnsupportedVersion indicates a handshake message format version
	// mismatch.
	ErrUnsupportedVersion = errors.New("unsupported handshake version")
	// ErrAuthFailed indicates challenge-response authentication failed.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrPasswordRequired indicates the server requires a password the
	// client does not have.
	ErrPasswordRequired = errors.New("server requires a password")
	// ErrHostKeyMismatch indicates the server's pinned key changed.
	// Possible man-in-the-middle; never bypassed silently.
	ErrHostKeyMismatch = errors.New("server key mismatch")
	// ErrUnknownHost indicates a first contact that the configuration
	// does not allow accepting automatically.
	ErrUnknownHost = errors.New("unknown server, first-contact acceptance not enabled")
	// ErrUnexpectedPacket indicates a packet type that is invalid in the
	// current handshake state.
	ErrUnexpectedPacket = errors.New("unexpected packet during handshake")
	// ErrMalformedPayload indicates a handshake payload of the wrong
	// shape.
	ErrMalformedPayload = errors.New("malformed handshake payload")
	// ErrEncryptionDisabled indicates the client asked for plaintext but
	// the server mandates encryption.
	ErrEncryptionDisabled = errors.New("peer requested plaintext but encryption is required")
)

// Result is the outcome of a completed handshake. Session is nil when
// the endpoints negotiated the no-encryption mode.
type Result struct {
	State   State
	Session *crypto.Session
}

// handshakeFramer rebinds a framer's connection with the handshake read
// timeout. The framer is a stateless conn wrapper, so layering a second
// one over the same conn is safe.
func handshakeFramer(f *wire.Framer) *wire.Framer {
	cfg := wire.DefaultFramerConfig()
	cfg.RecvTimeout = HandshakeTimeout
	return wire.NewFramerWithConfig(f.Conn(), cfg)
}

// capabilities is the client's opening announcement.
type capabilities struct {
	version byte
	flags   byte
	kex     byte
	cipher  byte
	auth    byte
}

const capabilitiesSize = 5

func (c capabilities) encode() []byte {
	return []byte{c.version, c.flags, c.kex, c.cipher, c.auth}
}

func parseCapabilities(payload []byte) (capabilities, error) {
	if len(payload) != capabilitiesSize {
		return capabilities{}, fmt.Errorf("capabilities payload %d bytes: %w", len(payload), ErrMalformedPayload)
	}
	return capabilities{
		version: payload[0],
		flags:   payload[1],
		kex:     payload[2],
		cipher:  payload[3],
		auth:    payload[4],
	}, nil
}

// checkSuite validates version and the fixed suite.
func (c capabilities) checkSuite() error {
	if c.version != ProtocolVersion {
		return fmt.Errorf("version %d: %w", c.version, ErrUnsupportedVersion)
	}
	if c.kex != SuiteKexX25519 || c.cipher != SuiteCipherXSalsa20 || c.auth != SuiteAuthHMACSHA256 {
		return fmt.Errorf("kex=%d cipher=%d auth=%d: %w", c.kex, c.cipher, c.auth, ErrUnsupportedSuite)
	}
	return nil
}

// parameters is the server's reply: the same suite echo plus the
// authentication requirement flags.
type parameters = capabilities

// Key exchange payload shapes: a bare ephemeral key, or the ephemeral
// key bound to a long-term identity by a signature.
const (
	kexBareSize     = 32
	kexIdentitySize = 32 + crypto.IdentityPublicKeySize + crypto.SignatureSize
)

// keyExchangeInit is the server's half of the key exchange.
type keyExchangeInit struct {
	ephemeral   [32]byte
	hasIdentity bool
	identity    [crypto.IdentityPublicKeySize]byte
	signature   [crypto.SignatureSize]byte
}

func (k keyExchangeInit) encode() []byte {
	if !k.hasIdentity {
		out := make([]byte, kexBareSize)
		copy(out, k.ephemeral[:])
		return out
	}
	out := make([]byte, kexIdentitySize)
	copy(out[0:32], k.ephemeral[:])
	copy(out[32:64], k.identity[:])
	copy(out[64:], k.signature[:])
	return out
}

func parseKeyExchangeInit(payload []byte) (keyExchangeInit, error) {
	var k keyExchangeInit
	switch len(payload) {
	case kexBareSize:
		copy(k.ephemeral[:], payload)
	case kexIdentitySize:
		k.hasIdentity = true
		copy(k.ephemeral[:], payload[0:32])
		copy(k.identity[:], payload[32:64])
		copy(k.signature[:], payload[64:])
	default:
		return k, fmt.Errorf("key exchange payload %d bytes: %w", len(payload), ErrMalformedPayload)
	}
	return k, nil
}

// authChallenge carries the requirement flags and a random nonce.
type authChallenge struct {
	flags byte
	nonce [crypto.ChallengeSize]byte
}

const authChallengeSize = 1 + crypto.ChallengeSize

func (a authChallenge) encode() []byte {
	out := make([]byte, authChallengeSize)
	out[0] = a.flags
	copy(out[1:], a.nonce[:])
	return out
}

func parseAuthChallenge(payload []byte) (authChallenge, error) {
	if len(payload) != authChallengeSize {
		return authChallenge{}, fmt.Errorf("auth challenge payload %d bytes: %w", len(payload), ErrMalformedPayload)
	}
	a := authChallenge{flags: payload[0]}
	copy(a.nonce[:], payload[1:])
	return a, nil
}

// authResponse carries the client's proof plus its own challenge for
// mutual authentication.
type authResponse struct {
	hmac            [crypto.AuthHMACSize]byte
	clientChallenge [crypto.ChallengeSize]byte
}

const authResponseSize = crypto.AuthHMACSize + crypto.ChallengeSize

func (a authResponse) encode() []byte {
	out := make([]byte, authResponseSize)
	copy(out[:crypto.AuthHMACSize], a.hmac[:])
	copy(out[crypto.AuthHMACSize:], a.clientChallenge[:])
	return out
}

func parseAuthResponse(payload []byte) (authResponse, error) {
	if len(payload) != authResponseSize {
		return authResponse{}, fmt.Errorf("auth response payload %d bytes: %w", len(payload), ErrMalformedPayload)
	}
	var a authResponse
	copy(a.hmac[:], payload[:crypto.AuthHMACSize])
	copy(a.clientChallenge[:], payload[crypto.AuthHMACSize:])
	return a, nil
}

func parseServerAuthResp(payload []byte) ([crypto.AuthHMACSize]byte, error) {
	var h [crypto.AuthHMACSize]byte
	if len(payload) != crypto.AuthHMACSize {
		return h, fmt.Errorf("server auth payload %d bytes: %w", len(payload), ErrMalformedPayload)
	}
	copy(h[:], payload)
	return h, nil
}
