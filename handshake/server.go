package handshake

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/asciichat/asciichat/crypto"
	"github.com/asciichat/asciichat/wire"
)

// ServerConfig carries everything the server side of the handshake
// needs.
type ServerConfig struct {
	// Password makes authentication mandatory when non-empty.
	Password string

	// Identity is the server's long-term key. When set, the ephemeral
	// key is signed so clients can pin the identity.
	Identity *crypto.Identity

	// AllowPlaintext accepts clients that negotiate the no-encryption
	// mode. Off by default; a plaintext request is then a hard failure.
	AllowPlaintext bool
}

// Server runs the server side of the handshake over the framer's
// connection and returns the established session.
func Server(f *wire.Framer, cfg ServerConfig) (*Result, error) {
	hf := handshakeFramer(f)

	env, err := hf.Receive()
	if err != nil {
		return nil, fmt.Errorf("waiting for client hello: %w", err)
	}

	switch env.Type {
	case wire.TypeNoEncryption:
		return serverPlaintext(hf, cfg)
	case wire.TypeCryptoCapabilities:
	default:
		return nil, fmt.Errorf("got %s, want capabilities: %w", env.Type, ErrUnexpectedPacket)
	}

	caps, err := parseCapabilities(env.Payload)
	if err != nil {
		return nil, err
	}
	if err := caps.checkSuite(); err != nil {
		return nil, err
	}

	var authFlags byte
	if cfg.Password != "" {
		authFlags |= AuthRequirePassword
	}
	params := parameters{
		version: ProtocolVersion,
		flags:   authFlags,
		kex:     SuiteKexX25519,
		cipher:  SuiteCipherXSalsa20,
		auth:    SuiteAuthHMACSHA256,
	}
	if err := hf.Send(wire.TypeCryptoParameters, params.encode()); err != nil {
		return nil, fmt.Errorf("failed to send crypto parameters: %w", err)
	}

	// Key exchange: our ephemeral first, identity-signed when we have
	// one.
	sess, err := crypto.NewSession()
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		if err := sess.SetPassword(cfg.Password); err != nil {
			return nil, err
		}
	}

	kex := keyExchangeInit{ephemeral: sess.PublicKey()}
	if cfg.Identity != nil {
		kex.hasIdentity = true
		kex.identity = cfg.Identity.Public
		kex.signature = cfg.Identity.SignEphemeralKey(kex.ephemeral)
	}
	if err := hf.Send(wire.TypeKeyExchangeInit, kex.encode()); err != nil {
		return nil, fmt.Errorf("failed to send key exchange: %w", err)
	}

	env, err = hf.Receive()
	if err != nil {
		return nil, fmt.Errorf("waiting for key exchange response: %w", err)
	}
	if env.Type != wire.TypeKeyExchangeResp {
		return nil, fmt.Errorf("got %s, want key exchange response: %w", env.Type, ErrUnexpectedPacket)
	}
	if len(env.Payload) != kexBareSize {
		return nil, fmt.Errorf("key exchange response %d bytes: %w", len(env.Payload), ErrMalformedPayload)
	}
	var clientEphemeral [32]byte
	copy(clientEphemeral[:], env.Payload)
	if err := sess.CompleteKeyExchange(clientEphemeral); err != nil {
		return nil, err
	}

	if cfg.Password != "" {
		if err := serverAuthenticate(hf, sess, authFlags); err != nil {
			return nil, err
		}
	}

	if err := hf.Send(wire.TypeHandshakeComplete, nil); err != nil {
		return nil, fmt.Errorf("failed to send handshake completion: %w", err)
	}
	if err := sess.MarkReady(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Server",
		"has_password": cfg.Password != "",
		"has_identity": cfg.Identity != nil,
	}).Info("Handshake completed, session established")

	return &Result{State: StateReady, Session: sess}, nil
}

// serverPlaintext confirms or rejects a client's no-encryption request.
func serverPlaintext(hf *wire.Framer, cfg ServerConfig) (*Result, error) {
	if !cfg.AllowPlaintext {
		// Tell the client why before failing the handshake.
		_ = hf.Send(wire.TypeAuthFailed, []byte{0})
		return nil, ErrEncryptionDisabled
	}
	if err := hf.Send(wire.TypeHandshakeComplete, nil); err != nil {
		return nil, fmt.Errorf("failed to confirm plaintext mode: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "serverPlaintext",
	}).Warn("Encryption disabled, channel is plaintext")

	return &Result{State: StateDisabled}, nil
}

// serverAuthenticate runs the challenge-response round: challenge the
// client, verify its proof, and answer its mutual-auth challenge.
func serverAuthenticate(hf *wire.Framer, sess *crypto.Session, authFlags byte) error {
	nonce, err := crypto.GenerateChallenge()
	if err != nil {
		return err
	}

	challenge := authChallenge{flags: authFlags, nonce: nonce}
	if err := hf.Send(wire.TypeAuthChallenge, challenge.encode()); err != nil {
		return fmt.Errorf("failed to send auth challenge: %w", err)
	}

	env, err := hf.Receive()
	if err != nil {
		return fmt.Errorf("waiting for auth response: %w", err)
	}
	if env.Type != wire.TypeAuthResponse {
		return fmt.Errorf("got %s, want auth response: %w", env.Type, ErrUnexpectedPacket)
	}
	resp, err := parseAuthResponse(env.Payload)
	if err != nil {
		return err
	}

	if !crypto.VerifyAuthResponse(sess.PasswordKey(), nonce, sess.SharedSecret(), resp.hmac) {
		logrus.WithFields(logrus.Fields{
			"function": "serverAuthenticate",
		}).Warn("Client failed password authentication")
		_ = hf.Send(wire.TypeAuthFailed, []byte{authFlags})
		return ErrAuthFailed
	}

	// Mutual authentication: answer the client's challenge.
	serverProof := crypto.ComputeAuthResponse(sess.PasswordKey(), resp.clientChallenge, sess.SharedSecret())
	if err := hf.Send(wire.TypeServerAuthResp, serverProof[:]); err != nil {
		return fmt.Errorf("failed to send server auth: %w", err)
	}
	return nil
}
