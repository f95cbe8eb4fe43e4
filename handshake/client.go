package handshake

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/asciichat/asciichat/crypto"
	"github.com/asciichat/asciichat/trust"
	"github.com/asciichat/asciichat/wire"
)

// ClientConfig carries everything the client side of the handshake
// needs.
type ClientConfig struct {
	// ServerHost and ServerPort identify the endpoint in the trust
	// store.
	ServerHost string
	ServerPort int

	// Password enables the shared-password layer when non-empty.
	Password string

	// DisableEncryption negotiates a plaintext channel instead of
	// running the crypto handshake.
	DisableEncryption bool

	// TrustStore holds pinned server keys. Nil skips host verification
	// entirely (tests and explicit opt-outs only).
	TrustStore *trust.Store

	// AcceptNewHosts pins unknown endpoints on first contact. Off by
	// default: non-interactive runs reject unknown hosts, and an
	// interactive caller sets this only after the user accepted the
	// fingerprint.
	AcceptNewHosts bool

	// InsecureSkipVerify bypasses the trust check even with a store
	// configured. The environment override feeds this.
	InsecureSkipVerify bool
}

// Client runs the client side of the handshake over the framer's
// connection and returns the established session.
func Client(f *wire.Framer, cfg ClientConfig) (*Result, error) {
	hf := handshakeFramer(f)

	if cfg.DisableEncryption {
		return clientPlaintext(hf)
	}

	// Phase 1: capability exchange.
	caps := capabilities{
		version: ProtocolVersion,
		flags:   FlagEncryptionSupported,
		kex:     SuiteKexX25519,
		cipher:  SuiteCipherXSalsa20,
		auth:    SuiteAuthHMACSHA256,
	}
	if err := hf.Send(wire.TypeCryptoCapabilities, caps.encode()); err != nil {
		return nil, fmt.Errorf("failed to send capabilities: %w", err)
	}

	env, err := hf.Receive()
	if err != nil {
		return nil, fmt.Errorf("waiting for crypto parameters: %w", err)
	}
	if env.Type != wire.TypeCryptoParameters {
		return nil, fmt.Errorf("got %s, want crypto parameters: %w", env.Type, ErrUnexpectedPacket)
	}
	params, err := parseCapabilities(env.Payload)
	if err != nil {
		return nil, err
	}
	if err := params.checkSuite(); err != nil {
		return nil, err
	}
	if params.flags&AuthRequirePassword != 0 && cfg.Password == "" {
		return nil, ErrPasswordRequired
	}

	// Phase 2: key exchange with trust decision.
	env, err = hf.Receive()
	if err != nil {
		return nil, fmt.Errorf("waiting for key exchange: %w", err)
	}
	if env.Type != wire.TypeKeyExchangeInit {
		return nil, fmt.Errorf("got %s, want key exchange init: %w", env.Type, ErrUnexpectedPacket)
	}
	kex, err := parseKeyExchangeInit(env.Payload)
	if err != nil {
		return nil, err
	}

	if kex.hasIdentity {
		if err := crypto.VerifyEphemeralKey(kex.identity, kex.ephemeral, kex.signature); err != nil {
			return nil, err
		}
	}
	if err := verifyHost(cfg, kex); err != nil {
		return nil, err
	}

	sess, err := crypto.NewSession()
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		if err := sess.SetPassword(cfg.Password); err != nil {
			return nil, err
		}
	}
	if err := sess.CompleteKeyExchange(kex.ephemeral); err != nil {
		return nil, err
	}

	pub := sess.PublicKey()
	if err := hf.Send(wire.TypeKeyExchangeResp, pub[:]); err != nil {
		return nil, fmt.Errorf("failed to send key exchange response: %w", err)
	}

	// Phase 3: optional authentication, then completion.
	if err := clientAuthenticate(hf, sess, cfg); err != nil {
		return nil, err
	}

	if err := sess.MarkReady(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Client",
		"endpoint":     trust.FormatEndpoint(cfg.ServerHost, cfg.ServerPort),
		"has_password": cfg.Password != "",
		"has_identity": kex.hasIdentity,
	}).Info("Handshake completed, session established")

	return &Result{State: StateReady, Session: sess}, nil
}

// clientPlaintext negotiates the no-encryption mode.
func clientPlaintext(hf *wire.Framer) (*Result, error) {
	if err := hf.Send(wire.TypeNoEncryption, nil); err != nil {
		return nil, fmt.Errorf("failed to announce plaintext mode: %w", err)
	}
	env, err := hf.Receive()
	if err != nil {
		return nil, fmt.Errorf("waiting for plaintext confirmation: %w", err)
	}
	if env.Type != wire.TypeHandshakeComplete {
		return nil, fmt.Errorf("got %s, want handshake complete: %w", env.Type, ErrUnexpectedPacket)
	}

	logrus.WithFields(logrus.Fields{
		"function": "clientPlaintext",
	}).Warn("Encryption disabled, channel is plaintext")

	return &Result{State: StateDisabled}, nil
}

// verifyHost runs the trust-on-first-use decision for the server's
// presented key material: pin unknown hosts, accept verified ones, and
// fail hard on a mismatch.
func verifyHost(cfg ClientConfig, kex keyExchangeInit) error {
	if cfg.TrustStore == nil {
		return nil
	}
	if cfg.InsecureSkipVerify || trust.InsecureSkipVerify() {
		logrus.WithFields(logrus.Fields{
			"function": "verifyHost",
			"endpoint": trust.FormatEndpoint(cfg.ServerHost, cfg.ServerPort),
		}).Warn("SECURITY: skipping host key verification")
		return nil
	}

	var (
		status trust.Status
		err    error
		pinKey [32]byte
	)
	if kex.hasIdentity {
		pinKey = kex.identity
		status, err = cfg.TrustStore.Check(cfg.ServerHost, cfg.ServerPort, kex.identity)
	} else {
		status, err = cfg.TrustStore.CheckNoIdentity(cfg.ServerHost, cfg.ServerPort)
	}
	if err != nil {
		return fmt.Errorf("trust store lookup failed: %w", err)
	}

	switch status {
	case trust.StatusVerified:
		return nil
	case trust.StatusUnknown:
		if !cfg.AcceptNewHosts {
			return fmt.Errorf(
				"first contact with %s (fingerprint SHA256:%s); accept it explicitly or add it to %s: %w",
				trust.FormatEndpoint(cfg.ServerHost, cfg.ServerPort),
				trust.Fingerprint(pinKey), cfg.TrustStore.Path(), ErrUnknownHost)
		}
		if err := cfg.TrustStore.Add(cfg.ServerHost, cfg.ServerPort, pinKey); err != nil {
			return fmt.Errorf("failed to pin server key: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "verifyHost",
			"endpoint": trust.FormatEndpoint(cfg.ServerHost, cfg.ServerPort),
		}).Info("First contact, pinned server key")
		return nil
	default:
		return fmt.Errorf("%s: %w",
			cfg.TrustStore.MismatchMessage(cfg.ServerHost, cfg.ServerPort, pinKey),
			ErrHostKeyMismatch)
	}
}

// clientAuthenticate handles the post-key-exchange phase: an optional
// challenge-response round, ending at HandshakeComplete.
func clientAuthenticate(hf *wire.Framer, sess *crypto.Session, cfg ClientConfig) error {
	env, err := hf.Receive()
	if err != nil {
		return fmt.Errorf("waiting for handshake completion: %w", err)
	}

	switch env.Type {
	case wire.TypeHandshakeComplete:
		return nil

	case wire.TypeAuthFailed:
		return ErrAuthFailed

	case wire.TypeAuthChallenge:
		// Fall through to the challenge-response round below.

	default:
		return fmt.Errorf("got %s, want auth challenge or completion: %w", env.Type, ErrUnexpectedPacket)
	}

	challenge, err := parseAuthChallenge(env.Payload)
	if err != nil {
		return err
	}

	clientChallenge, err := crypto.GenerateChallenge()
	if err != nil {
		return err
	}

	resp := authResponse{
		hmac:            crypto.ComputeAuthResponse(sess.PasswordKey(), challenge.nonce, sess.SharedSecret()),
		clientChallenge: clientChallenge,
	}
	if err := hf.Send(wire.TypeAuthResponse, resp.encode()); err != nil {
		return fmt.Errorf("failed to send auth response: %w", err)
	}

	// Mutual authentication: the server proves it also knows the
	// password and the shared secret.
	env, err = hf.Receive()
	if err != nil {
		return fmt.Errorf("waiting for server auth: %w", err)
	}
	switch env.Type {
	case wire.TypeAuthFailed:
		return ErrAuthFailed
	case wire.TypeServerAuthResp:
	default:
		return fmt.Errorf("got %s, want server auth: %w", env.Type, ErrUnexpectedPacket)
	}

	serverHMAC, err := parseServerAuthResp(env.Payload)
	if err != nil {
		return err
	}
	if !crypto.VerifyAuthResponse(sess.PasswordKey(), clientChallenge, sess.SharedSecret(), serverHMAC) {
		return fmt.Errorf("server failed mutual authentication: %w", ErrAuthFailed)
	}

	env, err = hf.Receive()
	if err != nil {
		return fmt.Errorf("waiting for handshake completion: %w", err)
	}
	if env.Type != wire.TypeHandshakeComplete {
		return fmt.Errorf("got %s, want handshake complete: %w", env.Type, ErrUnexpectedPacket)
	}
	return nil
}
