// Package asciichat provides the secure session transport for
// ascii-chat connections: a framed binary protocol with an
// authenticated-encryption session layer, trust-on-first-use host
// verification, and transparent rekeying.
//
// A SecureConn wraps an established net.Conn. The handshake negotiates
// keys (or plaintext mode), after which Send and Receive move typed
// packets with encryption applied underneath:
//
//	conn, err := net.Dial("tcp", "chat.example.com:27224")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sc, err := asciichat.ClientHandshake(conn, asciichat.ClientOptions{
//	    Host:     "chat.example.com",
//	    Port:     27224,
//	    Password: password,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sc.Close()
//
//	err = sc.Send(wire.TypeTextMessage, []byte("hello"))
package asciichat

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asciichat/asciichat/crypto"
	"github.com/asciichat/asciichat/handshake"
	"github.com/asciichat/asciichat/trust"
	"github.com/asciichat/asciichat/wire"
)

// ClientOptions configures the client side of a connection.
type ClientOptions struct {
	// Host and Port identify the server in the trust store.
	Host string
	Port int

	// Password enables the shared-password layer when non-empty.
	Password string

	// DisableEncryption negotiates a plaintext channel.
	DisableEncryption bool

	// TrustStore holds pinned server keys; nil skips host verification.
	TrustStore *trust.Store

	// AcceptNewHosts pins unknown endpoints on first contact instead of
	// rejecting them.
	AcceptNewHosts bool

	// InsecureSkipVerify bypasses the trust check. The
	// ASCIICHAT_INSECURE_SKIP_HOST_VERIFY environment override also
	// applies.
	InsecureSkipVerify bool

	// RekeyPolicy overrides the default rekey thresholds when non-nil.
	RekeyPolicy *crypto.RekeyPolicy

	// FramerConfig overrides the default timeout tuning when non-nil.
	FramerConfig *wire.FramerConfig
}

// ServerOptions configures the server side of a connection.
type ServerOptions struct {
	// Password makes client authentication mandatory when non-empty.
	Password string

	// Identity signs the server's ephemeral key so clients can pin it.
	Identity *crypto.Identity

	// AllowPlaintext accepts clients negotiating the no-encryption mode.
	AllowPlaintext bool

	// RekeyPolicy overrides the default rekey thresholds when non-nil.
	RekeyPolicy *crypto.RekeyPolicy

	// FramerConfig overrides the default timeout tuning when non-nil.
	FramerConfig *wire.FramerConfig
}

// SecureConn is an established ascii-chat connection. It supports one
// concurrent sender and one concurrent receiver; the internal mutex
// covers the session state both directions touch (nonce counter, rekey
// material), not the blocking socket reads.
type SecureConn struct {
	mu      sync.Mutex
	conn    net.Conn
	framer  *wire.Framer
	secure  *wire.SecureFramer
	session *crypto.Session
}

func newFramer(conn net.Conn, override *wire.FramerConfig) *wire.Framer {
	if override != nil {
		return wire.NewFramerWithConfig(conn, *override)
	}
	return wire.NewFramer(conn)
}

// ClientHandshake runs the client handshake over an established
// connection and returns the secured connection.
func ClientHandshake(conn net.Conn, opts ClientOptions) (*SecureConn, error) {
	framer := newFramer(conn, opts.FramerConfig)

	result, err := handshake.Client(framer, handshake.ClientConfig{
		ServerHost:         opts.Host,
		ServerPort:         opts.Port,
		Password:           opts.Password,
		DisableEncryption:  opts.DisableEncryption,
		TrustStore:         opts.TrustStore,
		AcceptNewHosts:     opts.AcceptNewHosts,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}

	return newSecureConn(conn, framer, result, opts.RekeyPolicy), nil
}

// ServerHandshake runs the server handshake over an accepted connection
// and returns the secured connection.
func ServerHandshake(conn net.Conn, opts ServerOptions) (*SecureConn, error) {
	framer := newFramer(conn, opts.FramerConfig)

	result, err := handshake.Server(framer, handshake.ServerConfig{
		Password:       opts.Password,
		Identity:       opts.Identity,
		AllowPlaintext: opts.AllowPlaintext,
	})
	if err != nil {
		return nil, err
	}

	return newSecureConn(conn, framer, result, opts.RekeyPolicy), nil
}

func newSecureConn(conn net.Conn, framer *wire.Framer, result *handshake.Result, policy *crypto.RekeyPolicy) *SecureConn {
	if result.Session != nil && policy != nil {
		result.Session.SetRekeyPolicy(*policy)
	}
	requireEncryption := result.State != handshake.StateDisabled
	return &SecureConn{
		conn:    conn,
		framer:  framer,
		secure:  wire.NewSecureFramer(framer, result.Session, requireEncryption),
		session: result.Session,
	}
}

// Session returns the underlying crypto session, nil in plaintext mode.
func (sc *SecureConn) Session() *crypto.Session { return sc.session }

// Send transmits one packet, encrypting it unless the channel is
// plaintext. When the session's rekey thresholds fire, a rekey request
// goes out first; traffic continues under the old key until the
// exchange commits.
func (sc *SecureConn) Send(t wire.Type, payload []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.maybeInitiateRekey()
	return sc.secure.Send(t, payload)
}

// SendPing sends a keepalive probe.
func (sc *SecureConn) SendPing() error { return sc.Send(wire.TypePing, nil) }

// Receive returns the next application packet. Rekey packets are
// serviced internally and never surface; consumers see an uninterrupted
// packet stream across key changes.
func (sc *SecureConn) Receive() (*wire.Envelope, error) {
	for {
		env, err := sc.framer.Receive()
		if err != nil {
			return nil, err
		}

		sc.mu.Lock()
		if sc.session != nil && handshake.IsRekeyPacket(env.Type) {
			err := sc.serviceRekey(env)
			sc.mu.Unlock()
			if err != nil {
				return nil, err
			}
			continue
		}
		opened, err := sc.secure.Open(env)
		sc.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return opened, nil
	}
}

// maybeInitiateRekey starts a rekey when the policy thresholds fire.
// Callers hold the mutex.
func (sc *SecureConn) maybeInitiateRekey() {
	if sc.session == nil || !sc.session.ShouldRekey(time.Now()) {
		return
	}
	if err := handshake.SendRekeyRequest(sc.framer, sc.session, time.Now()); err != nil {
		if errors.Is(err, crypto.ErrRekeyInProgress) || errors.Is(err, crypto.ErrRekeyRateLimited) {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "maybeInitiateRekey",
			"error":    err.Error(),
		}).Warn("Failed to initiate rekey, old key remains active")
	}
}

// serviceRekey handles one inbound rekey packet. Callers hold the
// mutex. Rate-limited or overlapping requests are dropped; the old key
// keeps the connection alive.
func (sc *SecureConn) serviceRekey(env *wire.Envelope) error {
	now := time.Now()

	var err error
	switch env.Type {
	case wire.TypeRekeyRequest:
		err = handshake.HandleRekeyRequest(sc.framer, sc.session, env.Payload, now)
	case wire.TypeRekeyResponse:
		err = handshake.HandleRekeyResponse(sc.framer, sc.session, env.Payload, now)
	case wire.TypeRekeyComplete:
		err = handshake.HandleRekeyComplete(sc.session, env.Payload, now)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, crypto.ErrRekeyRateLimited) || errors.Is(err, crypto.ErrRekeyInProgress) {
		logrus.WithFields(logrus.Fields{
			"function":    "serviceRekey",
			"packet_type": env.Type.String(),
		}).Debug("Dropping rekey packet")
		return nil
	}
	return err
}

// Close wipes the session key material and closes the connection.
func (sc *SecureConn) Close() error {
	sc.mu.Lock()
	if sc.session != nil {
		sc.session.Wipe()
	}
	sc.mu.Unlock()
	return sc.conn.Close()
}
