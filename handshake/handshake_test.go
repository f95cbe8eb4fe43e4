package handshake

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asciichat/asciichat/crypto"
	"github.com/asciichat/asciichat/trust"
	"github.com/asciichat/asciichat/wire"
)

// runHandshake drives both sides over an in-memory pipe and returns
// their results.
func runHandshake(t *testing.T, clientCfg ClientConfig, serverCfg ServerConfig) (*Result, *Result, error, error) {
	t.Helper()

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	type outcome struct {
		result *Result
		err    error
	}
	serverCh := make(chan outcome, 1)
	go func() {
		res, err := Server(wire.NewFramer(b), serverCfg)
		serverCh <- outcome{res, err}
	}()

	clientRes, clientErr := Client(wire.NewFramer(a), clientCfg)
	// Unblock the server promptly when the client bailed out mid-exchange.
	a.Close()
	server := <-serverCh
	return clientRes, server.result, clientErr, server.err
}

func testStore(t *testing.T) *trust.Store {
	t.Helper()
	store, err := trust.NewStore(filepath.Join(t.TempDir(), "known_hosts"))
	require.NoError(t, err)
	return store
}

// verifySessionsInterop checks that two established sessions actually
// share a key in both directions.
func verifySessionsInterop(t *testing.T, a, b *crypto.Session) {
	t.Helper()

	ct, err := a.Encrypt([]byte("ping over session"))
	require.NoError(t, err)
	plain, err := b.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping over session"), plain)

	ct, err = b.Encrypt([]byte("pong over session"))
	require.NoError(t, err)
	plain, err = a.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong over session"), plain)
}

func TestHandshakeBasic(t *testing.T) {
	clientRes, serverRes, clientErr, serverErr := runHandshake(t,
		ClientConfig{ServerHost: "127.0.0.1", ServerPort: 27224},
		ServerConfig{})

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.Equal(t, StateReady, clientRes.State)
	assert.Equal(t, StateReady, serverRes.State)
	require.NotNil(t, clientRes.Session)
	require.NotNil(t, serverRes.Session)

	verifySessionsInterop(t, clientRes.Session, serverRes.Session)
}

func TestHandshakeWithPassword(t *testing.T) {
	clientRes, serverRes, clientErr, serverErr := runHandshake(t,
		ClientConfig{ServerHost: "127.0.0.1", ServerPort: 27224, Password: "shared-secret-pw"},
		ServerConfig{Password: "shared-secret-pw"})

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	verifySessionsInterop(t, clientRes.Session, serverRes.Session)
}

func TestHandshakeWrongPassword(t *testing.T) {
	_, _, clientErr, serverErr := runHandshake(t,
		ClientConfig{ServerHost: "127.0.0.1", ServerPort: 27224, Password: "client-password"},
		ServerConfig{Password: "server-password"})

	assert.ErrorIs(t, clientErr, ErrAuthFailed)
	assert.ErrorIs(t, serverErr, ErrAuthFailed)
}

func TestHandshakeMissingPassword(t *testing.T) {
	_, _, clientErr, _ := runHandshake(t,
		ClientConfig{ServerHost: "127.0.0.1", ServerPort: 27224},
		ServerConfig{Password: "server-password"})

	assert.ErrorIs(t, clientErr, ErrPasswordRequired)
}

func TestHandshakeWithIdentity(t *testing.T) {
	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	store := testStore(t)

	// Unknown hosts are rejected unless first-contact acceptance is
	// explicitly enabled.
	_, _, clientErr, _ := runHandshake(t,
		ClientConfig{ServerHost: "10.0.0.5", ServerPort: 27224, TrustStore: store},
		ServerConfig{Identity: identity})
	assert.ErrorIs(t, clientErr, ErrUnknownHost)

	// First accepted contact pins the identity.
	clientRes, serverRes, clientErr, serverErr := runHandshake(t,
		ClientConfig{ServerHost: "10.0.0.5", ServerPort: 27224, TrustStore: store, AcceptNewHosts: true},
		ServerConfig{Identity: identity})
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	verifySessionsInterop(t, clientRes.Session, serverRes.Session)

	status, err := store.Check("10.0.0.5", 27224, identity.Public)
	require.NoError(t, err)
	assert.Equal(t, trust.StatusVerified, status)

	// Reconnect with the same identity verifies against the pin.
	_, _, clientErr, serverErr = runHandshake(t,
		ClientConfig{ServerHost: "10.0.0.5", ServerPort: 27224, TrustStore: store},
		ServerConfig{Identity: identity})
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	// A different identity for the same endpoint is a hard failure.
	impostor, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	_, _, clientErr, _ = runHandshake(t,
		ClientConfig{ServerHost: "10.0.0.5", ServerPort: 27224, TrustStore: store},
		ServerConfig{Identity: impostor})
	assert.ErrorIs(t, clientErr, ErrHostKeyMismatch)
}

func TestHandshakeNoIdentityPinning(t *testing.T) {
	store := testStore(t)

	// A server without an identity pins the no-identity marker.
	_, _, clientErr, serverErr := runHandshake(t,
		ClientConfig{ServerHost: "10.0.0.6", ServerPort: 27224, TrustStore: store, AcceptNewHosts: true},
		ServerConfig{})
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	status, err := store.CheckNoIdentity("10.0.0.6", 27224)
	require.NoError(t, err)
	assert.Equal(t, trust.StatusVerified, status)

	// The same endpoint later presenting an identity is a mismatch.
	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	_, _, clientErr, _ = runHandshake(t,
		ClientConfig{ServerHost: "10.0.0.6", ServerPort: 27224, TrustStore: store},
		ServerConfig{Identity: identity})
	assert.ErrorIs(t, clientErr, ErrHostKeyMismatch)
}

func TestHandshakePlaintextMode(t *testing.T) {
	clientRes, serverRes, clientErr, serverErr := runHandshake(t,
		ClientConfig{DisableEncryption: true},
		ServerConfig{AllowPlaintext: true})

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.Equal(t, StateDisabled, clientRes.State)
	assert.Equal(t, StateDisabled, serverRes.State)
	assert.Nil(t, clientRes.Session)
	assert.Nil(t, serverRes.Session)
}

func TestHandshakePlaintextRejected(t *testing.T) {
	_, _, clientErr, serverErr := runHandshake(t,
		ClientConfig{DisableEncryption: true},
		ServerConfig{})

	assert.ErrorIs(t, serverErr, ErrEncryptionDisabled)
	assert.Error(t, clientErr)
}

func TestHandshakeRejectsWrongSuite(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := Server(wire.NewFramer(b), ServerConfig{})
		errCh <- err
	}()

	// A client announcing an unknown cipher must be refused without any
	// downgrade attempt.
	caps := capabilities{
		version: ProtocolVersion,
		flags:   FlagEncryptionSupported,
		kex:     SuiteKexX25519,
		cipher:  99,
		auth:    SuiteAuthHMACSHA256,
	}
	require.NoError(t, wire.NewFramer(a).Send(wire.TypeCryptoCapabilities, caps.encode()))

	assert.ErrorIs(t, <-errCh, ErrUnsupportedSuite)
}

func TestRekeyOverFramers(t *testing.T) {
	// Establish a real session pair first.
	clientRes, serverRes, clientErr, serverErr := runHandshake(t,
		ClientConfig{ServerHost: "127.0.0.1", ServerPort: 27224},
		ServerConfig{})
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	initiatorFramer, responderFramer := wire.NewFramer(a), wire.NewFramer(b)
	initiator, responder := clientRes.Session, serverRes.Session
	now := time.Now()

	// Request.
	done := make(chan error, 1)
	go func() { done <- SendRekeyRequest(initiatorFramer, initiator, now) }()
	env, err := responderFramer.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, wire.TypeRekeyRequest, env.Type)

	// Response.
	go func() { done <- HandleRekeyRequest(responderFramer, responder, env.Payload, now) }()
	env, err = initiatorFramer.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, wire.TypeRekeyResponse, env.Type)

	// Completion with proof of possession.
	go func() { done <- HandleRekeyResponse(initiatorFramer, initiator, env.Payload, now) }()
	env, err = responderFramer.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, wire.TypeRekeyComplete, env.Type)

	require.NoError(t, HandleRekeyComplete(responder, env.Payload, now))

	// Both sides committed and still interoperate under the new key.
	assert.Equal(t, crypto.StateReady, initiator.State())
	assert.Equal(t, crypto.StateReady, responder.State())
	assert.Equal(t, uint64(1), initiator.Stats().RekeysCompleted)
	verifySessionsInterop(t, initiator, responder)
}

func TestRekeyCompleteBadProof(t *testing.T) {
	clientRes, serverRes, clientErr, serverErr := runHandshake(t,
		ClientConfig{ServerHost: "127.0.0.1", ServerPort: 27224},
		ServerConfig{})
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	initiator, responder := clientRes.Session, serverRes.Session
	now := time.Now()

	initPub, err := initiator.BeginRekey(now)
	require.NoError(t, err)
	_, err = responder.PeerRekey(now, initPub)
	require.NoError(t, err)

	// Garbage in place of the sealed proof: the responder must abort and
	// keep its old key.
	err = HandleRekeyComplete(responder, []byte("not a valid proof at all, nope"), now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, crypto.ErrDecryptFailed) || errors.Is(err, crypto.ErrCiphertextTooShort))
	assert.Equal(t, crypto.StateReady, responder.State())
	assert.Equal(t, 1, responder.RekeyFailures())
}
