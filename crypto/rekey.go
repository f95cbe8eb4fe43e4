package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RekeyPolicy controls when a session renegotiates its keys and how
// aggressively peers may request rekeys.
type RekeyPolicy struct {
	// PacketThreshold triggers a rekey after this many packets were
	// encrypted since the last rekey (or the initial handshake).
	PacketThreshold uint64
	// Interval triggers a rekey after this much wall-clock time.
	Interval time.Duration
	// MinRequestInterval rate-limits inbound rekey requests so a
	// malicious peer cannot force continuous re-handshakes.
	MinRequestInterval time.Duration
	// MaxFailures bounds consecutive failed rekey attempts before the
	// caller should treat the connection as unhealthy.
	MaxFailures int
}

// DefaultRekeyPolicy returns the production thresholds: one million
// packets or one hour, whichever comes first.
func DefaultRekeyPolicy() RekeyPolicy {
	return RekeyPolicy{
		PacketThreshold:    1_000_000,
		Interval:           time.Hour,
		MinRequestInterval: 30 * time.Second,
		MaxFailures:        3,
	}
}

// TestRekeyPolicy returns reduced thresholds (a thousand packets or
// thirty seconds) for fast rekey test cycles. It must be installed
// explicitly via SetRekeyPolicy; there is no ambient toggle.
func TestRekeyPolicy() RekeyPolicy {
	return RekeyPolicy{
		PacketThreshold:    1_000,
		Interval:           30 * time.Second,
		MinRequestInterval: 100 * time.Millisecond,
		MaxFailures:        3,
	}
}

var (
	// ErrRekeyInProgress indicates a rekey was requested while one is
	// already in flight.
	ErrRekeyInProgress = errors.New("rekey already in progress")
	// ErrRekeyRateLimited indicates a rekey request arrived before the
	// minimum interval elapsed.
	ErrRekeyRateLimited = errors.New("rekey request rate limited")
	// ErrNoRekeyPending indicates a rekey completion step with no rekey
	// in flight.
	ErrNoRekeyPending = errors.New("no rekey in progress")
	// ErrRekeySecretMissing indicates a commit before the pending shared
	// secret was derived.
	ErrRekeySecretMissing = errors.New("pending rekey shared secret not derived")
)

// ShouldRekey reports whether either rekey threshold has been exceeded
// since the last successful rekey or the initial handshake. Pure policy
// check; it does not consider rate limiting or in-flight state.
func (s *Session) ShouldRekey(now time.Time) bool {
	if s.state != StateReady {
		return false
	}
	if s.packetsSinceRekey >= s.policy.PacketThreshold {
		return true
	}
	return now.Sub(s.lastRekey) >= s.policy.Interval
}

// BeginRekey starts a rekey as the initiating side: it generates a fresh
// ephemeral key pair into the pending slot and returns its public key for
// transmission. Guarded against concurrent rekeys and rate-limited.
func (s *Session) BeginRekey(now time.Time) ([32]byte, error) {
	if s.state == StateRekeying {
		return [32]byte{}, ErrRekeyInProgress
	}
	if s.state != StateReady {
		return [32]byte{}, ErrNotReady
	}
	if !s.lastRekeyRequest.IsZero() && now.Sub(s.lastRekeyRequest) < s.policy.MinRequestInterval {
		return [32]byte{}, ErrRekeyRateLimited
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to generate rekey keypair: %w", err)
	}

	s.pending = &pendingRekey{keyPair: kp, startedAt: now}
	s.lastRekeyRequest = now
	s.state = StateRekeying

	logrus.WithFields(logrus.Fields{
		"function":            "BeginRekey",
		"packets_since_rekey": s.packetsSinceRekey,
	}).Info("Rekey initiated with fresh ephemeral keypair")

	return kp.Public, nil
}

// PeerRekey handles an inbound rekey request as the responding side: it
// rate-limits the peer, generates our pending key pair, and derives the
// pending shared secret from the peer's new public key. Returns our
// pending public key for the response.
func (s *Session) PeerRekey(now time.Time, peerPublic [32]byte) ([32]byte, error) {
	if s.state == StateRekeying {
		return [32]byte{}, ErrRekeyInProgress
	}
	if s.state != StateReady {
		return [32]byte{}, ErrNotReady
	}
	if !s.lastRekeyRequest.IsZero() && now.Sub(s.lastRekeyRequest) < s.policy.MinRequestInterval {
		logrus.WithFields(logrus.Fields{
			"function": "PeerRekey",
			"elapsed":  now.Sub(s.lastRekeyRequest).String(),
			"minimum":  s.policy.MinRequestInterval.String(),
		}).Warn("Rejecting rekey request: rate limited")
		return [32]byte{}, ErrRekeyRateLimited
	}
	s.lastRekeyRequest = now

	kp, err := GenerateKeyPair()
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to generate rekey keypair: %w", err)
	}

	s.pending = &pendingRekey{keyPair: kp, startedAt: now}
	s.state = StateRekeying

	if err := s.SetPendingPeer(peerPublic); err != nil {
		s.AbortRekey()
		return [32]byte{}, err
	}

	return kp.Public, nil
}

// SetPendingPeer derives the pending shared secret from the peer's new
// ephemeral public key. Called by the initiator when the rekey response
// arrives.
func (s *Session) SetPendingPeer(peerPublic [32]byte) error {
	if s.state != StateRekeying || s.pending == nil {
		return ErrNoRekeyPending
	}

	secret, err := DeriveSharedSecret(peerPublic, s.pending.keyPair.Private)
	if err != nil {
		return err
	}

	s.pending.sharedKey = s.mixSessionKey(secret)
	s.pending.hasSecret = true
	ZeroBytes(secret[:])

	return nil
}

// EncryptPending encrypts under the pending rekey key while the old key is
// still active. Used for the rekey-complete proof of possession.
func (s *Session) EncryptPending(plaintext []byte) ([]byte, error) {
	if s.state != StateRekeying || s.pending == nil {
		return nil, ErrNoRekeyPending
	}
	if !s.pending.hasSecret {
		return nil, ErrRekeySecretMissing
	}
	return s.encryptUnder(&s.pending.sharedKey, plaintext)
}

// DecryptPending decrypts a message encrypted under the pending rekey
// key. A successful decryption proves the peer derived the same new key.
func (s *Session) DecryptPending(ciphertext []byte) ([]byte, error) {
	if s.state != StateRekeying || s.pending == nil {
		return nil, ErrNoRekeyPending
	}
	if !s.pending.hasSecret {
		return nil, ErrRekeySecretMissing
	}
	return s.decryptUnder(&s.pending.sharedKey, ciphertext)
}

// CommitRekey atomically activates the pending key material: the pending
// key pair and session key replace the active ones, the retired key is
// kept for decryption of in-flight packets, and rekey bookkeeping resets. The nonce counter keeps advancing
// monotonically; combined with the fixed session ID this preserves nonce
// uniqueness across the key change.
func (s *Session) CommitRekey(now time.Time) error {
	if s.state != StateRekeying || s.pending == nil {
		return ErrNoRekeyPending
	}
	if !s.pending.hasSecret {
		return ErrRekeySecretMissing
	}

	_ = WipeKeyPair(s.keyPair)
	ZeroBytes(s.dhSecret[:])

	// The retired key stays available for decryption only: packets
	// sealed under it can still be in flight when the commit lands.
	ZeroBytes(s.prevKey[:])
	s.prevKey = s.sessionKey
	s.hasPrevKey = true

	s.keyPair = s.pending.keyPair
	s.sessionKey = s.pending.sharedKey
	s.pending = nil

	s.state = StateReady
	s.packetsSinceRekey = 0
	s.lastRekey = now
	s.rekeyFailures = 0
	s.rekeysCompleted++

	logrus.WithFields(logrus.Fields{
		"function":         "CommitRekey",
		"rekeys_completed": s.rekeysCompleted,
	}).Info("Session rekey committed, new keys active")

	return nil
}

// AbortRekey discards the pending key material, returns to ready with the
// old keys still active, and increments the failure counter.
func (s *Session) AbortRekey() {
	if s.state != StateRekeying {
		return
	}

	s.wipePending()
	s.state = StateReady
	s.rekeyFailures++

	logrus.WithFields(logrus.Fields{
		"function":       "AbortRekey",
		"rekey_failures": s.rekeyFailures,
	}).Warn("Rekey aborted, old keys remain active")
}

// RekeyFailures returns the consecutive rekey failure count.
func (s *Session) RekeyFailures() int { return s.rekeyFailures }

func (s *Session) wipePending() {
	if s.pending == nil {
		return
	}
	if s.pending.keyPair != nil {
		_ = WipeKeyPair(s.pending.keyPair)
	}
	ZeroBytes(s.pending.sharedKey[:])
	s.pending = nil
}
