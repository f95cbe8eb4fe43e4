package handshake

import (
	"bytes"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asciichat/asciichat/crypto"
	"github.com/asciichat/asciichat/wire"
)

// rekeyProof is the fixed plaintext sealed under the pending key in the
// rekey completion packet. Decrypting it proves the sender derived the
// same new key; the content itself carries no secret.
var rekeyProof = []byte("rekey-proof-v1")

// SendRekeyRequest starts a rekey as the initiator: a fresh ephemeral
// key goes into the session's pending slot and out in a RekeyRequest.
func SendRekeyRequest(f *wire.Framer, sess *crypto.Session, now time.Time) error {
	pub, err := sess.BeginRekey(now)
	if err != nil {
		return err
	}
	if err := f.Send(wire.TypeRekeyRequest, pub[:]); err != nil {
		sess.AbortRekey()
		return fmt.Errorf("failed to send rekey request: %w", err)
	}
	return nil
}

// HandleRekeyRequest services an inbound rekey request as the
// responder: rate-limit, derive the pending key, and answer with our
// new public key. Rate-limited requests are dropped without aborting
// anything; there is no rekey in flight to abort.
func HandleRekeyRequest(f *wire.Framer, sess *crypto.Session, payload []byte, now time.Time) error {
	peerPub, err := parseRekeyKey(payload)
	if err != nil {
		return err
	}

	pub, err := sess.PeerRekey(now, peerPub)
	if err != nil {
		return err
	}
	if err := f.Send(wire.TypeRekeyResponse, pub[:]); err != nil {
		sess.AbortRekey()
		return fmt.Errorf("failed to send rekey response: %w", err)
	}
	return nil
}

// HandleRekeyResponse finishes the rekey as the initiator: derive the
// pending key from the responder's public key, send the proof of
// possession sealed under the new key, and commit.
func HandleRekeyResponse(f *wire.Framer, sess *crypto.Session, payload []byte, now time.Time) error {
	peerPub, err := parseRekeyKey(payload)
	if err != nil {
		sess.AbortRekey()
		return err
	}

	if err := sess.SetPendingPeer(peerPub); err != nil {
		sess.AbortRekey()
		return err
	}

	proof, err := sess.EncryptPending(rekeyProof)
	if err != nil {
		sess.AbortRekey()
		return err
	}
	if err := f.Send(wire.TypeRekeyComplete, proof); err != nil {
		sess.AbortRekey()
		return fmt.Errorf("failed to send rekey completion: %w", err)
	}

	return sess.CommitRekey(now)
}

// HandleRekeyComplete finishes the rekey as the responder: the proof
// must decrypt under the pending key and match. Anything else aborts
// the rekey with the old key still active.
func HandleRekeyComplete(sess *crypto.Session, payload []byte, now time.Time) error {
	plain, err := sess.DecryptPending(payload)
	if err != nil {
		sess.AbortRekey()
		return fmt.Errorf("rekey proof did not verify: %w", err)
	}
	if !bytes.Equal(plain, rekeyProof) {
		sess.AbortRekey()
		return fmt.Errorf("rekey proof content mismatch: %w", ErrMalformedPayload)
	}

	if err := sess.CommitRekey(now); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleRekeyComplete",
	}).Debug("Rekey committed from peer proof")

	return nil
}

// IsRekeyPacket reports whether a packet type belongs to the rekey
// exchange.
func IsRekeyPacket(t wire.Type) bool {
	return t == wire.TypeRekeyRequest || t == wire.TypeRekeyResponse || t == wire.TypeRekeyComplete
}

func parseRekeyKey(payload []byte) ([32]byte, error) {
	var pub [32]byte
	if len(payload) != 32 {
		return pub, fmt.Errorf("rekey key payload %d bytes: %w", len(payload), ErrMalformedPayload)
	}
	copy(pub[:], payload)
	return pub, nil
}
