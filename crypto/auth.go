package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// ChallengeSize is the size of an authentication challenge nonce.
const ChallengeSize = 32

// AuthHMACSize is the size of an authentication response HMAC.
const AuthHMACSize = sha256.Size

// GenerateChallenge produces a random 32-byte authentication challenge.
func GenerateChallenge() ([ChallengeSize]byte, error) {
	var nonce [ChallengeSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return [ChallengeSize]byte{}, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return nonce, nil
}

// ComputeAuthResponse computes HMAC-SHA256(authKey, nonce || sharedSecret).
// Binding the challenge response to the DH shared secret means a relay
// that knows the password but not the DH secret (or vice versa) cannot
// produce a valid response, defeating MITM relay attacks.
func ComputeAuthResponse(authKey [32]byte, nonce [ChallengeSize]byte, sharedSecret [32]byte) [AuthHMACSize]byte {
	mac := hmac.New(sha256.New, authKey[:])
	mac.Write(nonce[:])
	mac.Write(sharedSecret[:])

	var out [AuthHMACSize]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// VerifyAuthResponse verifies an authentication response in constant time.
func VerifyAuthResponse(authKey [32]byte, nonce [ChallengeSize]byte, sharedSecret [32]byte, expected [AuthHMACSize]byte) bool {
	computed := ComputeAuthResponse(authKey, nonce, sharedSecret)
	return hmac.Equal(computed[:], expected[:])
}
