package crypto

import (
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
)

// Password length requirements.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// passwordSalt is the fixed application-wide salt for password key
// derivation. It exists only so that client and server derive the same
// key from the same password; it provides no protection for long-term
// credential storage, which this key is never used for.
const passwordSalt = "ascii-chat-password-salt-v1"

// Argon2id cost parameters, matching libsodium's interactive limits
// (about 0.1 seconds and 64 MiB per derivation).
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	// ErrPasswordTooShort indicates the password is below MinPasswordLength.
	ErrPasswordTooShort = errors.New("password too short")
	// ErrPasswordTooLong indicates the password exceeds MaxPasswordLength.
	ErrPasswordTooLong = errors.New("password too long")
)

// ValidatePassword checks the password against the length requirements.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(password) > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

// DerivePasswordKey derives a 32-byte encryption key from a password using
// Argon2id with the fixed application salt. Both peers derive the same key
// from the same password, which is what binds password knowledge into the
// session key.
func DerivePasswordKey(password string) ([32]byte, error) {
	if err := ValidatePassword(password); err != nil {
		return [32]byte{}, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "DerivePasswordKey",
	}).Debug("Deriving password key using Argon2id")

	derived := argon2.IDKey([]byte(password), []byte(passwordSalt), argonTime, argonMemory, argonThreads, 32)

	var key [32]byte
	copy(key[:], derived)
	ZeroBytes(derived)

	return key, nil
}
