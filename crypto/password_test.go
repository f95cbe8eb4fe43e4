package crypto

import (
	"strings"
	"testing"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  error
	}{
		{"valid password", "hunter2hunter2", nil},
		{"minimum length", strings.Repeat("a", MinPasswordLength), nil},
		{"maximum length", strings.Repeat("a", MaxPasswordLength), nil},
		{"too short", "short", ErrPasswordTooShort},
		{"empty", "", ErrPasswordTooShort},
		{"too long", strings.Repeat("a", MaxPasswordLength+1), ErrPasswordTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidatePassword(tt.password); err != tt.wantErr {
				t.Errorf("ValidatePassword() err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDerivePasswordKey(t *testing.T) {
	// Deterministic: the same password always derives the same key so
	// independently configured endpoints agree.
	k1, err := DerivePasswordKey("correct-horse-battery")
	if err != nil {
		t.Fatalf("DerivePasswordKey failed: %v", err)
	}
	k2, err := DerivePasswordKey("correct-horse-battery")
	if err != nil {
		t.Fatalf("DerivePasswordKey failed: %v", err)
	}
	if k1 != k2 {
		t.Error("Same password derived different keys")
	}

	// Different passwords derive different keys.
	k3, err := DerivePasswordKey("correct-horse-battery!")
	if err != nil {
		t.Fatalf("DerivePasswordKey failed: %v", err)
	}
	if k1 == k3 {
		t.Error("Different passwords derived the same key")
	}

	if _, err := DerivePasswordKey("short"); err != ErrPasswordTooShort {
		t.Errorf("Short password: err = %v, want ErrPasswordTooShort", err)
	}
}
